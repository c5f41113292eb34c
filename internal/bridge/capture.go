package bridge

import (
	"bytes"
	"log/slog"
	"sync"
)

// CaptureGuard traps stray diagnostic output emitted by backend adapters
// during a call. The response channel carries a binary protocol stream,
// so anything a misbehaving backend writes outside the API must be
// logged and discarded, never forwarded.
//
// The guard is an io.Writer; hand it to backend adapters as their
// diagnostic sink. Only one capture region is active at a time.
type CaptureGuard struct {
	logger *slog.Logger

	region sync.Mutex

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewCaptureGuard creates a guard logging leaked output through logger.
func NewCaptureGuard(logger *slog.Logger) *CaptureGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptureGuard{logger: logger}
}

// Write collects stray output. Safe for concurrent use.
func (g *CaptureGuard) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buf.Write(p)
}

// Run executes fn inside a capture region. Any bytes written to the
// guard during the call are logged as an error and dropped once fn
// returns, on every exit path. The call itself never fails because of
// leaked output.
func (g *CaptureGuard) Run(op string, fn func() error) error {
	g.region.Lock()
	defer g.region.Unlock()

	g.mu.Lock()
	g.buf.Reset()
	g.mu.Unlock()

	defer g.drain(op)
	return fn()
}

func (g *CaptureGuard) drain(op string) {
	g.mu.Lock()
	leaked := g.buf.String()
	g.buf.Reset()
	g.mu.Unlock()
	if leaked != "" {
		g.logger.Error("unexpected output during backend call", "op", op, "output", leaked)
	}
}
