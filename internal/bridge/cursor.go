package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/openpim/syncbridge/internal/registry"
)

// regressionGuard is the difference beyond which an apparent cursor
// move backwards is treated as a timestamp-to-sequence migration
// artifact rather than a real sequence value. Timestamps sit around
// 1.7e9 while fresh modification sequences start near zero, so a
// regression this large cannot be a legitimate sequence step back.
const regressionGuard = 1_000_000_000

// CursorProvider produces the monotonic per-collection sync cursor.
type CursorProvider struct {
	reg    registry.Registry
	logger *slog.Logger
	now    func() time.Time
}

// NewCursorProvider creates a provider backed by reg. now may be nil.
func NewCursorProvider(reg registry.Registry, logger *slog.Logger, now func() time.Time) *CursorProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &CursorProvider{reg: reg, logger: logger, now: now}
}

// Cursor returns the current cursor for ref. ref == nil means a folder
// hierarchy sync, which is always timestamp based, as is email.
// lastKnown is the cursor the caller last persisted, or 0.
//
// The second return value is false when the provider detects a cursor
// regression; the caller must then force a full resync for the
// collection instead of trusting any cursor value.
func (p *CursorProvider) Cursor(ctx context.Context, ref *CollectionRef, lastKnown int64) (int64, bool) {
	if ref == nil || ref.Class == registry.ClassEmail || ref.Class == registry.ClassRecipientCache {
		return p.now().Unix(), true
	}

	if p.reg.SupportsSequences(ref.Class) {
		seq, err := p.reg.HighestSequence(ctx, ref.Class, ref.BackendID)
		if err != nil {
			// Without a trustworthy sequence the only safe answer is a
			// full resync.
			p.logger.Error("highest sequence fetch failed",
				"class", ref.Class.String(), "backend_id", ref.BackendID, "error", err)
			return 0, false
		}
		if lastKnown > seq && lastKnown-seq > regressionGuard {
			p.logger.Warn("cursor regression detected, forcing resync",
				"class", ref.Class.String(), "last_known", lastKnown, "sequence", seq)
			return 0, false
		}
		return seq, true
	}

	return p.now().Unix(), true
}
