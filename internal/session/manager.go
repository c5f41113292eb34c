// Package session runs per-device sync sessions over the bridge engine.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openpim/syncbridge/internal/bridge"
)

// Config describes one device sync session.
type Config struct {
	UserID   string
	DeviceID string
	Interval time.Duration
}

// Manager manages per-(user, device) sync runners.
type Manager struct {
	dataRoot  string
	driver    *bridge.Driver
	publisher Publisher
	logger    *slog.Logger

	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex
}

// NewManager creates a session manager. publisher may be nil.
func NewManager(dataRoot string, driver *bridge.Driver, publisher Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dataRoot:  dataRoot,
		driver:    driver,
		publisher: publisher,
		logger:    logger,
		runners:   make(map[string]context.CancelFunc),
	}
}

func sessionKey(userID, deviceID string) string {
	return fmt.Sprintf("%s:%s", userID, deviceID)
}

// Start launches a background runner for the session. Starting an
// already running session is an error.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	key := sessionKey(cfg.UserID, cfg.DeviceID)

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[key]; exists {
		return fmt.Errorf("sync already running for %s", key)
	}

	runner := &Runner{
		DataRoot:  m.dataRoot,
		Driver:    m.driver,
		Publisher: m.publisher,
		UserID:    cfg.UserID,
		DeviceID:  cfg.DeviceID,
		Interval:  cfg.Interval,
		Logger:    m.logger,
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[key] = cancel

	go func() {
		m.logger.Info("sync start", "session", key)
		if err := runner.Run(runnerCtx); err != nil {
			m.logger.Error("sync error", "session", key, "error", err)
		}

		m.runnersMutex.Lock()
		delete(m.runners, key)
		m.runnersMutex.Unlock()
		m.logger.Info("sync stop", "session", key)
	}()

	return nil
}

// Stop cancels a running session.
func (m *Manager) Stop(userID, deviceID string) error {
	key := sessionKey(userID, deviceID)

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	cancel, exists := m.runners[key]
	if !exists {
		return fmt.Errorf("no sync running for %s", key)
	}

	cancel()
	delete(m.runners, key)
	return nil
}

// IsRunning reports whether a session is active.
func (m *Manager) IsRunning(userID, deviceID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[sessionKey(userID, deviceID)]
	return exists
}

// StopAll cancels every running session.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for key, cancel := range m.runners {
		m.logger.Info("stopping sync", "session", key)
		cancel()
	}

	m.runners = make(map[string]context.CancelFunc)
}

// Running returns the keys of all active sessions.
func (m *Manager) Running() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var keys []string
	for key := range m.runners {
		keys = append(keys, key)
	}
	return keys
}
