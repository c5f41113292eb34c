package bridge

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureGuardLogsLeakedOutput(t *testing.T) {
	var logged bytes.Buffer
	guard := NewCaptureGuard(slog.New(slog.NewTextHandler(&logged, nil)))

	err := guard.Run("probe", func() error {
		_, err := guard.Write([]byte("WARNING: stray adapter noise"))
		return err
	})
	require.NoError(t, err)

	assert.Contains(t, logged.String(), "unexpected output during backend call")
	assert.Contains(t, logged.String(), "stray adapter noise")
	assert.Contains(t, logged.String(), "op=probe")
}

func TestCaptureGuardSilentCallLogsNothing(t *testing.T) {
	var logged bytes.Buffer
	guard := NewCaptureGuard(slog.New(slog.NewTextHandler(&logged, nil)))

	err := guard.Run("probe", func() error { return nil })
	require.NoError(t, err)
	assert.Empty(t, logged.String())
}

func TestCaptureGuardPreservesCallError(t *testing.T) {
	var logged bytes.Buffer
	guard := NewCaptureGuard(slog.New(slog.NewTextHandler(&logged, nil)))

	sentinel := errors.New("backend exploded")
	err := guard.Run("changes", func() error {
		_, _ = guard.Write([]byte("half-written diagnostic"))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// The leak is still drained and logged on the error path.
	assert.Contains(t, logged.String(), "half-written diagnostic")
}

func TestCaptureGuardDiscardsBetweenRegions(t *testing.T) {
	var logged bytes.Buffer
	guard := NewCaptureGuard(slog.New(slog.NewTextHandler(&logged, nil)))

	require.NoError(t, guard.Run("first", func() error {
		_, _ = guard.Write([]byte("first leak"))
		return nil
	}))
	logged.Reset()

	require.NoError(t, guard.Run("second", func() error { return nil }))
	assert.Empty(t, logged.String())
}
