package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpim/syncbridge/internal/bridge"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCursorLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.LoadCursor(ctx, "dev-1", "@Calendar@")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, s.SaveCursor(ctx, "dev-1", "@Calendar@", 100))
	require.NoError(t, s.SaveCursor(ctx, "dev-1", "@Calendar@", 200))

	cursor, err = s.LoadCursor(ctx, "dev-1", "@Calendar@")
	require.NoError(t, err)
	assert.Equal(t, int64(200), cursor)

	// Cursors are scoped per device and folder.
	cursor, err = s.LoadCursor(ctx, "dev-2", "@Calendar@")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, s.ResetCursor(ctx, "dev-1", "@Calendar@"))
	cursor, err = s.LoadCursor(ctx, "dev-1", "@Calendar@")
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestFolderStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.LoadFolderState(ctx, "dev-1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, bridge.FolderState{}, st)

	st = bridge.FolderState{
		Window: bridge.SoftDeleteWindow{
			LastSweepStart: 1_600_000_000,
			LastSweepEnd:   1_700_000_000,
		},
		RecipientIDs: []string{"alice@example.com", "bob@example.com"},
	}
	require.NoError(t, s.SaveFolderState(ctx, "dev-1", "INBOX", st))

	loaded, err := s.LoadFolderState(ctx, "dev-1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, st, loaded)

	// Upsert replaces, never accumulates.
	st.RecipientIDs = nil
	require.NoError(t, s.SaveFolderState(ctx, "dev-1", "INBOX", st))
	loaded, err = s.LoadFolderState(ctx, "dev-1", "INBOX")
	require.NoError(t, err)
	assert.Empty(t, loaded.RecipientIDs)
	assert.Equal(t, st.Window, loaded.Window)
}

func TestDeleteFolderStateClearsCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCursor(ctx, "dev-1", "INBOX", 42))
	require.NoError(t, s.SaveFolderState(ctx, "dev-1", "INBOX", bridge.FolderState{
		Window: bridge.SoftDeleteWindow{LastSweepEnd: 1},
	}))

	require.NoError(t, s.DeleteFolderState(ctx, "dev-1", "INBOX"))

	cursor, err := s.LoadCursor(ctx, "dev-1", "INBOX")
	require.NoError(t, err)
	assert.Zero(t, cursor)

	st, err := s.LoadFolderState(ctx, "dev-1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, bridge.FolderState{}, st)
}

func TestOutboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendChangeEventTx(ctx, tx, "sync.demo.changes", "folder.changed", []byte(`{"n":1}`), "msg-1"))
	require.NoError(t, s.AppendChangeEventTx(ctx, tx, "sync.demo.changes", "folder.changed", []byte(`{"n":2}`), "msg-2"))
	// A duplicate msg id is silently dropped.
	require.NoError(t, s.AppendChangeEventTx(ctx, tx, "sync.demo.changes", "folder.changed", []byte(`{"n":1}`), "msg-1"))
	require.NoError(t, tx.Commit())

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "msg-1", msgs[0].MsgID)
	assert.Equal(t, "msg-2", msgs[1].MsgID)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))

	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "msg-2", msgs[0].MsgID)

	// A retried event is pushed past the current dequeue horizon.
	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[0].ID, time.Hour))
	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
