// Package state persists the per-(device, folder) sync state that must
// survive across sync sessions: cursors, soft-delete windows, the
// recipient cache snapshot, and the change-event outbox.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openpim/syncbridge/internal/bridge"
)

//go:embed schema.sql
var schemaSQL string

// Store is a per-user sync state database.
type Store struct {
	DB *sql.DB
}

// OutboxMessage is one pending change event.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the per-user state database.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// LoadCursor returns the persisted cursor for a device folder, or 0
// when none has been saved yet.
func (s *Store) LoadCursor(ctx context.Context, deviceID, folderID string) (int64, error) {
	var cursor int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM sync_cursors WHERE device_id = ? AND folder_id = ?
	`, deviceID, folderID).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor, nil
}

// SaveCursor upserts the cursor for a device folder.
func (s *Store) SaveCursor(ctx context.Context, deviceID, folderID string, cursor int64) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_cursors (device_id, folder_id, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, folder_id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, deviceID, folderID, cursor, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// ResetCursor removes the cursor for a device folder, forcing the next
// sync to start from scratch.
func (s *Store) ResetCursor(ctx context.Context, deviceID, folderID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM sync_cursors WHERE device_id = ? AND folder_id = ?
	`, deviceID, folderID)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// LoadFolderState returns the persisted sweep window and recipient
// snapshot for a device folder. A folder never seen before yields the
// zero state.
func (s *Store) LoadFolderState(ctx context.Context, deviceID, folderID string) (bridge.FolderState, error) {
	var (
		st   bridge.FolderState
		blob string
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT sweep_start, sweep_end, recipient_ids
		FROM folder_state WHERE device_id = ? AND folder_id = ?
	`, deviceID, folderID).Scan(&st.Window.LastSweepStart, &st.Window.LastSweepEnd, &blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return bridge.FolderState{}, nil
		}
		return bridge.FolderState{}, fmt.Errorf("failed to load folder state: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &st.RecipientIDs); err != nil {
		return bridge.FolderState{}, fmt.Errorf("failed to decode recipient snapshot: %w", err)
	}
	return st, nil
}

// SaveFolderState upserts the sweep window and recipient snapshot.
func (s *Store) SaveFolderState(ctx context.Context, deviceID, folderID string, st bridge.FolderState) error {
	ids := st.RecipientIDs
	if ids == nil {
		ids = []string{}
	}
	blob, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode recipient snapshot: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO folder_state (device_id, folder_id, sweep_start, sweep_end, recipient_ids, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, folder_id) DO UPDATE SET
			sweep_start = excluded.sweep_start,
			sweep_end = excluded.sweep_end,
			recipient_ids = excluded.recipient_ids,
			updated_at = excluded.updated_at
	`, deviceID, folderID, st.Window.LastSweepStart, st.Window.LastSweepEnd, string(blob), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save folder state: %w", err)
	}
	return nil
}

// DeleteFolderState removes all persisted state for a device folder.
// Used when the backend signals that the folder's state is unusable.
func (s *Store) DeleteFolderState(ctx context.Context, deviceID, folderID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sync_cursors WHERE device_id = ? AND folder_id = ?
	`, deviceID, folderID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM folder_state WHERE device_id = ? AND folder_id = ?
	`, deviceID, folderID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to delete folder state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendChangeEventTx appends a change event to the outbox inside the
// caller's transaction, so state updates and event publication stay
// atomic. Duplicate msg ids are ignored.
func (s *Store) AppendChangeEventTx(ctx context.Context, tx *sql.Tx, subject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished events whose next attempt is due.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox event as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
