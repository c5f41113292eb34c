package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openpim/syncbridge/internal/bridge"
	"github.com/openpim/syncbridge/internal/registry"
	"github.com/openpim/syncbridge/internal/state"
)

// Publisher is the change-event sink. Satisfied by *events.Publisher.
type Publisher interface {
	EnsureStream(ctx context.Context) error
	Publish(subject string, payload []byte, msgID string) error
}

const (
	defaultInterval   = 30 * time.Second
	defaultCutoffDays = 180
	maxRecipients     = 100
)

// Runner drives periodic reconciliation for one (user, device) pair.
// Cursor and window state is read-modify-written per folder; each device
// owns its own cursor lineage, so last-writer-wins is fine.
type Runner struct {
	DataRoot   string
	Driver     *bridge.Driver
	Publisher  Publisher // nil disables event publication
	UserID     string
	DeviceID   string
	Interval   time.Duration
	CutoffDays int
	Logger     *slog.Logger
}

// Run opens the user's state database and reconciles all folders in a
// loop until the context is cancelled. Only an authentication failure
// aborts the run.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	dbPath := filepath.Join(r.DataRoot, r.UserID, "sync.db")
	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open state DB: %w", err)
	}
	defer store.Close()

	if r.Publisher != nil {
		if err := r.Publisher.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure event stream: %w", err)
		}
		// The dispatcher must stop touching the store before the
		// deferred Close runs.
		dispatchCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			r.dispatchLoop(dispatchCtx, store, logger)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	if err := r.syncOnce(ctx, store, logger); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping sync", "user", r.UserID, "device", r.DeviceID)
			return nil
		case <-ticker.C:
			if err := r.syncOnce(ctx, store, logger); err != nil {
				return err
			}
		}
	}
}

// syncOnce reconciles every folder once. A failing folder is logged and
// skipped so the rest of the batch still syncs.
func (r *Runner) syncOnce(ctx context.Context, store *state.Store, logger *slog.Logger) error {
	folders, err := r.Driver.FolderList(ctx)
	if err != nil {
		return fmt.Errorf("folder list failed: %w", err)
	}

	cutoffDays := r.CutoffDays
	if cutoffDays <= 0 {
		cutoffDays = defaultCutoffDays
	}
	cutoff := time.Now().AddDate(0, 0, -cutoffDays)

	for _, folder := range folders {
		if err := r.syncFolder(ctx, store, folder, cutoff, logger); err != nil {
			if errors.Is(err, registry.ErrAuthFailure) {
				return fmt.Errorf("sync aborted: %w", err)
			}
			logger.Error("folder sync failed", "folder", folder.ID, "error", err)
		}
	}
	return nil
}

func (r *Runner) syncFolder(ctx context.Context, store *state.Store, folder bridge.Folder, cutoff time.Time, logger *slog.Logger) error {
	from, err := store.LoadCursor(ctx, r.DeviceID, folder.ID)
	if err != nil {
		return err
	}

	to, ok := r.Driver.SyncStamp(ctx, folder.ID, from)
	if !ok {
		// Broken cursor lineage: drop the cursor and resync from zero.
		logger.Warn("cursor regression, forcing full resync", "folder", folder.ID)
		if err := store.ResetCursor(ctx, r.DeviceID, folder.ID); err != nil {
			return err
		}
		from = 0
		if to, ok = r.Driver.SyncStamp(ctx, folder.ID, 0); !ok {
			return fmt.Errorf("no usable sync stamp for folder %s", folder.ID)
		}
	}

	st, err := store.LoadFolderState(ctx, r.DeviceID, folder.ID)
	if err != nil {
		return err
	}

	changes, err := r.Driver.ServerChanges(ctx, folder, from, to, cutoff, false, false, maxRecipients, &st)
	if err != nil {
		if errors.Is(err, registry.ErrStaleState) || errors.Is(err, registry.ErrFolderGone) {
			// The folder's local state is unusable; discard it so the
			// next cycle starts clean.
			logger.Warn("invalidating folder state", "folder", folder.ID, "error", err)
			return store.DeleteFolderState(ctx, r.DeviceID, folder.ID)
		}
		return err
	}

	if err := store.SaveFolderState(ctx, r.DeviceID, folder.ID, st); err != nil {
		return err
	}
	if err := store.SaveCursor(ctx, r.DeviceID, folder.ID, to); err != nil {
		return err
	}

	if len(changes) == 0 {
		return nil
	}
	return r.recordChanges(ctx, store, folder, to, changes)
}

// recordChanges appends a change event to the outbox in its own
// transaction; the dispatcher publishes it later.
func (r *Runner) recordChanges(ctx context.Context, store *state.Store, folder bridge.Folder, cursor int64, changes []bridge.ChangeRecord) error {
	event := map[string]interface{}{
		"event_id":  uuid.NewString(),
		"ts":        time.Now().Unix(),
		"user_id":   r.UserID,
		"device_id": r.DeviceID,
		"folder_id": folder.ID,
		"cursor":    cursor,
		"changes":   changes,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	subject := fmt.Sprintf("sync.%s.changes", r.UserID)
	msgID := fmt.Sprintf("folder.changed|%s|%s|%d", r.DeviceID, folder.ID, cursor)

	tx, err := store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := store.AppendChangeEventTx(ctx, tx, subject, "folder.changed", payload, msgID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// dispatchLoop continuously drains the outbox to the publisher.
func (r *Runner) dispatchLoop(ctx context.Context, store *state.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := store.DequeueOutbox(ctx, 100)
		if err != nil {
			logger.Error("outbox dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				logger.Error("publish failed", "msg_id", msg.MsgID, "error", err)
				_ = store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := store.MarkPublished(ctx, msg.ID); err != nil {
				logger.Error("marking published failed", "outbox_id", msg.ID, "error", err)
			}
		}
	}
}
