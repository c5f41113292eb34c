package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpim/syncbridge/internal/registry"
)

// Config wires a Driver.
type Config struct {
	Registry registry.Registry
	Mail     registry.MailStore // nil disables the mail path

	// Multiplex lists the classes served as a single legacy folder per
	// class. Classes absent from the map get one folder per backend
	// collection instance. Nil means multiplex everything.
	Multiplex map[registry.Class]bool

	// RecipientCache enables the synthetic recipient information cache
	// folder. Requires contacts support on the backend.
	RecipientCache bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Driver is the upward surface consumed by the protocol layer: folder
// listing, per-folder change sets and sync stamps.
type Driver struct {
	reg        registry.Registry
	mail       registry.MailStore
	resolver   *Resolver
	cursors    *CursorProvider
	reconciler *Reconciler
	guard      *CaptureGuard
	multiplex  map[registry.Class]bool
	riFolder   bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewDriver builds a driver from cfg.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Registry == nil {
		return nil, errors.New("bridge: missing registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	multiplex := cfg.Multiplex
	if multiplex == nil {
		multiplex = map[registry.Class]bool{
			registry.ClassCalendar: true,
			registry.ClassContacts: true,
			registry.ClassTasks:    true,
			registry.ClassNotes:    true,
		}
	}

	guard := NewCaptureGuard(logger)
	sweeps := NewSweepScheduler(nil)
	return &Driver{
		reg:        cfg.Registry,
		mail:       cfg.Mail,
		resolver:   NewResolver(cfg.Mail, logger),
		cursors:    NewCursorProvider(cfg.Registry, logger, now),
		reconciler: NewReconciler(cfg.Registry, cfg.Mail, sweeps, guard, logger, now),
		guard:      guard,
		multiplex:  multiplex,
		riFolder:   cfg.RecipientCache,
		logger:     logger,
		now:        now,
	}, nil
}

// Guard returns the output isolation guard. Backend adapters should use
// it as their diagnostic sink.
func (d *Driver) Guard() *CaptureGuard { return d.guard }

// Resolver exposes the folder identity resolver.
func (d *Driver) Resolver() *Resolver { return d.resolver }

var displayNames = map[registry.Class]string{
	registry.ClassCalendar: "Calendar",
	registry.ClassContacts: "Contacts",
	registry.ClassTasks:    "Tasks",
	registry.ClassNotes:    "Notes",
}

func defaultFolderType(class registry.Class) FolderType {
	switch class {
	case registry.ClassCalendar:
		return FolderTypeAppointment
	case registry.ClassContacts:
		return FolderTypeContact
	case registry.ClassTasks:
		return FolderTypeTask
	case registry.ClassNotes:
		return FolderTypeNote
	}
	return FolderTypeUserGeneric
}

func userFolderType(class registry.Class) FolderType {
	switch class {
	case registry.ClassCalendar:
		return FolderTypeUserCalendar
	case registry.ClassContacts:
		return FolderTypeUserContact
	case registry.ClassTasks:
		return FolderTypeUserTask
	case registry.ClassNotes:
		return FolderTypeUserNote
	}
	return FolderTypeUserGeneric
}

// FolderList rebuilds and returns the full device folder list. A failed
// collection listing for one class skips that class; only an
// authentication failure aborts the whole call.
func (d *Driver) FolderList(ctx context.Context) ([]Folder, error) {
	var (
		folders []Folder
		rerr    error
	)
	gerr := d.guard.Run("folder-list", func() error {
		folders, rerr = d.folderList(ctx)
		return nil
	})
	if gerr != nil {
		return nil, gerr
	}
	return folders, rerr
}

func (d *Driver) folderList(ctx context.Context) ([]Folder, error) {
	d.resolver.Invalidate()

	apis, err := d.reg.ListAPIs(ctx)
	if err != nil {
		if errors.Is(err, registry.ErrAuthFailure) {
			return nil, err
		}
		d.logger.Error("listing backend APIs failed", "error", err)
		return []Folder{}, nil
	}
	supported := make(map[registry.Class]bool, len(apis))
	for _, c := range apis {
		supported[c] = true
	}

	var folders []Folder
	for _, class := range []registry.Class{
		registry.ClassCalendar,
		registry.ClassContacts,
		registry.ClassTasks,
		registry.ClassNotes,
	} {
		if !supported[class] {
			continue
		}
		if d.multiplex[class] {
			folders = append(folders, d.resolver.BuildFolderDescriptor(
				BuildFolderID(class, "", true), "0", defaultFolderType(class), displayNames[class]))
			continue
		}
		cols, err := d.reg.Collections(ctx, class)
		if err != nil {
			if errors.Is(err, registry.ErrAuthFailure) {
				return nil, err
			}
			d.logger.Error("listing collections failed", "class", class.String(), "error", err)
			continue
		}
		for _, col := range cols {
			typ := userFolderType(class)
			if col.Default {
				typ = defaultFolderType(class)
			}
			f := d.resolver.BuildFolderDescriptor(
				BuildFolderID(class, col.ID, false), "0", typ, col.Name)
			f.BackendServerID = col.ID
			folders = append(folders, f)
		}
	}

	if d.riFolder && supported[registry.ClassContacts] {
		folders = append(folders, d.resolver.BuildFolderDescriptor(
			RecipientCacheUID, "0", FolderTypeRecipientCache, "Recipient Cache"))
	}

	if supported[registry.ClassEmail] || d.mail == nil {
		mail, err := d.resolver.MailFolders(ctx)
		if err != nil {
			if errors.Is(err, registry.ErrAuthFailure) {
				return nil, err
			}
			d.logger.Error("listing mail folders failed", "error", err)
		} else {
			folders = append(folders, mail...)
		}
	}

	return folders, nil
}

// FolderByID returns the descriptor for a folder id, or ErrUnknownFolder.
func (d *Driver) FolderByID(ctx context.Context, id string) (Folder, error) {
	folders, err := d.FolderList(ctx)
	if err != nil {
		return Folder{}, err
	}
	for _, f := range folders {
		if f.ID == id {
			return f, nil
		}
	}
	return Folder{}, &ErrUnknownFolder{ID: id}
}

// ServerChanges returns the normalized change set for one folder
// between the from and to cursors. st carries the folder's persisted
// sweep window and recipient snapshot and is updated in place.
func (d *Driver) ServerChanges(ctx context.Context, folder Folder, from, to int64, cutoff time.Time, ping, ignoreFirstSync bool, maxItems int, st *FolderState) ([]ChangeRecord, error) {
	ref, err := d.resolver.Resolve(ctx, folder.ID, true)
	if err != nil {
		return nil, fmt.Errorf("resolve folder %q: %w", folder.ID, err)
	}
	if ref.Class == registry.ClassEmail && ref.BackendID == "" {
		ref.BackendID = folder.BackendServerID
	}
	return d.reconciler.Changes(ctx, ChangeRequest{
		Ref:             ref,
		From:            from,
		To:              to,
		Cutoff:          cutoff,
		Ping:            ping,
		IgnoreFirstSync: ignoreFirstSync,
		MaxItems:        maxItems,
	}, st)
}

// SyncStamp returns the cursor for a folder id. An empty folder id
// requests the folder-hierarchy cursor, which is always timestamp
// based. ok is false when the cursor lineage is broken and the caller
// must force a full resync.
func (d *Driver) SyncStamp(ctx context.Context, folderID string, lastKnown int64) (int64, bool) {
	if folderID == "" {
		return d.cursors.Cursor(ctx, nil, lastKnown)
	}
	ref, err := d.resolver.Resolve(ctx, folderID, true)
	if err != nil {
		d.logger.Error("resolving folder for sync stamp failed", "folder", folderID, "error", err)
		return 0, false
	}
	return d.cursors.Cursor(ctx, &ref, lastKnown)
}
