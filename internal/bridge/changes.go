package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/openpim/syncbridge/internal/registry"
)

// oneYearAhead bounds the forward horizon of a first-sync calendar
// listing: 60 * 60 * 24 * 31 * 12 seconds.
const oneYearAhead = 32140800 * time.Second

// pingSentinelID is the placeholder id emitted when a ping probe
// detects activity. It is not a real item identifier and consumers must
// never treat it as one.
const pingSentinelID = "1"

// ChangeKind classifies a ChangeRecord.
type ChangeKind int

const (
	KindAdd ChangeKind = iota
	KindModify
	KindDelete
	KindSoftDelete
)

func (k ChangeKind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindModify:
		return "modify"
	case KindDelete:
		return "delete"
	case KindSoftDelete:
		return "soft-delete"
	}
	return "unknown"
}

// ChangeRecord is one normalized entry of a change set.
type ChangeRecord struct {
	ID   string     `json:"id"`
	Kind ChangeKind `json:"kind"`

	// NewItem marks additions so the device can present them as new.
	NewItem bool `json:"new_item,omitempty"`

	// Flags and Categories carry the per-message snapshot for email
	// modifications. For every other class a modification is a plain
	// changed marker.
	Flags      []imap.Flag `json:"flags,omitempty"`
	Categories []string    `json:"categories,omitempty"`
}

// FolderState is the per-folder state that survives across sync
// sessions. It is owned by the caller's state layer; the reconciler
// reads and updates it in place.
type FolderState struct {
	Window SoftDeleteWindow `json:"window"`

	// RecipientIDs is the previously materialized recipient cache,
	// used to diff the synthetic recipient-cache collection.
	RecipientIDs []string `json:"recipient_ids,omitempty"`
}

// ChangeRequest describes one reconciliation call.
type ChangeRequest struct {
	Ref    CollectionRef
	From   int64 // cursor the device last confirmed, 0 on first sync
	To     int64 // cursor the changes were requested up to
	Cutoff time.Time

	// Ping requests only an activity probe; the result may contain a
	// single sentinel record and nothing else.
	Ping bool

	// IgnoreFirstSync suppresses the full-listing fast path when the
	// caller knows From == 0 does not mean a first sync.
	IgnoreFirstSync bool

	// MaxItems bounds size-limited collections (recipient cache).
	MaxItems int
}

// Reconciler turns cursor ranges into normalized change sets, one
// collection at a time.
type Reconciler struct {
	reg    registry.Registry
	mail   registry.MailStore // nil when no mail backend is configured
	sweeps *SweepScheduler
	guard  *CaptureGuard
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler wires a reconciler. mail may be nil; now may be nil.
func NewReconciler(reg registry.Registry, mail registry.MailStore, sweeps *SweepScheduler, guard *CaptureGuard, logger *slog.Logger, now func() time.Time) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if sweeps == nil {
		sweeps = NewSweepScheduler(nil)
	}
	if guard == nil {
		guard = NewCaptureGuard(logger)
	}
	return &Reconciler{reg: reg, mail: mail, sweeps: sweeps, guard: guard, logger: logger, now: now}
}

// Changes computes the normalized change set for one collection. All
// backend calls run inside the output capture region.
//
// An authentication failure always propagates. A stale-state or
// folder-gone signal from the mail path propagates so the caller can
// invalidate its folder state. Any other backend failure degrades this
// collection's result to an empty set without error.
func (r *Reconciler) Changes(ctx context.Context, req ChangeRequest, st *FolderState) ([]ChangeRecord, error) {
	var (
		records []ChangeRecord
		rerr    error
	)
	gerr := r.guard.Run("server-changes", func() error {
		records, rerr = r.changes(ctx, req, st)
		return nil
	})
	if gerr != nil {
		return nil, gerr
	}
	return records, rerr
}

func (r *Reconciler) changes(ctx context.Context, req ChangeRequest, st *FolderState) ([]ChangeRecord, error) {
	switch req.Ref.Class {
	case registry.ClassCalendar, registry.ClassContacts, registry.ClassTasks, registry.ClassNotes:
		return r.groupwareChanges(ctx, req, st)
	case registry.ClassRecipientCache:
		return r.recipientCacheChanges(ctx, req, st)
	case registry.ClassEmail:
		return r.emailChanges(ctx, req, st)
	}
	return nil, &ErrUnknownFolder{ID: BuildFolderID(req.Ref.Class, req.Ref.BackendID, req.Ref.Multiplexed)}
}

// groupwareChanges handles the four history-backed classes.
func (r *Reconciler) groupwareChanges(ctx context.Context, req ChangeRequest, st *FolderState) ([]ChangeRecord, error) {
	now := r.now()
	var adds, mods, dels, soft []string

	if req.From == 0 && !req.IgnoreFirstSync {
		// True first sync: the change history is unusable, fall back to
		// a bounded full listing and arm a fresh sweep window.
		ids, err := r.reg.ListIDs(ctx, req.Ref.Class, req.Ref.BackendID, req.Cutoff, now.Add(oneYearAhead))
		if err != nil {
			return r.recover(req.Ref, err)
		}
		adds = ids
		st.Window = r.sweeps.Record(st.Window, req.Cutoff, now)
	} else {
		cl, err := r.reg.GetChanges(ctx, req.Ref.Class, req.Ref.BackendID, req.From, req.To)
		if err != nil {
			return r.recover(req.Ref, err)
		}
		adds, mods, dels = cl.Add, cl.Modify, cl.Delete

		if !req.Ping && r.sweeps.Due(st.Window, now) {
			from := time.Unix(st.Window.LastSweepStart, 0)
			if st.Window.LastSweepStart == 0 {
				from = req.Cutoff
			}
			ids, err := r.reg.SoftDeleted(ctx, req.Ref.Class, req.Ref.BackendID, from, req.Cutoff)
			if err != nil {
				return r.recover(req.Ref, err)
			}
			soft = ids
			st.Window = r.sweeps.Record(st.Window, req.Cutoff, now)
		}
	}

	return normalize(adds, plainModifies(mods), dels, soft), nil
}

// recipientCacheChanges diffs the current weighted recipient cache
// against the previously materialized snapshot. The synthetic
// collection only ever adds and deletes.
func (r *Reconciler) recipientCacheChanges(ctx context.Context, req ChangeRequest, st *FolderState) ([]ChangeRecord, error) {
	ids, err := r.reg.RecipientCache(ctx, req.MaxItems)
	if err != nil {
		return r.recover(req.Ref, err)
	}

	current := make(map[string]bool, len(ids))
	for _, id := range ids {
		current[id] = true
	}
	previous := make(map[string]bool, len(st.RecipientIDs))
	for _, id := range st.RecipientIDs {
		previous[id] = true
	}

	var adds, dels []string
	for _, id := range ids {
		if !previous[id] {
			adds = append(adds, id)
		}
	}
	for _, id := range st.RecipientIDs {
		if !current[id] {
			dels = append(dels, id)
		}
	}
	st.RecipientIDs = ids

	return normalize(adds, nil, dels, nil), nil
}

// emailChanges handles the mail class: a cheap activity probe for
// pings, a full message-change query plus verb-state overlay otherwise.
func (r *Reconciler) emailChanges(ctx context.Context, req ChangeRequest, st *FolderState) ([]ChangeRecord, error) {
	if r.mail == nil {
		return nil, nil
	}

	if req.Ping {
		active, err := r.mail.ProbeActivity(ctx, req.Ref.BackendID, req.Cutoff)
		if err != nil {
			return r.recover(req.Ref, err)
		}
		if active {
			return []ChangeRecord{{ID: pingSentinelID, Kind: KindAdd, NewItem: true}}, nil
		}
		return nil, nil
	}

	now := r.now()
	q := registry.ChangeQuery{Since: req.Cutoff}
	due := r.sweeps.Due(st.Window, now)
	if due {
		q.SoftDelete = true
		q.SoftDeleteFrom = time.Unix(st.Window.LastSweepStart, 0)
		if st.Window.LastSweepStart == 0 {
			q.SoftDeleteFrom = req.Cutoff
		}
		q.SoftDeleteTo = req.Cutoff
	}

	mc, err := r.mail.MessageChanges(ctx, req.Ref.BackendID, q)
	if err != nil {
		return r.recover(req.Ref, err)
	}
	if due {
		st.Window = r.sweeps.Record(st.Window, req.Cutoff, now)
	}
	if mc.Changed == nil {
		mc.Changed = make(map[string]registry.FlagState)
	}

	r.overlayVerbChanges(ctx, req, mc.Changed)

	uids := make([]string, 0, len(mc.Changed))
	for uid := range mc.Changed {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	mods := make([]ChangeRecord, 0, len(uids))
	for _, uid := range uids {
		fs := mc.Changed[uid]
		mods = append(mods, ChangeRecord{
			ID:         uid,
			Kind:       KindModify,
			Flags:      fs.Flags,
			Categories: fs.Categories,
		})
	}

	return normalize(mc.Added, mods, mc.Removed, mc.SoftDeleted), nil
}

// overlayVerbChanges folds reply/reply-all/forward annotations from the
// auxiliary action log into the changed set. Entries whose message id
// cannot be mapped into the mailbox are skipped, not errored. The
// message-id lookup cache lives for this request only.
func (r *Reconciler) overlayVerbChanges(ctx context.Context, req ChangeRequest, changed map[string]registry.FlagState) {
	entries, err := r.mail.VerbLogEntries(ctx, time.Unix(req.From, 0))
	if err != nil {
		r.logger.Error("verb log query failed", "mailbox", req.Ref.BackendID, "error", err)
		return
	}

	resolved := make(map[string]string, len(entries))
	for _, e := range entries {
		uid, ok := resolved[e.MessageID]
		if !ok {
			var err error
			uid, err = r.mail.ResolveMessageID(ctx, e.MessageID, req.Ref.BackendID)
			if errors.Is(err, registry.ErrNotFound) {
				resolved[e.MessageID] = ""
				continue
			}
			if err != nil {
				r.logger.Warn("message id lookup failed", "message_id", e.MessageID, "error", err)
				resolved[e.MessageID] = ""
				continue
			}
			resolved[e.MessageID] = uid
		}
		if uid == "" {
			continue
		}
		if _, exists := changed[uid]; !exists {
			changed[uid] = registry.FlagState{}
		}
	}
}

// recover applies the failure taxonomy: authentication failures always
// propagate, mail folder invalidation signals propagate, everything
// else is logged and degrades the collection to an empty change set.
func (r *Reconciler) recover(ref CollectionRef, err error) ([]ChangeRecord, error) {
	if errors.Is(err, registry.ErrAuthFailure) {
		return nil, err
	}
	if ref.Class == registry.ClassEmail &&
		(errors.Is(err, registry.ErrStaleState) || errors.Is(err, registry.ErrFolderGone)) {
		return nil, err
	}
	r.logger.Error("backend change query failed",
		"class", ref.Class.String(), "backend_id", ref.BackendID, "error", err)
	return []ChangeRecord{}, nil
}

func plainModifies(ids []string) []ChangeRecord {
	if len(ids) == 0 {
		return nil
	}
	out := make([]ChangeRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, ChangeRecord{ID: id, Kind: KindModify})
	}
	return out
}

// normalize builds the ordered change set: additions, modifications,
// deletions, soft-deletions. Duplicate ids within a kind are dropped,
// and an id that is hard-deleted is never also soft-deleted.
func normalize(adds []string, mods []ChangeRecord, dels, soft []string) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(adds)+len(mods)+len(dels)+len(soft))

	seen := make(map[string]bool, len(adds))
	for _, id := range adds {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, ChangeRecord{ID: id, Kind: KindAdd, NewItem: true})
	}

	seen = make(map[string]bool, len(mods))
	for _, rec := range mods {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		rec.Kind = KindModify
		out = append(out, rec)
	}

	deleted := make(map[string]bool, len(dels))
	for _, id := range dels {
		if deleted[id] {
			continue
		}
		deleted[id] = true
		out = append(out, ChangeRecord{ID: id, Kind: KindDelete})
	}

	seen = make(map[string]bool, len(soft))
	for _, id := range soft {
		if seen[id] || deleted[id] {
			continue
		}
		seen[id] = true
		out = append(out, ChangeRecord{ID: id, Kind: KindSoftDelete})
	}

	return out
}
