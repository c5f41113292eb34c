// Package registry models the backend collection API the bridge syncs
// against. Each groupware application (calendar, contacts, tasks, notes,
// mail) is reached through the same capability surface; the concrete
// adapter behind it is not this package's concern.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Class identifies a collection class. The set is closed: every switch
// over a Class must handle all six cases or reject the value.
type Class int

const (
	ClassCalendar Class = iota
	ClassContacts
	ClassTasks
	ClassNotes
	ClassEmail
	ClassRecipientCache
)

// String returns the wire token for the class.
func (c Class) String() string {
	switch c {
	case ClassCalendar:
		return "calendar"
	case ClassContacts:
		return "contacts"
	case ClassTasks:
		return "tasks"
	case ClassNotes:
		return "notes"
	case ClassEmail:
		return "email"
	case ClassRecipientCache:
		return "recipient-cache"
	}
	return "unknown"
}

// Error taxonomy for backend calls. AuthFailure aborts the whole sync
// turn; StaleState and FolderGone abort the affected mail folder and
// force the caller to rebuild its state; everything else is recoverable
// by the caller.
var (
	ErrAuthFailure = errors.New("registry: authentication failure")
	ErrStaleState  = errors.New("registry: mail state is stale")
	ErrFolderGone  = errors.New("registry: folder no longer exists")
	ErrNotFound    = errors.New("registry: not found")
)

// Collection describes one backend collection instance within a class,
// e.g. a single calendar.
type Collection struct {
	ID      string
	Name    string
	Owner   string
	Default bool
}

// ChangeList is the raw result of a changes-since query.
type ChangeList struct {
	Add    []string
	Modify []string
	Delete []string
}

// Registry is the generic backend API for the non-mail classes.
type Registry interface {
	// ListAPIs reports which collection classes the backend exposes.
	ListAPIs(ctx context.Context) ([]Class, error)

	// Collections lists the collection instances for a class.
	Collections(ctx context.Context, class Class) ([]Collection, error)

	// ListIDs returns every item id visible in the collection between
	// from and to.
	ListIDs(ctx context.Context, class Class, backendID string, from, to time.Time) ([]string, error)

	// GetChanges returns the ids added, modified and deleted between the
	// from and to cursors according to the backend's change history.
	// Cursors are Unix seconds for timestamp-tracked classes and raw
	// modification sequences where SupportsSequences reports true.
	GetChanges(ctx context.Context, class Class, backendID string, from, to int64) (ChangeList, error)

	// HighestSequence returns the backend's current modification
	// sequence for the collection. Only meaningful when
	// SupportsSequences reports true for the class.
	HighestSequence(ctx context.Context, class Class, backendID string) (int64, error)

	// SupportsSequences reports whether the class tracks changes with a
	// modification sequence instead of timestamps.
	SupportsSequences(class Class) bool

	// SoftDeleted returns ids that were visible between from and to but
	// are no longer reported by the change history.
	SoftDeleted(ctx context.Context, class Class, backendID string, from, to time.Time) ([]string, error)

	// RecipientCache returns the current weighted recipient cache,
	// limited to max entries.
	RecipientCache(ctx context.Context, max int) ([]string, error)
}

// Special mailbox roles reported by the mail store.
type Special string

const (
	SpecialSent   Special = "sent"
	SpecialSpam   Special = "spam"
	SpecialTrash  Special = "trash"
	SpecialDrafts Special = "drafts"
)

// Mailbox describes one mail folder as reported by the mail store.
type Mailbox struct {
	// Name is the full mailbox path, using Delim as the separator.
	Name  string
	Delim rune
	Label string
	Attrs []imap.MailboxAttr
}

// FlagState is the flag and category snapshot for one message.
type FlagState struct {
	Flags      []imap.Flag
	Categories []string
}

// MessageChanges is the result of a full mail change query.
type MessageChanges struct {
	Added       []string
	Removed     []string
	Changed     map[string]FlagState
	SoftDeleted []string
}

// ChangeQuery bounds a MessageChanges call.
type ChangeQuery struct {
	Since time.Time

	// SoftDelete requests a retrospective deletion sweep over
	// [SoftDeleteFrom, SoftDeleteTo] in addition to the normal changes.
	SoftDelete     bool
	SoftDeleteFrom time.Time
	SoftDeleteTo   time.Time
}

// Verb is a mail action recorded by the auxiliary action log.
type Verb string

const (
	VerbReply    Verb = "reply"
	VerbReplyAll Verb = "reply-all"
	VerbForward  Verb = "forward"
)

// VerbEntry is one row of the action log, keyed by RFC message id.
type VerbEntry struct {
	MessageID string
	Action    Verb
	When      time.Time
}

// MailStore is the mail-specific backend surface.
type MailStore interface {
	Mailboxes(ctx context.Context) ([]Mailbox, error)

	// SpecialMailboxes maps special roles to mailbox names.
	SpecialMailboxes(ctx context.Context) (map[Special]string, error)

	// ProbeActivity is a lightweight existence check: it reports whether
	// anything changed in the mailbox since the given time, without
	// enumerating what.
	ProbeActivity(ctx context.Context, mailbox string, since time.Time) (bool, error)

	// MessageChanges runs the full change query for a mailbox.
	MessageChanges(ctx context.Context, mailbox string, q ChangeQuery) (MessageChanges, error)

	// VerbLogEntries returns action-log rows recorded since the given
	// time.
	VerbLogEntries(ctx context.Context, since time.Time) ([]VerbEntry, error)

	// ResolveMessageID maps an RFC message id to the message uid within
	// the mailbox. Returns ErrNotFound when the message is not present.
	ResolveMessageID(ctx context.Context, messageID, mailbox string) (string, error)
}
