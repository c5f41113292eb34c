// Package bridge implements the folder-identity and change-reconciliation
// engine that sits between the device-facing sync protocol and the
// backend collection registry.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/openpim/syncbridge/internal/registry"
)

// Reserved folder ids for the multiplexed (one folder per class)
// collections. The @ modifiers avoid collisions with mail folders that
// happen to be named Calendar, Contacts etc.
const (
	CalendarFolderUID = "@Calendar@"
	ContactsFolderUID = "@Contacts@"
	TasksFolderUID    = "@Tasks@"
	NotesFolderUID    = "@Notes@"

	// RecipientCacheUID is the synthetic recipient information cache
	// folder.
	RecipientCacheUID = "RI"
)

// FolderType is the device-visible folder type code.
type FolderType int

const (
	FolderTypeUserGeneric    FolderType = 1
	FolderTypeInbox          FolderType = 2
	FolderTypeDrafts         FolderType = 3
	FolderTypeTrash          FolderType = 4
	FolderTypeSent           FolderType = 5
	FolderTypeTask           FolderType = 7
	FolderTypeAppointment    FolderType = 8
	FolderTypeContact        FolderType = 9
	FolderTypeNote           FolderType = 10
	FolderTypeUserMail       FolderType = 12
	FolderTypeUserCalendar   FolderType = 13
	FolderTypeUserContact    FolderType = 14
	FolderTypeUserTask       FolderType = 15
	FolderTypeUserNote       FolderType = 17
	FolderTypeRecipientCache FolderType = 19
)

// Folder is the device-visible folder descriptor.
type Folder struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id"`
	DisplayName string     `json:"display_name"`
	Type        FolderType `json:"type"`

	// BackendServerID is the backend mailbox or collection name this
	// folder maps to. Empty for multiplexed folders.
	BackendServerID string `json:"backend_server_id,omitempty"`
}

// CollectionRef is the resolved identity the reconciler works with.
// Multiplexed implies an empty BackendID.
type CollectionRef struct {
	Class       registry.Class
	BackendID   string
	Multiplexed bool
}

// ErrUnknownFolder is returned when a folder id cannot be matched to any
// known folder.
type ErrUnknownFolder struct {
	ID string
}

func (e *ErrUnknownFolder) Error() string {
	return fmt.Sprintf("unknown folder %q", e.ID)
}

// classToken returns the reserved id prefix for a non-email class.
func classToken(class registry.Class) (string, bool) {
	switch class {
	case registry.ClassCalendar:
		return CalendarFolderUID, true
	case registry.ClassContacts:
		return ContactsFolderUID, true
	case registry.ClassTasks:
		return TasksFolderUID, true
	case registry.ClassNotes:
		return NotesFolderUID, true
	}
	return "", false
}

func classForToken(token string) (registry.Class, bool) {
	switch token {
	case CalendarFolderUID:
		return registry.ClassCalendar, true
	case ContactsFolderUID:
		return registry.ClassContacts, true
	case TasksFolderUID:
		return registry.ClassTasks, true
	case NotesFolderUID:
		return registry.ClassNotes, true
	}
	return 0, false
}

// BuildFolderID is the left inverse of Resolver.Resolve for non-email
// classes: a multiplexed id is the bare class token, a per-instance id
// is "<token>:<backendID>". Email folder ids are the backend mailbox
// name itself.
func BuildFolderID(class registry.Class, backendID string, multiplexed bool) string {
	if class == registry.ClassEmail {
		return backendID
	}
	if class == registry.ClassRecipientCache {
		return RecipientCacheUID
	}
	token, ok := classToken(class)
	if !ok {
		return backendID
	}
	if multiplexed {
		return token
	}
	return token + ":" + backendID
}

// Resolver parses and builds folder identifiers and materializes Folder
// descriptors from the backend mailbox tree. A Resolver is scoped to one
// session; the folder cache is invalidated whenever the folder list is
// rebuilt.
type Resolver struct {
	mail   registry.MailStore // nil when no mail backend is configured
	logger *slog.Logger

	mu          sync.Mutex
	mailFolders []Folder
}

// NewResolver creates a resolver. mail may be nil, in which case three
// synthetic mail folders are served and never touched remotely.
func NewResolver(mail registry.MailStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{mail: mail, logger: logger}
}

// Invalidate drops the cached mail folder list. Called when the folder
// list is rebuilt.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.mailFolders = nil
	r.mu.Unlock()
}

// Resolve parses a device folder id into a CollectionRef.
//
// Non-email composite ids and mail folder names share one namespace.
// When checkEmail is set and the literal id matches a known mailbox, the
// mailbox wins; this mirrors the priority the device expects when a user
// names a mailbox like "@Calendar@:work".
func (r *Resolver) Resolve(ctx context.Context, folderID string, checkEmail bool) (CollectionRef, error) {
	switch folderID {
	case CalendarFolderUID:
		return CollectionRef{Class: registry.ClassCalendar, Multiplexed: true}, nil
	case ContactsFolderUID:
		return CollectionRef{Class: registry.ClassContacts, Multiplexed: true}, nil
	case TasksFolderUID:
		return CollectionRef{Class: registry.ClassTasks, Multiplexed: true}, nil
	case NotesFolderUID:
		return CollectionRef{Class: registry.ClassNotes, Multiplexed: true}, nil
	case RecipientCacheUID:
		return CollectionRef{Class: registry.ClassRecipientCache, Multiplexed: true}, nil
	}

	if strings.Count(folderID, ":") == 1 {
		parts := strings.SplitN(folderID, ":", 2)
		if class, ok := classForToken(parts[0]); ok {
			if checkEmail && r.isMailbox(ctx, folderID) {
				return CollectionRef{Class: registry.ClassEmail, BackendID: folderID}, nil
			}
			return CollectionRef{Class: class, BackendID: parts[1]}, nil
		}
	}

	return CollectionRef{Class: registry.ClassEmail, BackendID: folderID}, nil
}

// isMailbox reports whether id names a known mail folder.
func (r *Resolver) isMailbox(ctx context.Context, id string) bool {
	folders, err := r.MailFolders(ctx)
	if err != nil {
		r.logger.Error("mail folder lookup failed", "folder", id, "error", err)
		return false
	}
	for _, f := range folders {
		if f.BackendServerID == id {
			return true
		}
	}
	return false
}

// BuildFolderDescriptor assembles a Folder for a non-mail collection.
func (r *Resolver) BuildFolderDescriptor(id, parent string, typ FolderType, displayName string) Folder {
	return Folder{
		ID:          id,
		ParentID:    parent,
		DisplayName: displayName,
		Type:        typ,
	}
}

// MailFolders returns the mail folder tree as device folders. The
// backend mailbox list is walked breadth-first by nesting level so a
// child's parent descriptor always exists before the child is built.
// INBOX, Sent, Trash and Drafts are classified by comparing the
// backend-reported special mailbox names; everything else becomes a
// user mail folder.
func (r *Resolver) MailFolders(ctx context.Context) ([]Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mailFolders != nil {
		return r.mailFolders, nil
	}

	if r.mail == nil {
		// No mail backend: serve a minimal synthetic tree so devices
		// that insist on mail folders have something to bind to.
		r.mailFolders = []Folder{
			{ID: "INBOX", ParentID: "0", DisplayName: "Inbox", Type: FolderTypeInbox, BackendServerID: "INBOX"},
			{ID: "Trash", ParentID: "0", DisplayName: "Trash", Type: FolderTypeTrash, BackendServerID: "Trash"},
			{ID: "Sent", ParentID: "0", DisplayName: "Sent", Type: FolderTypeSent, BackendServerID: "Sent"},
		}
		return r.mailFolders, nil
	}

	boxes, err := r.mail.Mailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	special, err := r.mail.SpecialMailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list special mailboxes: %w", err)
	}

	// Level 0 first, so parents are materialized before children.
	sort.SliceStable(boxes, func(i, j int) bool {
		return mailboxLevel(boxes[i]) < mailboxLevel(boxes[j])
	})

	known := make(map[string]bool, len(boxes))
	folders := make([]Folder, 0, len(boxes))
	for _, mb := range boxes {
		f := r.mailFolder(mb, special)
		if parent := mailboxParent(mb); parent != "" && known[parent] {
			f.ParentID = parent
		}
		folders = append(folders, f)
		known[mb.Name] = true
	}

	r.mailFolders = folders
	return folders, nil
}

func mailboxLevel(mb registry.Mailbox) int {
	if mb.Delim == 0 {
		return 0
	}
	return strings.Count(mb.Name, string(mb.Delim))
}

func mailboxParent(mb registry.Mailbox) string {
	if mb.Delim == 0 {
		return ""
	}
	i := strings.LastIndex(mb.Name, string(mb.Delim))
	if i < 0 {
		return ""
	}
	return mb.Name[:i]
}

func mailboxBasename(mb registry.Mailbox) string {
	if parent := mailboxParent(mb); parent != "" {
		return mb.Name[len(parent)+1:]
	}
	return mb.Name
}

// mailFolder builds the descriptor for one mailbox, detecting special
// folders.
func (r *Resolver) mailFolder(mb registry.Mailbox, special map[registry.Special]string) Folder {
	label := mb.Label
	if label == "" {
		label = mailboxBasename(mb)
	}
	f := Folder{
		ID:              mb.Name,
		ParentID:        "0",
		DisplayName:     label,
		Type:            FolderTypeUserMail,
		BackendServerID: mb.Name,
	}

	// INBOX short circuit.
	if strings.EqualFold(mb.Name, "INBOX") {
		f.Type = FolderTypeInbox
		return f
	}

	switch mb.Name {
	case special[registry.SpecialSent]:
		f.Type = FolderTypeSent
	case special[registry.SpecialTrash]:
		f.Type = FolderTypeTrash
	case special[registry.SpecialDrafts]:
		f.Type = FolderTypeDrafts
	}
	return f
}
