// Package inmem provides in-memory registry and mail store
// implementations. They back the server's demo mode and the engine
// tests; no remote calls are ever made.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/openpim/syncbridge/internal/registry"
)

func key(class registry.Class, backendID string) string {
	return class.String() + "/" + backendID
}

// Backend is a seedable in-memory registry. All exported fields may be
// populated before use; Fail injects an error for a named operation.
type Backend struct {
	mu sync.Mutex

	APIs        []registry.Class
	SeqSupport  map[registry.Class]bool
	Sequences   map[string]int64
	Cols        map[registry.Class][]registry.Collection
	IDs         map[string][]string
	Deltas      map[string]registry.ChangeList
	SoftDeletes map[string][]string
	Recipients  []string

	// LastChangesFrom and LastChangesTo record the cursor window of the
	// most recent GetChanges call.
	LastChangesFrom int64
	LastChangesTo   int64

	// Fail maps an operation name (method name) to an error returned by
	// that operation.
	Fail map[string]error
}

var _ registry.Registry = (*Backend)(nil)

func (b *Backend) fail(op string) error {
	if b.Fail == nil {
		return nil
	}
	return b.Fail[op]
}

func (b *Backend) ListAPIs(ctx context.Context) ([]registry.Class, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("ListAPIs"); err != nil {
		return nil, err
	}
	return append([]registry.Class(nil), b.APIs...), nil
}

func (b *Backend) Collections(ctx context.Context, class registry.Class) ([]registry.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("Collections"); err != nil {
		return nil, err
	}
	return append([]registry.Collection(nil), b.Cols[class]...), nil
}

func (b *Backend) ListIDs(ctx context.Context, class registry.Class, backendID string, from, to time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("ListIDs"); err != nil {
		return nil, err
	}
	return append([]string(nil), b.IDs[key(class, backendID)]...), nil
}

func (b *Backend) GetChanges(ctx context.Context, class registry.Class, backendID string, from, to int64) (registry.ChangeList, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.LastChangesFrom, b.LastChangesTo = from, to
	if err := b.fail("GetChanges"); err != nil {
		return registry.ChangeList{}, err
	}
	return b.Deltas[key(class, backendID)], nil
}

func (b *Backend) HighestSequence(ctx context.Context, class registry.Class, backendID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("HighestSequence"); err != nil {
		return 0, err
	}
	return b.Sequences[key(class, backendID)], nil
}

func (b *Backend) SupportsSequences(class registry.Class) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.SeqSupport[class]
}

func (b *Backend) SoftDeleted(ctx context.Context, class registry.Class, backendID string, from, to time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("SoftDeleted"); err != nil {
		return nil, err
	}
	return append([]string(nil), b.SoftDeletes[key(class, backendID)]...), nil
}

func (b *Backend) RecipientCache(ctx context.Context, max int) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fail("RecipientCache"); err != nil {
		return nil, err
	}
	ids := append([]string(nil), b.Recipients...)
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// MailBackend is a seedable in-memory mail store.
type MailBackend struct {
	mu sync.Mutex

	Boxes    []registry.Mailbox
	Specials map[registry.Special]string
	Activity map[string]bool
	Changes  map[string]registry.MessageChanges
	Verbs    []registry.VerbEntry

	// MessageIDs maps "<messageID>/<mailbox>" to a uid.
	MessageIDs map[string]string

	Fail map[string]error
}

var _ registry.MailStore = (*MailBackend)(nil)

func (m *MailBackend) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail[op]
}

func (m *MailBackend) Mailboxes(ctx context.Context) ([]registry.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Mailboxes"); err != nil {
		return nil, err
	}
	return append([]registry.Mailbox(nil), m.Boxes...), nil
}

func (m *MailBackend) SpecialMailboxes(ctx context.Context) (map[registry.Special]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SpecialMailboxes"); err != nil {
		return nil, err
	}
	out := make(map[registry.Special]string, len(m.Specials))
	for k, v := range m.Specials {
		out[k] = v
	}
	return out, nil
}

func (m *MailBackend) ProbeActivity(ctx context.Context, mailbox string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ProbeActivity"); err != nil {
		return false, err
	}
	return m.Activity[mailbox], nil
}

func (m *MailBackend) MessageChanges(ctx context.Context, mailbox string, q registry.ChangeQuery) (registry.MessageChanges, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MessageChanges"); err != nil {
		return registry.MessageChanges{}, err
	}
	mc := m.Changes[mailbox]
	if !q.SoftDelete {
		mc.SoftDeleted = nil
	}
	return mc, nil
}

func (m *MailBackend) VerbLogEntries(ctx context.Context, since time.Time) ([]registry.VerbEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("VerbLogEntries"); err != nil {
		return nil, err
	}
	var out []registry.VerbEntry
	for _, e := range m.Verbs {
		if e.When.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MailBackend) ResolveMessageID(ctx context.Context, messageID, mailbox string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ResolveMessageID"); err != nil {
		return "", err
	}
	uid, ok := m.MessageIDs[messageID+"/"+mailbox]
	if !ok {
		return "", registry.ErrNotFound
	}
	return uid, nil
}
