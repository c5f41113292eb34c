package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpim/syncbridge/internal/registry"
	"github.com/openpim/syncbridge/internal/registry/inmem"
)

func TestBuildFolderIDRoundTrip(t *testing.T) {
	r := NewResolver(nil, nil)

	tests := []struct {
		name string
		ref  CollectionRef
	}{
		{"multiplexed calendar", CollectionRef{Class: registry.ClassCalendar, Multiplexed: true}},
		{"multiplexed contacts", CollectionRef{Class: registry.ClassContacts, Multiplexed: true}},
		{"multiplexed tasks", CollectionRef{Class: registry.ClassTasks, Multiplexed: true}},
		{"multiplexed notes", CollectionRef{Class: registry.ClassNotes, Multiplexed: true}},
		{"per-instance calendar", CollectionRef{Class: registry.ClassCalendar, BackendID: "work"}},
		{"per-instance notes", CollectionRef{Class: registry.ClassNotes, BackendID: "scratch"}},
		{"email", CollectionRef{Class: registry.ClassEmail, BackendID: "Archive/2025"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := BuildFolderID(tt.ref.Class, tt.ref.BackendID, tt.ref.Multiplexed)
			got, err := r.Resolve(context.Background(), id, false)
			require.NoError(t, err)
			assert.Equal(t, tt.ref, got)
		})
	}
}

func TestResolveMultiplexedTokens(t *testing.T) {
	r := NewResolver(nil, nil)

	tests := []struct {
		id    string
		class registry.Class
	}{
		{CalendarFolderUID, registry.ClassCalendar},
		{ContactsFolderUID, registry.ClassContacts},
		{TasksFolderUID, registry.ClassTasks},
		{NotesFolderUID, registry.ClassNotes},
		{RecipientCacheUID, registry.ClassRecipientCache},
	}
	for _, tt := range tests {
		ref, err := r.Resolve(context.Background(), tt.id, false)
		require.NoError(t, err)
		assert.Equal(t, tt.class, ref.Class)
		assert.True(t, ref.Multiplexed)
		assert.Empty(t, ref.BackendID)
	}
}

func TestResolveFallsBackToEmail(t *testing.T) {
	r := NewResolver(nil, nil)

	for _, id := range []string{"INBOX", "Archive/2025", "Projects:2025:Q1", "Calendar"} {
		ref, err := r.Resolve(context.Background(), id, false)
		require.NoError(t, err)
		assert.Equal(t, registry.ClassEmail, ref.Class, "id %q", id)
		assert.Equal(t, id, ref.BackendID)
	}
}

func TestResolveMailboxCollisionFavorsEmail(t *testing.T) {
	mail := &inmem.MailBackend{
		Boxes: []registry.Mailbox{
			{Name: "INBOX", Delim: '/'},
			{Name: "@Calendar@:work", Delim: '/'},
		},
	}
	r := NewResolver(mail, nil)

	// With the email check enabled the real mailbox wins.
	ref, err := r.Resolve(context.Background(), "@Calendar@:work", true)
	require.NoError(t, err)
	assert.Equal(t, registry.ClassEmail, ref.Class)
	assert.Equal(t, "@Calendar@:work", ref.BackendID)

	// Without it the composite id parses as a calendar instance.
	ref, err = r.Resolve(context.Background(), "@Calendar@:work", false)
	require.NoError(t, err)
	assert.Equal(t, registry.ClassCalendar, ref.Class)
	assert.Equal(t, "work", ref.BackendID)
}

func TestResolveCompositeWithoutCollision(t *testing.T) {
	mail := &inmem.MailBackend{
		Boxes: []registry.Mailbox{{Name: "INBOX", Delim: '/'}},
	}
	r := NewResolver(mail, nil)

	ref, err := r.Resolve(context.Background(), "@Tasks@:home", true)
	require.NoError(t, err)
	assert.Equal(t, registry.ClassTasks, ref.Class)
	assert.Equal(t, "home", ref.BackendID)
	assert.False(t, ref.Multiplexed)
}

func TestMailFoldersTree(t *testing.T) {
	mail := &inmem.MailBackend{
		Boxes: []registry.Mailbox{
			{Name: "Archive/2025/Q1", Delim: '/'},
			{Name: "inbox", Delim: '/'},
			{Name: "Sent Items", Delim: '/', Label: "Sent"},
			{Name: "Deleted Items", Delim: '/'},
			{Name: "Archive", Delim: '/'},
			{Name: "Archive/2025", Delim: '/'},
		},
		Specials: map[registry.Special]string{
			registry.SpecialSent:  "Sent Items",
			registry.SpecialTrash: "Deleted Items",
		},
	}
	r := NewResolver(mail, nil)

	folders, err := r.MailFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 6)

	byID := make(map[string]Folder, len(folders))
	for _, f := range folders {
		byID[f.ID] = f
	}

	// INBOX is matched case-insensitively.
	assert.Equal(t, FolderTypeInbox, byID["inbox"].Type)
	assert.Equal(t, FolderTypeSent, byID["Sent Items"].Type)
	assert.Equal(t, "Sent", byID["Sent Items"].DisplayName)
	assert.Equal(t, FolderTypeTrash, byID["Deleted Items"].Type)
	assert.Equal(t, FolderTypeUserMail, byID["Archive"].Type)

	// Children link to their parent once the parent exists.
	assert.Equal(t, "0", byID["Archive"].ParentID)
	assert.Equal(t, "Archive", byID["Archive/2025"].ParentID)
	assert.Equal(t, "Archive/2025", byID["Archive/2025/Q1"].ParentID)
	assert.Equal(t, "Q1", byID["Archive/2025/Q1"].DisplayName)
	assert.Equal(t, "Archive/2025/Q1", byID["Archive/2025/Q1"].BackendServerID)
}

func TestMailFoldersSyntheticWithoutBackend(t *testing.T) {
	r := NewResolver(nil, nil)

	folders, err := r.MailFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 3)
	assert.Equal(t, FolderTypeInbox, folders[0].Type)
	assert.Equal(t, FolderTypeTrash, folders[1].Type)
	assert.Equal(t, FolderTypeSent, folders[2].Type)
}

func TestMailFoldersCachedUntilInvalidate(t *testing.T) {
	mail := &inmem.MailBackend{
		Boxes: []registry.Mailbox{{Name: "INBOX", Delim: '/'}},
	}
	r := NewResolver(mail, nil)

	first, err := r.MailFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	mail.Boxes = append(mail.Boxes, registry.Mailbox{Name: "Archive", Delim: '/'})

	cached, err := r.MailFolders(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 1)

	r.Invalidate()
	fresh, err := r.MailFolders(context.Background())
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}
