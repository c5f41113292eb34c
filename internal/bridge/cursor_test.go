package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openpim/syncbridge/internal/registry"
	"github.com/openpim/syncbridge/internal/registry/inmem"
)

func fixedNow(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestCursorFolderHierarchyIsTimestamp(t *testing.T) {
	p := NewCursorProvider(&inmem.Backend{}, nil, fixedNow(1_700_000_000))

	cursor, ok := p.Cursor(context.Background(), nil, 0)
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000), cursor)
}

func TestCursorEmailIsTimestamp(t *testing.T) {
	p := NewCursorProvider(&inmem.Backend{}, nil, fixedNow(1_700_000_000))

	for _, ref := range []CollectionRef{
		{Class: registry.ClassEmail, BackendID: "INBOX"},
		{Class: registry.ClassRecipientCache, Multiplexed: true},
	} {
		cursor, ok := p.Cursor(context.Background(), &ref, 123)
		assert.True(t, ok)
		assert.Equal(t, int64(1_700_000_000), cursor)
	}
}

func TestCursorSequenceBacked(t *testing.T) {
	backend := &inmem.Backend{
		SeqSupport: map[registry.Class]bool{registry.ClassCalendar: true},
		Sequences:  map[string]int64{"calendar/": 42},
	}
	p := NewCursorProvider(backend, nil, fixedNow(1_700_000_000))

	ref := CollectionRef{Class: registry.ClassCalendar, Multiplexed: true}
	cursor, ok := p.Cursor(context.Background(), &ref, 41)
	assert.True(t, ok)
	assert.Equal(t, int64(42), cursor)
}

func TestCursorSmallStepBackIsTolerated(t *testing.T) {
	backend := &inmem.Backend{
		SeqSupport: map[registry.Class]bool{registry.ClassCalendar: true},
		Sequences:  map[string]int64{"calendar/": 5},
	}
	p := NewCursorProvider(backend, nil, fixedNow(1_700_000_000))

	// A step back within the guard is reported as-is; only a
	// timestamp-sized gap means the lineage is broken.
	ref := CollectionRef{Class: registry.ClassCalendar, Multiplexed: true}
	cursor, ok := p.Cursor(context.Background(), &ref, 10)
	assert.True(t, ok)
	assert.Equal(t, int64(5), cursor)
}

func TestCursorRegressionForcesResync(t *testing.T) {
	backend := &inmem.Backend{
		SeqSupport: map[registry.Class]bool{registry.ClassCalendar: true},
		Sequences:  map[string]int64{"calendar/": 5},
	}
	p := NewCursorProvider(backend, nil, fixedNow(1_700_000_000))

	// A persisted timestamp compared against a fresh sequence is a
	// migration artifact, not progress going backwards.
	ref := CollectionRef{Class: registry.ClassCalendar, Multiplexed: true}
	cursor, ok := p.Cursor(context.Background(), &ref, 2_000_000_000)
	assert.False(t, ok)
	assert.Zero(t, cursor)
}

func TestCursorSequenceFetchFailureForcesResync(t *testing.T) {
	backend := &inmem.Backend{
		SeqSupport: map[registry.Class]bool{registry.ClassContacts: true},
		Fail:       map[string]error{"HighestSequence": errors.New("backend down")},
	}
	p := NewCursorProvider(backend, nil, fixedNow(1_700_000_000))

	ref := CollectionRef{Class: registry.ClassContacts, Multiplexed: true}
	cursor, ok := p.Cursor(context.Background(), &ref, 3)
	assert.False(t, ok)
	assert.Zero(t, cursor)
}

func TestCursorTimestampFallbackWithoutSequences(t *testing.T) {
	p := NewCursorProvider(&inmem.Backend{}, nil, fixedNow(1_700_000_000))

	ref := CollectionRef{Class: registry.ClassTasks, Multiplexed: true}
	cursor, ok := p.Cursor(context.Background(), &ref, 0)
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000), cursor)
}
