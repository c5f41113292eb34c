package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noJitter(int64) int64 { return 0 }

func TestSweepDueAfterInterval(t *testing.T) {
	s := NewSweepScheduler(noJitter)
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name string
		w    SoftDeleteWindow
		due  bool
	}{
		{"never swept", SoftDeleteWindow{}, true},
		{"just swept", SoftDeleteWindow{LastSweepEnd: now.Unix()}, false},
		{"interval not yet elapsed", SoftDeleteWindow{LastSweepEnd: now.Unix() - 82800}, false},
		{"interval elapsed", SoftDeleteWindow{LastSweepEnd: now.Unix() - 82801}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.due, s.Due(tt.w, now))
		})
	}
}

func TestSweepJitterDelaysDue(t *testing.T) {
	s := NewSweepScheduler(func(max int64) int64 { return max })
	now := time.Unix(1_700_000_000, 0)

	// With maximum jitter the window must be a full extra hour stale.
	assert.False(t, s.Due(SoftDeleteWindow{LastSweepEnd: now.Unix() - 82801}, now))
	assert.False(t, s.Due(SoftDeleteWindow{LastSweepEnd: now.Unix() - 86400}, now))
	assert.True(t, s.Due(SoftDeleteWindow{LastSweepEnd: now.Unix() - 86401}, now))
}

func TestSweepRecordRearmsWindow(t *testing.T) {
	s := NewSweepScheduler(noJitter)
	start := time.Unix(1_600_000_000, 0)
	end := time.Unix(1_700_000_000, 0)

	w := s.Record(SoftDeleteWindow{LastSweepStart: 1, LastSweepEnd: 2}, start, end)
	assert.Equal(t, start.Unix(), w.LastSweepStart)
	assert.Equal(t, end.Unix(), w.LastSweepEnd)

	assert.False(t, s.Due(w, end))
}
