package bridge

import (
	"strings"
	"time"
)

// Free/busy period status characters. Tentative ('1') and out-of-office
// ('3') exist in the protocol but are never produced by this encoder.
const (
	fbFree    = '0'
	fbBusy    = '2'
	fbUnknown = '4'
)

// fbPeriod is the fixed grid resolution: 30 minutes.
const fbPeriod = 1800

// BusyInterval is one busy block of availability data, in UTC.
type BusyInterval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FreeBusy is the availability data known for a subject: the window the
// backend actually has data for, plus the busy blocks inside it.
type FreeBusy struct {
	DataStart time.Time      `json:"data_start"`
	DataEnd   time.Time      `json:"data_end"`
	Busy      []BusyInterval `json:"busy"`
}

// BuildFbString renders availability for [rangeStart, rangeEnd) as one
// character per 30-minute period: '0' free, '2' busy, '4' unknown.
// Returns ok == false when no availability data exists at all.
func BuildFbString(fb *FreeBusy, rangeStart, rangeEnd time.Time) (string, bool) {
	if fb == nil {
		return "", false
	}
	return EncodeFreeBusy(fb.Busy, rangeStart, rangeEnd, fb.DataStart, fb.DataEnd), true
}

// EncodeFreeBusy builds the fixed-grid availability string. rangeEnd is
// exclusive. Busy blocks are rounded up to whole periods and clipped at
// the end of the requested range.
func EncodeFreeBusy(busy []BusyInterval, rangeStart, rangeEnd, dataStart, dataEnd time.Time) string {
	start := rangeStart.UTC().Unix()
	// rangeEnd is exclusive; work with the last second inside the range.
	end := rangeEnd.UTC().Unix() - 1
	ds := dataStart.UTC().Unix()
	de := dataEnd.UTC().Unix()

	periods := int((end - start + fbPeriod - 1) / fbPeriod)
	if periods < 0 {
		periods = 0
	}

	// No overlap between the requested window and the data window:
	// everything is unknown.
	if start >= de || end < ds {
		return strings.Repeat("4", periods)
	}

	// Nothing busy and the data covers the whole request.
	if len(busy) == 0 && ds <= start && de >= end {
		return strings.Repeat("0", periods)
	}

	// Phase fill: unknown before the data window, free inside it,
	// unknown after.
	out := make([]byte, 0, periods)
	ts := start
	for ts < ds && ts <= end {
		out = append(out, fbUnknown)
		ts += fbPeriod
	}
	for ts <= de && ts <= end {
		out = append(out, fbFree)
		ts += fbPeriod
	}
	for ts <= end {
		out = append(out, fbUnknown)
		ts += fbPeriod
	}

	// Busy overlay. Blocks beginning after the range are ignored; a
	// block already in progress at rangeStart is clamped to it.
	// Durations round up to whole periods.
	for _, iv := range busy {
		bs := iv.Start.UTC().Unix()
		be := iv.End.UTC().Unix()
		if bs > end || be <= bs || be <= start {
			continue
		}
		if bs < start {
			bs = start
		}
		dur := int((be - bs + fbPeriod - 1) / fbPeriod)
		pos := int((bs - start) / fbPeriod)
		for i := 0; i < dur && pos+i < len(out); i++ {
			out[pos+i] = fbBusy
		}
	}

	return string(out)
}
