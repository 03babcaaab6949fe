package call

import (
	"time"
	"unicode/utf8"

	"callcoach-server/pkg/coaching"
)

// TalkTimeTracker estimates speaking time per role from text length.
// Not safe for concurrent use.
type TalkTimeTracker struct {
	charsPerSecond float64
	interval       time.Duration

	totals    coaching.TalkTime
	lastFlush time.Time
	dirty     bool
}

// NewTalkTimeTracker returns a tracker that wants persisting every interval.
func NewTalkTimeTracker(charsPerSecond float64, interval time.Duration, start time.Time) *TalkTimeTracker {
	if charsPerSecond <= 0 {
		charsPerSecond = 15
	}
	return &TalkTimeTracker{
		charsPerSecond: charsPerSecond,
		interval:       interval,
		lastFlush:      start,
	}
}

// Add credits role with the estimated duration of text.
func (t *TalkTimeTracker) Add(role coaching.Role, text string) {
	seconds := float64(utf8.RuneCountInString(text)) / t.charsPerSecond
	if seconds <= 0 {
		return
	}
	if role == coaching.RoleCloser {
		t.totals.CloserSeconds += seconds
	} else {
		t.totals.ProspectSeconds += seconds
	}
	t.dirty = true
}

// Totals returns the current estimate.
func (t *TalkTimeTracker) Totals() coaching.TalkTime {
	return t.totals
}

// FlushDue reports whether the totals changed and the interval has elapsed
// since the last flush. A true result starts a new interval.
func (t *TalkTimeTracker) FlushDue(now time.Time) bool {
	if !t.dirty || now.Sub(t.lastFlush) < t.interval {
		return false
	}
	t.lastFlush = now
	t.dirty = false
	return true
}
