package call

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"callcoach-server/pkg/coaching"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSpeakerHeuristic(t *testing.T) {
	h := NewFirstSpeakerHeuristic()

	_, decided := h.FirstSpeakerID()
	assert.False(t, decided)

	assert.Equal(t, coaching.RoleCloser, h.Attribute("1"))
	assert.Equal(t, coaching.RoleProspect, h.Attribute("0"))
	assert.Equal(t, coaching.RoleProspect, h.Attribute("2"))
	assert.Equal(t, coaching.RoleCloser, h.Attribute("1"))

	first, decided := h.FirstSpeakerID()
	assert.True(t, decided)
	assert.Equal(t, "1", first, "first speaker must never be revised")
}

func TestAggregatorTranscriptAndFlush(t *testing.T) {
	a := NewAggregator(5, 8000)

	var flushes []int
	for i := 1; i <= 11; i++ {
		role := coaching.RoleCloser
		if i%2 == 0 {
			role = coaching.RoleProspect
		}
		if a.Add(role, "line", float64(i)) {
			flushes = append(flushes, i)
		}
	}

	assert.Equal(t, []int{5, 10}, flushes)
	assert.Equal(t, 11, a.Lines())
	assert.True(t, strings.HasPrefix(a.Transcript(), "Closer: line\nProspect: line\n"))
	assert.Equal(t, 11, strings.Count(a.Transcript(), "\n")+1)
}

func TestAggregatorTimestampIsFlooredAndMonotonic(t *testing.T) {
	a := NewAggregator(5, 8000)

	a.Add(coaching.RoleCloser, "a", 12.9)
	assert.Equal(t, int64(12), a.LastAudioTimestamp())

	a.Add(coaching.RoleCloser, "b", 7.5)
	assert.Equal(t, int64(12), a.LastAudioTimestamp(), "timestamp must not go backwards")

	a.Add(coaching.RoleCloser, "c", 30.01)
	assert.Equal(t, int64(30), a.LastAudioTimestamp())
}

func TestAggregatorBufferIsBounded(t *testing.T) {
	a := NewAggregator(5, 20)

	a.Add(coaching.RoleProspect, "alpha beta gamma", 0)
	a.Add(coaching.RoleProspect, "delta epsilon", 1)

	assert.LessOrEqual(t, a.BufferLen(), 20)
	buf := a.TakeBuffer()
	assert.True(t, strings.HasSuffix(buf, "delta epsilon"), "newest text is kept: %q", buf)
	assert.False(t, strings.HasPrefix(buf, "alpha"), "oldest text is dropped")
	assert.Equal(t, 0, a.BufferLen())

	assert.Contains(t, a.Transcript(), "alpha beta gamma", "transcript is never trimmed")
}

func TestTalkTimeTracker(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tt := NewTalkTimeTracker(15, 15*time.Second, start)

	tt.Add(coaching.RoleCloser, strings.Repeat("x", 30))
	tt.Add(coaching.RoleProspect, strings.Repeat("y", 45))

	totals := tt.Totals()
	assert.InDelta(t, 2.0, totals.CloserSeconds, 1e-9)
	assert.InDelta(t, 3.0, totals.ProspectSeconds, 1e-9)

	assert.False(t, tt.FlushDue(start.Add(10*time.Second)))
	assert.True(t, tt.FlushDue(start.Add(15*time.Second)))
	assert.False(t, tt.FlushDue(start.Add(40*time.Second)), "nothing changed since last flush")

	tt.Add(coaching.RoleCloser, "hello")
	assert.False(t, tt.FlushDue(start.Add(20*time.Second)))
	assert.True(t, tt.FlushDue(start.Add(31*time.Second)))
}

func TestMetadataValidate(t *testing.T) {
	meta, err := Metadata{TeamID: " t1 ", CloserID: "c1"}.Validate(48000)
	require.NoError(t, err)
	assert.Equal(t, "t1", meta.TeamID)
	assert.Equal(t, 48000, meta.SampleRate)

	_, err = Metadata{CloserID: "c1"}.Validate(48000)
	assert.Error(t, err)

	_, err = Metadata{TeamID: "t1"}.Validate(48000)
	assert.Error(t, err)

	_, err = Metadata{TeamID: "t1", CloserID: "c1", SampleRate: -8000}.Validate(48000)
	assert.Error(t, err)
}

type namedFakeSink struct {
	fakeSink
	name string
}

func (n *namedFakeSink) Name() string { return n.name }

func TestMultiSinkDeliversDespiteFailures(t *testing.T) {
	failing := &namedFakeSink{name: "amqp"}
	failing.err = errors.New("channel closed")
	healthy := &fakeSink{}

	multi := NewMultiSink(quietLogger(), failing, nil, healthy)
	err := multi.Publish(context.Background(), coaching.Event{Type: coaching.EventNudge, CallID: "c1"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "amqp")
	assert.Equal(t, []coaching.EventType{coaching.EventNudge}, healthy.Types())
	assert.Len(t, failing.events, 1)
}
