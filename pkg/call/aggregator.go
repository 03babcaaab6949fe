package call

import (
	"math"
	"strings"

	"callcoach-server/pkg/coaching"
)

// Aggregator accumulates the role-labeled transcript and the bounded text
// window handed to ammo extraction. Not safe for concurrent use.
type Aggregator struct {
	flushEvery int
	maxBuffer  int

	transcript strings.Builder
	lines      int
	buffer     string
	lastAudio  int64
}

// NewAggregator returns an aggregator that asks for a transcript flush every
// flushEvery lines and keeps at most maxBuffer characters for extraction.
func NewAggregator(flushEvery, maxBuffer int) *Aggregator {
	if flushEvery <= 0 {
		flushEvery = 5
	}
	return &Aggregator{flushEvery: flushEvery, maxBuffer: maxBuffer}
}

// Add records one final chunk and reports whether the transcript should be
// flushed now.
func (a *Aggregator) Add(role coaching.Role, text string, audioTimestamp float64) bool {
	if a.lines > 0 {
		a.transcript.WriteByte('\n')
	}
	a.transcript.WriteString(role.Label())
	a.transcript.WriteString(": ")
	a.transcript.WriteString(text)
	a.lines++

	if a.buffer == "" {
		a.buffer = text
	} else {
		a.buffer += " " + text
	}
	a.trimBuffer()

	if ts := int64(math.Floor(audioTimestamp)); ts > a.lastAudio {
		a.lastAudio = ts
	}

	return a.lines%a.flushEvery == 0
}

// trimBuffer drops the oldest text, cutting at a word boundary when one is
// available.
func (a *Aggregator) trimBuffer() {
	if a.maxBuffer <= 0 || len(a.buffer) <= a.maxBuffer {
		return
	}
	cut := len(a.buffer) - a.maxBuffer
	if i := strings.IndexByte(a.buffer[cut:], ' '); i >= 0 && i < len(a.buffer)-cut-1 {
		cut += i + 1
	}
	a.buffer = a.buffer[cut:]
}

// Transcript returns the full transcript so far.
func (a *Aggregator) Transcript() string {
	return a.transcript.String()
}

// Lines returns the number of final lines recorded.
func (a *Aggregator) Lines() int {
	return a.lines
}

// BufferLen returns the size of the pending extraction window.
func (a *Aggregator) BufferLen() int {
	return len(a.buffer)
}

// TakeBuffer returns the extraction window and clears it.
func (a *Aggregator) TakeBuffer() string {
	b := a.buffer
	a.buffer = ""
	return b
}

// LastAudioTimestamp returns the latest whole backend second seen.
func (a *Aggregator) LastAudioTimestamp() int64 {
	return a.lastAudio
}
