package coaching

import (
	"context"
	"sync"
	"time"
)

// ExtractionRequest is what the extraction backend receives per pass.
type ExtractionRequest struct {
	CallID       string
	TeamID       string
	Text         string
	Config       *AmmoConfig
	CustomPrompt string
}

// AmmoExtractor turns a window of prospect speech into ammo candidates.
// Malformed backend output must be reported as zero candidates.
type AmmoExtractor interface {
	ExtractAmmo(ctx context.Context, req ExtractionRequest) ([]Candidate, error)
}

// SchedulerSettings controls extraction gating.
type SchedulerSettings struct {
	Interval   time.Duration
	MinChars   int
	MaxPerPass int
}

// ExtractionScheduler gates extraction passes by time and buffer size and
// turns backend candidates into scored ammo. One per session.
type ExtractionScheduler struct {
	settings  SchedulerSettings
	extractor AmmoExtractor
	tracker   *RepetitionTracker

	mu       sync.Mutex
	lastPass time.Time
	inFlight sync.WaitGroup
}

// NewExtractionScheduler returns a scheduler whose clock starts at start.
func NewExtractionScheduler(settings SchedulerSettings, extractor AmmoExtractor, start time.Time) *ExtractionScheduler {
	return &ExtractionScheduler{
		settings:  settings,
		extractor: extractor,
		tracker:   NewRepetitionTracker(),
		lastPass:  start,
	}
}

// Due reports whether a pass should run. Both the interval and the minimum
// size are strict lower bounds.
func (s *ExtractionScheduler) Due(now time.Time, bufferLen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastPass) > s.settings.Interval && bufferLen > s.settings.MinChars
}

// HasEnough reports whether bufferLen meets the minimum for a final pass.
// Unlike Due, the bound is inclusive.
func (s *ExtractionScheduler) HasEnough(bufferLen int) bool {
	return bufferLen >= s.settings.MinChars
}

// Begin resets the pass clock and registers an in-flight pass. The caller
// must invoke the returned func once the pass is complete.
func (s *ExtractionScheduler) Begin(now time.Time) func() {
	s.mu.Lock()
	s.lastPass = now
	s.mu.Unlock()

	s.inFlight.Add(1)
	var once sync.Once
	return func() { once.Do(s.inFlight.Done) }
}

// LastPass returns when the last pass started.
func (s *ExtractionScheduler) LastPass() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPass
}

// Wait blocks until all in-flight passes finish or ctx is done.
func (s *ExtractionScheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Extract runs one pass against the backend and returns the items to persist.
func (s *ExtractionScheduler) Extract(ctx context.Context, req ExtractionRequest, audioTimestamp int64, now time.Time) ([]AmmoItem, error) {
	if s.extractor == nil {
		return nil, nil
	}

	candidates, err := s.extractor.ExtractAmmo(ctx, req)
	if err != nil {
		return nil, err
	}

	return SelectAmmo(req.CallID, candidates, s.tracker, s.settings.MaxPerPass, audioTimestamp, now), nil
}

// Tracker exposes the session repetition tracker.
func (s *ExtractionScheduler) Tracker() *RepetitionTracker {
	return s.tracker
}
