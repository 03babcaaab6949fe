package call

import (
	"context"
	"strings"
	"sync"
	"time"

	"callcoach-server/pkg/audio"
	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/stt"
	"callcoach-server/pkg/worker"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxSampleRate = 192000

// Metadata is sent once by the client when a call starts.
type Metadata struct {
	TeamID       string `json:"team_id"`
	CloserID     string `json:"closer_id"`
	ProspectName string `json:"prospect_name,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
}

// Validate fills the default sample rate and checks required fields.
func (m Metadata) Validate(defaultSampleRate int) (Metadata, error) {
	m.TeamID = strings.TrimSpace(m.TeamID)
	m.CloserID = strings.TrimSpace(m.CloserID)
	m.ProspectName = strings.TrimSpace(m.ProspectName)

	if m.TeamID == "" {
		return m, errors.NewInvalidMetadata("team_id is required")
	}
	if m.CloserID == "" {
		return m, errors.NewInvalidMetadata("closer_id is required")
	}
	if m.SampleRate == 0 {
		m.SampleRate = defaultSampleRate
	}
	if m.SampleRate < 0 || m.SampleRate > maxSampleRate {
		return m, errors.NewInvalidMetadata("sample_rate out of range", map[string]interface{}{
			"sample_rate": m.SampleRate,
		})
	}
	return m, nil
}

// Settings carries the process-wide knobs a session needs.
type Settings struct {
	Coaching config.CoachingConfig
	SpillDir string
	Language string
}

func (s Settings) schedulerSettings() coaching.SchedulerSettings {
	return coaching.SchedulerSettings{
		Interval:   s.Coaching.ExtractionInterval,
		MinChars:   s.Coaching.ExtractionMinChars,
		MaxPerPass: s.Coaching.MaxAmmoPerPass,
	}
}

func (s Settings) nudgeSettings() coaching.NudgeSettings {
	return coaching.NudgeSettings{
		GlobalCooldown:         s.Coaching.NudgeGlobalCooldown,
		TypeCooldown:           s.Coaching.NudgeTypeCooldown,
		MissingInfoAfter:       s.Coaching.MissingInfoAfter,
		ScriptReminderAfter:    s.Coaching.ScriptReminderAfter,
		ScriptReminderInterval: s.Coaching.ScriptReminderInterval,
		AssumedCallLength:      s.Coaching.AssumedCallLength,
	}
}

// Dependencies are the collaborators shared by all sessions. Extractor,
// Detector and Storage may be nil.
type Dependencies struct {
	Backend   stt.Backend
	Store     Persistence
	Storage   ObjectStorage
	Events    EventSink
	Extractor coaching.AmmoExtractor
	Detector  coaching.Detector
	Runner    worker.Runner
	Clock     coaching.Clock
	Framer    *audio.Framer
}

// Info is a point-in-time view of a session for status endpoints.
type Info struct {
	CallID       string              `json:"call_id"`
	TeamID       string              `json:"team_id"`
	CloserID     string              `json:"closer_id"`
	Status       coaching.CallStatus `json:"status"`
	StartedAt    time.Time           `json:"started_at"`
	LastActivity time.Time           `json:"last_activity"`
	Lines        int                 `json:"lines"`
	TalkTime     coaching.TalkTime   `json:"talk_time"`
}

// Session is the live state of one call. Audio arrives through HandleAudio;
// transcription results arrive through OnChunk and OnError. Everything that
// mutates session state is serialized by mu, so events are applied in the
// order they are received.
type Session struct {
	logger       *logrus.Entry
	deps         Dependencies
	settings     Settings
	provider     string
	team         *coaching.AmmoConfig
	customPrompt string

	stream     stt.Stream
	recording  *audio.RecordingBuffer
	attributor RoleAttributor
	aggregator *Aggregator
	talk       *TalkTimeTracker
	scheduler  *coaching.ExtractionScheduler
	nudges     *coaching.NudgeEngine
	events     *eventQueue
	finished   func(reason string, duration time.Duration)

	audioMu sync.Mutex

	mu           sync.Mutex
	record       coaching.CallRecord
	activated    bool
	ended        bool
	drained      bool
	lastActivity time.Time

	endOnce    sync.Once
	completion *coaching.CallCompletion
	done       chan struct{}
}

// NewSession validates meta, loads the team's coaching config, opens the
// transcription stream and creates the call record.
func NewSession(ctx context.Context, deps Dependencies, settings Settings, meta Metadata, logger *logrus.Logger) (*Session, error) {
	meta, err := meta.Validate(settings.Coaching.DefaultSampleRate)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = coaching.SystemClock{}
	}
	if deps.Runner == nil {
		deps.Runner = worker.NewInline(logger)
	}
	if deps.Framer == nil {
		deps.Framer = audio.NewFramer(logger, 0)
	}

	now := deps.Clock.Now()
	callID := uuid.New().String()
	entry := logger.WithFields(logrus.Fields{
		"call_id":   callID,
		"team_id":   meta.TeamID,
		"closer_id": meta.CloserID,
	})

	s := &Session{
		logger:   entry,
		deps:     deps,
		settings: settings,
		provider: deps.Backend.Name(),
		record: coaching.CallRecord{
			ID:           callID,
			TeamID:       meta.TeamID,
			CloserID:     meta.CloserID,
			ProspectName: meta.ProspectName,
			SampleRate:   meta.SampleRate,
			Status:       coaching.StatusWaiting,
			StartedAt:    now,
		},
		attributor:   NewFirstSpeakerHeuristic(),
		aggregator:   NewAggregator(settings.Coaching.TranscriptFlushEvery, settings.Coaching.ExtractionBufferMaxChars),
		talk:         NewTalkTimeTracker(settings.Coaching.TalkTimeCharsPerSecond, settings.Coaching.TalkTimeFlushInterval, now),
		scheduler:    coaching.NewExtractionScheduler(settings.schedulerSettings(), deps.Extractor, now),
		lastActivity: now,
		done:         make(chan struct{}),
	}

	s.team, s.customPrompt = s.loadTeamConfig(ctx)
	s.nudges = coaching.NewNudgeEngine(callID, settings.nudgeSettings(), s.team, now)

	s.recording, err = audio.NewRecordingBuffer(settings.SpillDir, callID, meta.SampleRate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create recording buffer").WithField("call_id", callID)
	}

	s.stream, err = deps.Backend.Open(ctx, stt.StreamConfig{
		CallID:     callID,
		SampleRate: meta.SampleRate,
		Language:   settings.Language,
	}, s)
	if err != nil {
		s.recording.Remove()
		return nil, errors.Wrap(errors.ErrTranscriptionFailed, err.Error()).WithField("call_id", callID)
	}

	if err := deps.Store.CreateCall(ctx, s.record); err != nil {
		s.stream.Close()
		s.recording.Remove()
		return nil, errors.Wrap(err, "failed to create call record").WithField("call_id", callID)
	}

	if deps.Events != nil {
		s.events = newEventQueue(deps.Events, 256, entry)
	}
	s.finished = metrics.CallStarted()
	s.publish(coaching.EventStatus, coaching.StatusChange{Status: coaching.StatusWaiting, CloserID: meta.CloserID})

	entry.WithFields(logrus.Fields{
		"sample_rate": meta.SampleRate,
		"provider":    s.provider,
	}).Info("Call session started")

	return s, nil
}

// loadTeamConfig reads the team's coaching config and prompt. Read failures
// fall back to the built-in defaults.
func (s *Session) loadTeamConfig(ctx context.Context) (*coaching.AmmoConfig, string) {
	teamID := s.record.TeamID

	cfg, err := s.deps.Store.GetAmmoConfig(ctx, teamID)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load team coaching config, using defaults")
		cfg = nil
	}

	prompt, err := s.deps.Store.GetTeamCustomPrompt(ctx, teamID)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load team custom prompt")
		prompt = ""
	}

	return cfg.WithDefaults(teamID), prompt
}

// ID returns the call id.
func (s *Session) ID() string {
	return s.record.ID
}

// TeamID returns the owning team.
func (s *Session) TeamID() string {
	return s.record.TeamID
}

// Done is closed once the session has been finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// FirstSpeakerID returns the speaker id attributed to the closer, if known.
func (s *Session) FirstSpeakerID() (string, bool) {
	if h, ok := s.attributor.(interface{ FirstSpeakerID() (string, bool) }); ok {
		return h.FirstSpeakerID()
	}
	return "", false
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		CallID:       s.record.ID,
		TeamID:       s.record.TeamID,
		CloserID:     s.record.CloserID,
		Status:       s.record.Status,
		StartedAt:    s.record.StartedAt,
		LastActivity: s.lastActivity,
		Lines:        s.aggregator.Lines(),
		TalkTime:     s.talk.Totals(),
	}
}

// LastActivity returns when audio or a transcription callback last arrived.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) isEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Transcript returns the transcript accumulated so far.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregator.Transcript()
}

// NudgeState returns a copy of the nudge engine state.
func (s *Session) NudgeState() coaching.NudgeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nudges.State()
}

func (s *Session) fields() logrus.Fields {
	return logrus.Fields{
		"call_id": s.record.ID,
		"team_id": s.record.TeamID,
	}
}

func (s *Session) background(name string, fn worker.TaskFunc) bool {
	return s.deps.Runner.Go(name, s.fields(), fn)
}

func (s *Session) publish(eventType coaching.EventType, data interface{}) {
	if s.events == nil {
		return
	}
	s.events.push(coaching.Event{
		Type:      eventType,
		CallID:    s.record.ID,
		TeamID:    s.record.TeamID,
		Timestamp: s.deps.Clock.Now(),
		Data:      data,
	})
}

func (s *Session) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.logger.WithFields(logrus.Fields{
			"where": where,
			"panic": r,
		}).Error("Recovered from panic in call session")
	}
}

// HandleAudio frames one chunk of interleaved stereo PCM, appends it to the
// recording and forwards it to the transcription backend. Backend errors are
// logged and the session continues.
func (s *Session) HandleAudio(stereo []byte) error {
	defer s.recoverPanic("handle_audio")

	now := s.deps.Clock.Now()
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return errors.NewSessionEnded(s.record.ID)
	}
	s.lastActivity = now
	s.mu.Unlock()

	s.audioMu.Lock()
	defer s.audioMu.Unlock()

	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return errors.NewSessionEnded(s.record.ID)
	}

	mono := s.deps.Framer.Frame(stereo)
	if len(mono) == 0 {
		return nil
	}

	if err := s.recording.Append(mono); err != nil {
		s.logger.WithError(err).Warn("Failed to append audio to recording")
	}
	if err := s.stream.SendAudio(mono); err != nil {
		s.logger.WithError(err).Warn("Failed to forward audio to transcription backend")
	}

	s.mu.Lock()
	s.maybeFlushTalkTimeLocked(now)
	s.mu.Unlock()
	return nil
}

// OnChunk applies one transcription result.
func (s *Session) OnChunk(chunk coaching.TranscriptChunk) {
	defer s.recoverPanic("handle_chunk")

	now := s.deps.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drained {
		s.logger.Debug("Ignoring transcription result after finalization")
		return
	}
	s.activateLocked()
	s.lastActivity = now
	metrics.RecordChunk(s.provider, chunk.IsFinal)

	if !chunk.IsFinal {
		return
	}
	text := strings.TrimSpace(chunk.Text)
	if text == "" {
		return
	}

	role := s.attributor.Attribute(chunk.SpeakerID)
	flush := s.aggregator.Add(role, text, chunk.AudioTimestamp)
	s.talk.Add(role, text)

	segment := coaching.TranscriptSegment{
		CallID:         s.record.ID,
		Role:           role,
		SpeakerID:      chunk.SpeakerID,
		Text:           text,
		AudioTimestamp: s.aggregator.LastAudioTimestamp(),
		CreatedAt:      now,
	}
	s.background("persist_transcript_segment", func(ctx context.Context) error {
		return s.deps.Store.AddTranscriptSegment(ctx, segment)
	})
	s.publish(coaching.EventTranscript, segment)

	if flush {
		transcript := s.aggregator.Transcript()
		s.background("flush_transcript", func(ctx context.Context) error {
			return s.deps.Store.AddTranscript(ctx, s.record.ID, transcript)
		})
	}

	s.maybeFlushTalkTimeLocked(now)
	s.maybeExtractLocked(now)
	s.evaluateNudgesLocked(now)
}

// OnError logs a backend error. The stream is not reopened.
func (s *Session) OnError(err error) {
	defer s.recoverPanic("handle_error")

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.drained {
		s.activateLocked()
	}
	metrics.RecordSTTError(s.provider)
	s.logger.WithError(err).WithField("provider", s.provider).Error("Transcription backend error")
}

// activateLocked moves the call from waiting to active on the first
// backend callback.
func (s *Session) activateLocked() {
	if s.activated {
		return
	}
	s.activated = true
	s.record.Status = coaching.StatusActive

	callID := s.record.ID
	s.background("update_call_status", func(ctx context.Context) error {
		return s.deps.Store.UpdateCallStatus(ctx, callID, coaching.StatusActive)
	})
	s.publish(coaching.EventStatus, coaching.StatusChange{Status: coaching.StatusActive})
	s.logger.Info("Call is active")
}

func (s *Session) maybeFlushTalkTimeLocked(now time.Time) {
	if !s.talk.FlushDue(now) {
		return
	}
	totals := s.talk.Totals()
	s.background("update_talk_time", func(ctx context.Context) error {
		return s.deps.Store.UpdateTalkTime(ctx, s.record.ID, totals)
	})
	s.publish(coaching.EventTalkTime, totals)
}

func (s *Session) maybeExtractLocked(now time.Time) {
	if !s.scheduler.Due(now, s.aggregator.BufferLen()) {
		return
	}

	req, audioTS := s.takeExtractionLocked()
	done := s.scheduler.Begin(now)
	accepted := s.background("extract_ammo", func(ctx context.Context) error {
		defer done()
		return s.runExtraction(ctx, req, audioTS, now)
	})
	if !accepted {
		metrics.RecordExtractionPass("dropped")
		done()
	}
}

func (s *Session) takeExtractionLocked() (coaching.ExtractionRequest, int64) {
	return coaching.ExtractionRequest{
		CallID:       s.record.ID,
		TeamID:       s.record.TeamID,
		Text:         s.aggregator.TakeBuffer(),
		Config:       s.team,
		CustomPrompt: s.customPrompt,
	}, s.aggregator.LastAudioTimestamp()
}

// runExtraction performs one pass and persists each kept item on its own.
func (s *Session) runExtraction(ctx context.Context, req coaching.ExtractionRequest, audioTS int64, now time.Time) error {
	observe := metrics.ObserveExtractionLatency()
	items, err := s.scheduler.Extract(ctx, req, audioTS, now)
	observe()
	if err != nil {
		metrics.RecordExtractionPass("error")
		return errors.Wrap(errors.ErrExtractionFailed, err.Error())
	}
	if len(items) == 0 {
		metrics.RecordExtractionPass("empty")
		return nil
	}
	metrics.RecordExtractionPass("ok")

	for _, item := range items {
		if err := s.deps.Store.AddAmmoItem(ctx, item); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"ammo_id":  item.ID,
				"category": item.Category,
			}).Warn("Failed to persist ammo item")
			continue
		}
		metrics.RecordAmmoItem(string(item.Category))
		s.publish(coaching.EventAmmo, item)
	}

	s.logger.WithFields(logrus.Fields{
		"items":           len(items),
		"audio_timestamp": audioTS,
	}).Info("Ammo extraction pass complete")
	return nil
}

func (s *Session) evaluateNudgesLocked(now time.Time) {
	nudge := s.nudges.Evaluate(s.aggregator.Transcript(), now)
	if nudge == nil {
		return
	}

	metrics.RecordNudge(string(nudge.Type))
	s.logger.WithFields(logrus.Fields{
		"nudge_type":      nudge.Type,
		"trigger_keyword": nudge.TriggerKeyword,
	}).Info("Nudge emitted")

	n := *nudge
	s.background("persist_nudge", func(ctx context.Context) error {
		return s.deps.Store.AddNudge(ctx, n)
	})
	s.publish(coaching.EventNudge, n)
}
