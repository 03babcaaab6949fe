package call

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/stt"
	"callcoach-server/pkg/worker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	metrics.EnableMetrics(false)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeStore is an in-memory Persistence that records every call.
type fakeStore struct {
	mu sync.Mutex

	createErr error
	configErr error
	config    *coaching.AmmoConfig

	calls       []coaching.CallRecord
	statuses    []coaching.CallStatus
	segments    []coaching.TranscriptSegment
	transcripts []string
	talkTimes   []coaching.TalkTime
	ammo        []coaching.AmmoItem
	nudges      []coaching.Nudge
	detections  []*coaching.DetectionResult
	completions []coaching.CallCompletion
	completeErr []error
}

func (f *fakeStore) CreateCall(ctx context.Context, rec coaching.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.calls = append(f.calls, rec)
	return nil
}

func (f *fakeStore) UpdateCallStatus(ctx context.Context, callID string, status coaching.CallStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) AddTranscriptSegment(ctx context.Context, seg coaching.TranscriptSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, seg)
	return nil
}

func (f *fakeStore) AddTranscript(ctx context.Context, callID, transcript string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, transcript)
	return nil
}

func (f *fakeStore) UpdateTalkTime(ctx context.Context, callID string, talk coaching.TalkTime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.talkTimes = append(f.talkTimes, talk)
	return nil
}

func (f *fakeStore) AddAmmoItem(ctx context.Context, item coaching.AmmoItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ammo = append(f.ammo, item)
	return nil
}

func (f *fakeStore) AddNudge(ctx context.Context, nudge coaching.Nudge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudges = append(f.nudges, nudge)
	return nil
}

func (f *fakeStore) UpdateCallDetection(ctx context.Context, callID string, result *coaching.DetectionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, result)
	return nil
}

func (f *fakeStore) CompleteCall(ctx context.Context, completion coaching.CallCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, completion)
	f.completeErr = append(f.completeErr, ctx.Err())
	return ctx.Err()
}

func (f *fakeStore) GetAmmoConfig(ctx context.Context, teamID string) (*coaching.AmmoConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config, f.configErr
}

func (f *fakeStore) GetTeamCustomPrompt(ctx context.Context, teamID string) (string, error) {
	return "", nil
}

func (f *fakeStore) nudgesOfType(t coaching.NudgeType) []coaching.Nudge {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []coaching.Nudge
	for _, n := range f.nudges {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// fakeStorage reads the whole upload and optionally fails.
type fakeStorage struct {
	mu       sync.Mutex
	err      error
	uploads  int
	lastSize int64
	lastBody []byte
	ctxErr   error
}

func (f *fakeStorage) Upload(ctx context.Context, teamID, callID string, wav io.Reader, size int64, sampleRate int) (string, error) {
	body, _ := io.ReadAll(wav)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	f.ctxErr = ctx.Err()
	f.lastSize = size
	f.lastBody = body
	if f.err != nil {
		return "", f.err
	}
	return "s3://recordings/" + teamID + "/" + callID + ".wav", nil
}

// fakeSink records events.
type fakeSink struct {
	mu     sync.Mutex
	err    error
	events []coaching.Event
}

func (f *fakeSink) Publish(ctx context.Context, event coaching.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakeSink) Types() []coaching.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]coaching.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) ExtractAmmo(ctx context.Context, req coaching.ExtractionRequest) ([]coaching.Candidate, error) {
	args := m.Called(ctx, req)
	if c := args.Get(0); c != nil {
		return c.([]coaching.Candidate), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockDetector struct {
	mock.Mock
}

func (m *mockDetector) Detect(ctx context.Context, req coaching.DetectionRequest) (*coaching.DetectionResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*coaching.DetectionResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func testCoachingConfig() config.CoachingConfig {
	return config.CoachingConfig{
		DefaultSampleRate:           48000,
		TranscriptFlushEvery:        5,
		ExtractionBufferMaxChars:    8000,
		ExtractionInterval:          30 * time.Second,
		ExtractionMinChars:          100,
		MaxAmmoPerPass:              5,
		TalkTimeCharsPerSecond:      15,
		TalkTimeFlushInterval:       15 * time.Second,
		NudgeGlobalCooldown:         25 * time.Second,
		NudgeTypeCooldown:           120 * time.Second,
		MissingInfoAfter:            5 * time.Minute,
		ScriptReminderAfter:         time.Minute,
		ScriptReminderInterval:      90 * time.Second,
		AssumedCallLength:           30 * time.Minute,
		MinDetectionTranscriptChars: 200,
		SessionIdleTimeout:          2 * time.Hour,
	}
}

// harness wires a session to in-memory collaborators and a manual clock.
type harness struct {
	t        *testing.T
	clock    *coaching.ManualClock
	store    *fakeStore
	storage  *fakeStorage
	sink     *fakeSink
	backend  *stt.MockBackend
	deps     Dependencies
	settings Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := quietLogger()
	h := &harness{
		t:       t,
		clock:   coaching.NewManualClock(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)),
		store:   &fakeStore{},
		storage: &fakeStorage{},
		sink:    &fakeSink{},
		backend: stt.NewSilentMockBackend(logger),
	}
	h.deps = Dependencies{
		Backend: h.backend,
		Store:   h.store,
		Storage: h.storage,
		Events:  h.sink,
		Runner:  worker.NewInline(logger),
		Clock:   h.clock,
	}
	h.settings = Settings{
		Coaching: testCoachingConfig(),
		SpillDir: t.TempDir(),
		Language: "en-US",
	}
	return h
}

func (h *harness) start() (*Session, *stt.MockStream) {
	h.t.Helper()
	s, err := NewSession(context.Background(), h.deps, h.settings, Metadata{
		TeamID:       "team-1",
		CloserID:     "closer-1",
		ProspectName: "Dana",
		SampleRate:   16000,
	}, quietLogger())
	require.NoError(h.t, err)
	return s, h.backend.Last()
}

// say delivers a final chunk at the current clock time, with the audio
// timestamp matching the elapsed call time.
func (h *harness) say(stream *stt.MockStream, speaker, text string, at time.Duration) {
	h.clock.Set(time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC).Add(at))
	stream.Emit(coaching.TranscriptChunk{
		SpeakerID:      speaker,
		Text:           text,
		IsFinal:        true,
		AudioTimestamp: at.Seconds(),
	})
}
