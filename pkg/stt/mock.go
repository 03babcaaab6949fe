package stt

import (
	"context"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// defaultMockScript is replayed by the mock backend as audio arrives, one
// line per ScriptInterval of audio.
var defaultMockScript = []coaching.TranscriptChunk{
	{SpeakerID: "0", Text: "Hi, thanks for jumping on the call today. How are things going?"},
	{SpeakerID: "1", Text: "Honestly I'm frustrated. We've been stuck at the same revenue for a year."},
	{SpeakerID: "0", Text: "What have you tried so far to get past that?"},
	{SpeakerID: "1", Text: "We tried an agency and it didn't work. We spent about ten thousand dollars."},
	{SpeakerID: "0", Text: "And where do you want the business to be in twelve months?"},
	{SpeakerID: "1", Text: "I want to double it so I can finally take time off with my kids."},
	{SpeakerID: "0", Text: "Let me walk you through how the program works."},
	{SpeakerID: "1", Text: "It sounds good but I need to talk to my wife and think about it."},
}

// MockBackend is an in-process backend. Without a script it only emits what
// tests push through MockStream.Emit.
type MockBackend struct {
	logger *logrus.Logger

	Script         []coaching.TranscriptChunk
	ScriptInterval time.Duration
	OpenErr        error

	mu      sync.Mutex
	streams []*MockStream
}

// NewMockBackend returns a backend that replays the demo script.
func NewMockBackend(logger *logrus.Logger) *MockBackend {
	return &MockBackend{
		logger:         logger,
		Script:         defaultMockScript,
		ScriptInterval: 3 * time.Second,
	}
}

// NewSilentMockBackend returns a backend that emits nothing on its own.
func NewSilentMockBackend(logger *logrus.Logger) *MockBackend {
	return &MockBackend{logger: logger}
}

// Name returns the provider name
func (b *MockBackend) Name() string {
	return "mock"
}

// Open creates a MockStream.
func (b *MockBackend) Open(ctx context.Context, sc StreamConfig, handler Handler) (Stream, error) {
	if b.OpenErr != nil {
		metrics.RecordSTTSession(b.Name(), "error")
		return nil, b.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &MockStream{
		config:  sc,
		handler: handler,
		script:  b.Script,
	}
	if b.ScriptInterval > 0 && sc.SampleRate > 0 {
		s.bytesPerLine = int(b.ScriptInterval.Seconds() * float64(sc.SampleRate) * 2)
	}

	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()

	metrics.RecordSTTSession(b.Name(), "ok")
	b.logger.WithField("call_id", sc.CallID).Info("Mock STT stream opened")
	return s, nil
}

// Streams returns every stream opened so far.
func (b *MockBackend) Streams() []*MockStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*MockStream, len(b.streams))
	copy(out, b.streams)
	return out
}

// Last returns the most recently opened stream, or nil.
func (b *MockBackend) Last() *MockStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

// MockStream records audio and forwards injected results to its handler.
type MockStream struct {
	config  StreamConfig
	handler Handler

	emitMu sync.Mutex

	mu           sync.Mutex
	sent         []byte
	closed       bool
	closeCount   int
	script       []coaching.TranscriptChunk
	scriptPos    int
	bytesPerLine int
	sinceLine    int
}

// SendAudio appends pcm and emits the next script line once enough audio
// has arrived.
func (s *MockStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.sent = append(s.sent, pcm...)

	var due []coaching.TranscriptChunk
	if s.bytesPerLine > 0 {
		s.sinceLine += len(pcm)
		for s.sinceLine >= s.bytesPerLine && s.scriptPos < len(s.script) {
			s.sinceLine -= s.bytesPerLine
			line := s.script[s.scriptPos]
			line.IsFinal = true
			line.AudioTimestamp = float64(len(s.sent)) / float64(s.config.SampleRate*2)
			s.scriptPos++
			due = append(due, line)
		}
	}
	s.mu.Unlock()

	for _, line := range due {
		s.Emit(line)
	}
	return nil
}

// Close marks the stream closed. It is safe to call more than once.
func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCount++
	return nil
}

// Emit delivers chunk to the handler as if the backend produced it.
func (s *MockStream) Emit(chunk coaching.TranscriptChunk) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.handler.OnChunk(chunk)
}

// Fail delivers err to the handler.
func (s *MockStream) Fail(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.handler.OnError(err)
}

// Sent returns a copy of all audio received.
func (s *MockStream) Sent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Closed reports whether Close has been called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount reports how many times Close was called.
func (s *MockStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Config returns the StreamConfig passed to Open.
func (s *MockStream) Config() StreamConfig {
	return s.config
}
