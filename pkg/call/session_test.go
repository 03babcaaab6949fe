package call

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"

	"callcoach-server/pkg/coaching"
	apperrors "callcoach-server/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func stereoFrames(n int, left, right int16) []byte {
	buf := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(left))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(right))
	}
	return buf
}

func TestNewSessionCreatesWaitingCall(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()
	defer s.End(context.Background(), ReasonClientEnded)

	require.Len(t, h.store.calls, 1)
	rec := h.store.calls[0]
	assert.Equal(t, s.ID(), rec.ID)
	assert.Equal(t, coaching.StatusWaiting, rec.Status)
	assert.Equal(t, 16000, rec.SampleRate)
	assert.Equal(t, "Dana", rec.ProspectName)

	require.NotNil(t, stream)
	assert.Equal(t, 16000, stream.Config().SampleRate)
	assert.Equal(t, s.ID(), stream.Config().CallID)
}

func TestNewSessionRejectsBadMetadata(t *testing.T) {
	h := newHarness(t)

	_, err := NewSession(context.Background(), h.deps, h.settings, Metadata{CloserID: "c1"}, quietLogger())
	assert.ErrorIs(t, err, apperrors.ErrInvalidMetadata)
	assert.Nil(t, h.backend.Last(), "no stream is opened for invalid metadata")
}

func TestNewSessionFailsWhenCallCannotBeCreated(t *testing.T) {
	h := newHarness(t)
	h.store.createErr = errors.New("db down")

	_, err := NewSession(context.Background(), h.deps, h.settings, Metadata{TeamID: "t1", CloserID: "c1"}, quietLogger())
	require.Error(t, err)
	require.NotNil(t, h.backend.Last())
	assert.True(t, h.backend.Last().Closed(), "stream is released on failure")
}

func TestNewSessionFallsBackToDefaultTeamConfig(t *testing.T) {
	h := newHarness(t)
	h.store.configErr = errors.New("no such team")

	s, _ := h.start()
	defer s.End(context.Background(), ReasonClientEnded)

	require.NotNil(t, s.team)
	assert.NotEmpty(t, s.team.ScriptStages)
	assert.NotEmpty(t, s.team.RequiredInfo)
}

func TestStatusBecomesActiveOnce(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()

	stream.Emit(coaching.TranscriptChunk{SpeakerID: "0", Text: "hel", IsFinal: false})
	stream.Fail(errors.New("transient"))
	stream.Emit(coaching.TranscriptChunk{SpeakerID: "0", Text: "hello", IsFinal: true})

	assert.Equal(t, []coaching.CallStatus{coaching.StatusActive}, h.store.statuses)
	assert.Equal(t, coaching.StatusActive, s.Info().Status)

	s.End(context.Background(), ReasonClientEnded)
	assert.Equal(t, coaching.StatusCompleted, s.Info().Status)
}

func TestFinalChunksBuildTranscript(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()

	stream.Emit(coaching.TranscriptChunk{SpeakerID: "0", Text: "interim", IsFinal: false})
	h.say(stream, "0", "Hi Dana, thanks for joining.", 2*time.Second)
	h.say(stream, "1", "Happy to be here.", 5*time.Second)
	h.say(stream, "0", "   ", 6*time.Second)

	assert.Equal(t, "Closer: Hi Dana, thanks for joining.\nProspect: Happy to be here.", s.Transcript())

	first, ok := s.FirstSpeakerID()
	assert.True(t, ok)
	assert.Equal(t, "0", first)

	require.Len(t, h.store.segments, 2)
	assert.Equal(t, coaching.RoleProspect, h.store.segments[1].Role)
	assert.Equal(t, int64(5), h.store.segments[1].AudioTimestamp)
	assert.Empty(t, h.store.transcripts, "no flush before the fifth line")

	for i := 0; i < 3; i++ {
		h.say(stream, "1", "more", time.Duration(10+i)*time.Second)
	}
	require.Len(t, h.store.transcripts, 1)
	assert.Equal(t, 5, strings.Count(h.store.transcripts[0], "\n")+1)

	s.End(context.Background(), ReasonClientEnded)
}

func TestExtractionOnlyAfterInterval(t *testing.T) {
	h := newHarness(t)
	ext := new(mockExtractor)
	h.deps.Extractor = ext
	ext.On("ExtractAmmo", mock.Anything, mock.Anything).Return([]coaching.Candidate{}, nil)

	s, stream := h.start()

	long := strings.Repeat("we have been stuck for months ", 4)
	h.say(stream, "0", "Tell me about the business.", time.Second)
	h.say(stream, "1", long, 10*time.Second)
	ext.AssertNotCalled(t, "ExtractAmmo", mock.Anything, mock.Anything)

	h.say(stream, "1", "and it keeps getting worse", 40*time.Second)
	ext.AssertNumberOfCalls(t, "ExtractAmmo", 1)

	req := ext.Calls[0].Arguments.Get(1).(coaching.ExtractionRequest)
	assert.Contains(t, req.Text, "stuck for months")
	assert.Contains(t, req.Text, "keeps getting worse")
	assert.Equal(t, "team-1", req.TeamID)

	// Buffer was cleared; a short follow-up does not trigger an end-of-call pass.
	h.say(stream, "1", "ok", 45*time.Second)
	s.End(context.Background(), ReasonClientEnded)
	ext.AssertNumberOfCalls(t, "ExtractAmmo", 1)
}

func TestExtractionPersistsScoredAmmo(t *testing.T) {
	h := newHarness(t)
	ext := new(mockExtractor)
	h.deps.Extractor = ext

	fiftyFive := 55
	fortyFive := 45
	ext.On("ExtractAmmo", mock.Anything, mock.Anything).Return([]coaching.Candidate{
		{Text: "I lie awake worrying about payroll", Category: coaching.CategoryFinancial, Score: &fiftyFive, RepetitionKeywords: []string{"payroll"}},
		{Text: "the weather was fine", Category: coaching.CategorySituational, Score: &fortyFive},
	}, nil).Once()
	ext.On("ExtractAmmo", mock.Anything, mock.Anything).Return([]coaching.Candidate{
		{Text: "payroll again", Category: coaching.CategoryFinancial, Score: &fiftyFive, RepetitionKeywords: []string{"payroll"}},
	}, nil).Once()

	s, stream := h.start()
	h.say(stream, "0", "hello", 0)
	h.say(stream, "1", strings.Repeat("payroll keeps me up at night ", 5), 31*time.Second)
	require.Len(t, h.store.ammo, 1)
	assert.Equal(t, 55, h.store.ammo[0].Score)
	assert.Equal(t, int64(31), h.store.ammo[0].AudioTimestamp)

	h.say(stream, "1", strings.Repeat("payroll is the real problem here ", 5), 62*time.Second)
	require.Len(t, h.store.ammo, 2)
	assert.Equal(t, 65, h.store.ammo[1].Score, "second mention earns the repetition boost")
	assert.Equal(t, 2, h.store.ammo[1].RepetitionCount)
	assert.True(t, h.store.ammo[1].IsHeavyHitter)

	s.End(context.Background(), ReasonClientEnded)
	assert.Contains(t, h.sink.Types(), coaching.EventAmmo)
}

func TestExtractionFailureStillResetsBuffer(t *testing.T) {
	h := newHarness(t)
	ext := new(mockExtractor)
	h.deps.Extractor = ext
	ext.On("ExtractAmmo", mock.Anything, mock.Anything).Return(nil, errors.New("model overloaded"))

	s, stream := h.start()
	h.say(stream, "1", strings.Repeat("lots of words here ", 8), 31*time.Second)
	ext.AssertNumberOfCalls(t, "ExtractAmmo", 1)

	h.say(stream, "1", strings.Repeat("lots of words here ", 8), 40*time.Second)
	ext.AssertNumberOfCalls(t, "ExtractAmmo", 1, "clock was reset by the failed pass")

	s.End(context.Background(), ReasonClientEnded)
	assert.Empty(t, h.store.ammo)
}

func TestSpouseObjectionNudgesOnce(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()

	h.say(stream, "0", "Thanks for hopping on, how are you?", 5*time.Second)
	h.say(stream, "1", "Good. Honestly my wife and I need to think about it.", 40*time.Second)
	h.say(stream, "0", "Totally fair, what would you two need to decide?", 70*time.Second)
	h.say(stream, "1", "Like I said, my wife and I need to think about it.", 110*time.Second)
	h.say(stream, "0", "Understood.", 170*time.Second)

	objections := h.store.nudgesOfType(coaching.NudgeObjectionWarning)
	require.Len(t, objections, 1)
	assert.Equal(t, coaching.PriorityHigh, objections[0].Priority)

	state := s.NudgeState()
	assert.True(t, state.TriggeredObjections["my wife"])
	assert.True(t, state.TriggeredObjections["think about it"])

	s.End(context.Background(), ReasonClientEnded)
}

func TestAudioIsFramedForwardedAndUploaded(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()

	require.NoError(t, s.HandleAudio(stereoFrames(160, 100, 201)))
	require.NoError(t, s.HandleAudio(append(stereoFrames(40, -4, -6), 0x01)))

	sent := stream.Sent()
	require.Len(t, sent, 400)
	assert.Equal(t, int16(151), int16(binary.LittleEndian.Uint16(sent[0:2])))
	assert.Equal(t, int16(-5), int16(binary.LittleEndian.Uint16(sent[398:400])))

	h.clock.Advance(90 * time.Second)
	completion := s.End(context.Background(), ReasonClientEnded)

	require.NotNil(t, completion)
	assert.Equal(t, "s3://recordings/team-1/"+s.ID()+".wav", completion.RecordingURL)
	assert.Equal(t, int64(90), completion.DurationSeconds)
	assert.Equal(t, int64(44+400), h.storage.lastSize)
	assert.Equal(t, "RIFF", string(h.storage.lastBody[:4]))

	err := s.HandleAudio(stereoFrames(4, 1, 1))
	assert.ErrorIs(t, err, apperrors.ErrSessionEnded)
}

func TestUploadFailureStillCompletesCall(t *testing.T) {
	h := newHarness(t)
	h.storage.err = errors.New("access denied")
	s, stream := h.start()

	require.NoError(t, s.HandleAudio(stereoFrames(100, 1, 1)))
	h.say(stream, "0", "Hi there.", 3*time.Second)
	h.say(stream, "1", "Hello.", 4*time.Second)
	h.clock.Set(h.clock.Now().Add(2*time.Minute + 500*time.Millisecond))

	completion := s.End(context.Background(), ReasonClientEnded)

	require.Len(t, h.store.completions, 1)
	got := h.store.completions[0]
	assert.Equal(t, "", got.RecordingURL)
	assert.Equal(t, int64(124), got.DurationSeconds)
	assert.Equal(t, "Closer: Hi there.\nProspect: Hello.", got.Transcript)
	assert.Equal(t, got, *completion)
	assert.Equal(t, 1, h.storage.uploads)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()

	first := s.End(context.Background(), ReasonClientEnded)
	second := s.End(context.Background(), ReasonDisconnected)

	assert.Same(t, first, second)
	assert.Len(t, h.store.completions, 1)
	assert.Len(t, h.store.talkTimes, 1)
	assert.Equal(t, 1, stream.CloseCount())
	assert.Equal(t, 0, h.storage.uploads, "empty recordings are not uploaded")

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after End")
	}
}

func TestEndRunsFinalExtractionPass(t *testing.T) {
	h := newHarness(t)
	ext := new(mockExtractor)
	h.deps.Extractor = ext
	ext.On("ExtractAmmo", mock.Anything, mock.Anything).Return([]coaching.Candidate{}, nil)

	s, stream := h.start()
	h.say(stream, "1", strings.Repeat("we are losing clients every week ", 4), 5*time.Second)
	ext.AssertNotCalled(t, "ExtractAmmo", mock.Anything, mock.Anything)

	s.End(context.Background(), ReasonClientEnded)
	ext.AssertNumberOfCalls(t, "ExtractAmmo", 1)
}

func TestEndWithCancelledContextStillCompletes(t *testing.T) {
	h := newHarness(t)
	ext := new(mockExtractor)
	h.deps.Extractor = ext
	liveCtx := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	ext.On("ExtractAmmo", liveCtx, mock.Anything).Return([]coaching.Candidate{}, nil)

	s, stream := h.start()
	require.NoError(t, s.HandleAudio(stereoFrames(160, 10, 10)))
	h.say(stream, "1", strings.Repeat("we are losing clients every week ", 4), 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	completion := s.End(ctx, ReasonClientEnded)

	ext.AssertNumberOfCalls(t, "ExtractAmmo", 1)
	require.Len(t, h.store.completions, 1)
	assert.NoError(t, h.store.completeErr[0])
	assert.Equal(t, 1, h.storage.uploads)
	assert.NoError(t, h.storage.ctxErr)
	assert.Equal(t, "s3://recordings/team-1/"+s.ID()+".wav", completion.RecordingURL)
}

func TestEndRunsDetectionForLongTranscripts(t *testing.T) {
	h := newHarness(t)
	det := new(mockDetector)
	h.deps.Detector = det
	result := &coaching.DetectionResult{SpouseMentioned: true, SpouseQuote: "my wife"}
	det.On("Detect", mock.Anything, mock.Anything).Return(result, nil).Once()

	s, stream := h.start()
	for i := 0; i < 6; i++ {
		h.say(stream, "1", "this is a reasonably long line of conversation text", time.Duration(i)*time.Second)
	}
	s.End(context.Background(), ReasonClientEnded)

	det.AssertExpectations(t)
	req := det.Calls[0].Arguments.Get(1).(coaching.DetectionRequest)
	assert.NotNil(t, req.Manifesto)
	require.Len(t, h.store.detections, 1)
	assert.Same(t, result, h.store.detections[0])
}

func TestEndSkipsDetectionForShortTranscripts(t *testing.T) {
	h := newHarness(t)
	det := new(mockDetector)
	h.deps.Detector = det

	s, stream := h.start()
	h.say(stream, "0", "Hi.", time.Second)
	s.End(context.Background(), ReasonClientEnded)

	det.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything)
}

func TestDetectionFailureDoesNotBlockCompletion(t *testing.T) {
	h := newHarness(t)
	det := new(mockDetector)
	h.deps.Detector = det
	det.On("Detect", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	s, stream := h.start()
	h.say(stream, "1", strings.Repeat("long text ", 30), time.Second)
	s.End(context.Background(), ReasonClientEnded)

	assert.Len(t, h.store.completions, 1)
	assert.Empty(t, h.store.detections)
}

func TestChunksAfterEndAreIgnored(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()
	h.say(stream, "0", "Hello.", time.Second)
	s.End(context.Background(), ReasonClientEnded)

	h.say(stream, "1", "Late result.", 2*time.Second)
	assert.Equal(t, "Closer: Hello.", s.Transcript())
	assert.Len(t, h.store.segments, 1)
}

func TestEventsArePublishedInOrder(t *testing.T) {
	h := newHarness(t)
	s, stream := h.start()
	h.say(stream, "0", "Hello.", time.Second)
	s.End(context.Background(), ReasonClientEnded)

	types := h.sink.Types()
	require.GreaterOrEqual(t, len(types), 5)
	assert.Equal(t, coaching.EventStatus, types[0])
	assert.Equal(t, coaching.EventStatus, types[1])
	assert.Equal(t, coaching.EventTranscript, types[2])
	assert.Equal(t, coaching.EventCompleted, types[len(types)-1])
}
