package stt

import (
	"context"
	"errors"
	"testing"
	"time"

	"callcoach-server/pkg/coaching"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBackendInterface(t *testing.T) {
	var _ Backend = (*MockBackend)(nil)
	var _ Stream = (*MockStream)(nil)
}

func TestMockStreamRecordsAudio(t *testing.T) {
	backend := NewSilentMockBackend(logrus.New())
	handler := newRecordingHandler()

	stream, err := backend.Open(context.Background(), StreamConfig{CallID: "call-1", SampleRate: 16000}, handler)
	require.NoError(t, err)

	require.NoError(t, stream.SendAudio([]byte{1, 2}))
	require.NoError(t, stream.SendAudio([]byte{3, 4}))

	ms := backend.Last()
	require.NotNil(t, ms)
	assert.Equal(t, []byte{1, 2, 3, 4}, ms.Sent())
	assert.Equal(t, "call-1", ms.Config().CallID)
	assert.Empty(t, handler.Chunks())

	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	assert.True(t, ms.Closed())
	assert.Equal(t, 2, ms.CloseCount())
	assert.ErrorIs(t, stream.SendAudio([]byte{5, 6}), ErrStreamClosed)
}

func TestMockStreamEmitAndFail(t *testing.T) {
	backend := NewSilentMockBackend(logrus.New())
	handler := newRecordingHandler()

	_, err := backend.Open(context.Background(), StreamConfig{CallID: "call-1", SampleRate: 8000}, handler)
	require.NoError(t, err)

	ms := backend.Last()
	ms.Emit(coaching.TranscriptChunk{SpeakerID: "0", Text: "hello", IsFinal: true})
	ms.Fail(errors.New("backend went away"))

	require.Len(t, handler.Chunks(), 1)
	assert.Equal(t, "hello", handler.Chunks()[0].Text)
	require.Len(t, handler.Errors(), 1)
}

func TestMockBackendReplaysScript(t *testing.T) {
	backend := NewMockBackend(logrus.New())
	backend.Script = []coaching.TranscriptChunk{
		{SpeakerID: "0", Text: "first"},
		{SpeakerID: "1", Text: "second"},
	}
	backend.ScriptInterval = time.Second
	handler := newRecordingHandler()

	stream, err := backend.Open(context.Background(), StreamConfig{CallID: "call-1", SampleRate: 8000}, handler)
	require.NoError(t, err)

	// One second of mono 16-bit audio at 8kHz.
	second := make([]byte, 16000)
	require.NoError(t, stream.SendAudio(second[:8000]))
	assert.Empty(t, handler.Chunks())

	require.NoError(t, stream.SendAudio(second[8000:]))
	require.NoError(t, stream.SendAudio(second))
	require.NoError(t, stream.SendAudio(second))

	chunks := handler.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, "first", chunks[0].Text)
	assert.True(t, chunks[0].IsFinal)
	assert.InDelta(t, 1.0, chunks[0].AudioTimestamp, 0.001)
	assert.Equal(t, "1", chunks[1].SpeakerID)
	assert.InDelta(t, 2.0, chunks[1].AudioTimestamp, 0.001)
}

func TestMockBackendOpenError(t *testing.T) {
	backend := NewSilentMockBackend(logrus.New())
	backend.OpenErr = errors.New("quota exceeded")

	stream, err := backend.Open(context.Background(), StreamConfig{CallID: "call-1"}, newRecordingHandler())
	assert.Error(t, err)
	assert.Nil(t, stream)
	assert.Nil(t, backend.Last())
}
