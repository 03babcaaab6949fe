package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	metrics.EnableMetrics(false)
}

// recordingHandler collects everything a stream delivers.
type recordingHandler struct {
	mu     sync.Mutex
	chunks []coaching.TranscriptChunk
	errs   []error
	notify chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 64)}
}

func (h *recordingHandler) OnChunk(chunk coaching.TranscriptChunk) {
	h.mu.Lock()
	h.chunks = append(h.chunks, chunk)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) Chunks() []coaching.TranscriptChunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]coaching.TranscriptChunk(nil), h.chunks...)
}

func (h *recordingHandler) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler callback")
	}
}

func TestNewBackendSelectsProvider(t *testing.T) {
	logger := logrus.New()

	backend, err := NewBackend(context.Background(), config.STTConfig{Provider: "mock"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "mock", backend.Name())

	backend, err = NewBackend(context.Background(), config.STTConfig{Provider: "google"}, logger)
	require.NoError(t, err)
	assert.Equal(t, "google", backend.Name())

	backend, err = NewBackend(context.Background(), config.STTConfig{
		Provider: "deepgram",
		Deepgram: config.DeepgramSTTConfig{APIKey: "key", APIURL: "wss://example.test/v1/listen"},
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, "deepgram", backend.Name())
}

func TestNewBackendErrors(t *testing.T) {
	logger := logrus.New()

	backend, err := NewBackend(context.Background(), config.STTConfig{Provider: "whisper"}, logger)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Nil(t, backend)

	backend, err = NewBackend(context.Background(), config.STTConfig{Provider: "deepgram"}, logger)
	assert.ErrorIs(t, err, ErrMissingCredential)
	assert.Nil(t, backend)
}

func TestAudioPumpPreservesOrder(t *testing.T) {
	var (
		mu       sync.Mutex
		got      [][]byte
		finished bool
	)
	p := newAudioPump(1, func(pcm []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, pcm)
		return nil
	}, func() {
		mu.Lock()
		defer mu.Unlock()
		finished = true
	})

	buf := make([]byte, 2)
	for i := 0; i < 50; i++ {
		buf[0], buf[1] = byte(i), byte(i)
		require.NoError(t, p.push(buf))
	}
	p.close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, pcm := range got {
		assert.Equal(t, []byte{byte(i), byte(i)}, pcm, "chunk %d out of order or aliased", i)
	}
	assert.True(t, finished)
}

func TestAudioPumpAfterClose(t *testing.T) {
	p := newAudioPump(4, func([]byte) error { return nil }, func() {})
	p.close()
	p.close()

	assert.ErrorIs(t, p.push([]byte{1, 2}), ErrStreamClosed)
	assert.NoError(t, p.push(nil))
}

func TestAudioPumpReportsSendFailure(t *testing.T) {
	sendErr := errors.New("broken pipe")
	attempts := 0
	p := newAudioPump(4, func([]byte) error {
		attempts++
		return sendErr
	}, func() {})

	require.NoError(t, p.push([]byte{1, 2}))
	assert.Eventually(t, func() bool {
		return errors.Is(p.push([]byte{3, 4}), sendErr)
	}, time.Second, 5*time.Millisecond)

	p.close()
	assert.Equal(t, 1, attempts)
}
