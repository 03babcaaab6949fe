package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"callcoach-server/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepgramChunkPicksMajoritySpeaker(t *testing.T) {
	var resp DeepgramWebSocketResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "Results",
		"start": 12.5,
		"duration": 2.1,
		"is_final": true,
		"channel": {"alternatives": [{
			"transcript": " I need to talk to my wife ",
			"words": [
				{"word": "i", "speaker": 1},
				{"word": "need", "speaker": 1},
				{"word": "to", "speaker": 0},
				{"word": "talk", "speaker": 1}
			]
		}]}
	}`), &resp))

	chunk, ok := deepgramChunk(&resp)
	require.True(t, ok)
	assert.Equal(t, "1", chunk.SpeakerID)
	assert.Equal(t, "I need to talk to my wife", chunk.Text)
	assert.True(t, chunk.IsFinal)
	assert.Equal(t, 12.5, chunk.AudioTimestamp)
}

func TestDeepgramChunkSkipsEmpty(t *testing.T) {
	resp := &DeepgramWebSocketResponse{Type: "Results"}
	_, ok := deepgramChunk(resp)
	assert.False(t, ok)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"  "}]}}`), resp))
	_, ok = deepgramChunk(resp)
	assert.False(t, ok)
}

func TestDeepgramChunkWithoutDiarization(t *testing.T) {
	var resp DeepgramWebSocketResponse
	require.NoError(t, json.Unmarshal([]byte(`{"type":"Results","channel":{"alternatives":[{"transcript":"hello","words":[{"word":"hello"}]}]}}`), &resp))

	chunk, ok := deepgramChunk(&resp)
	require.True(t, ok)
	assert.Equal(t, "0", chunk.SpeakerID)
	assert.False(t, chunk.IsFinal)
}

func TestDeepgramBuildQueryParams(t *testing.T) {
	backend, err := NewDeepgramBackend(config.DeepgramSTTConfig{
		APIKey:    "key",
		APIURL:    "wss://example.test/v1/listen",
		Model:     "nova-2",
		Punctuate: true,
	}, "en-US", logrus.New())
	require.NoError(t, err)

	query := backend.buildQueryParams(StreamConfig{SampleRate: 16000})
	assert.Equal(t, "linear16", query.Get("encoding"))
	assert.Equal(t, "16000", query.Get("sample_rate"))
	assert.Equal(t, "1", query.Get("channels"))
	assert.Equal(t, "true", query.Get("diarize"))
	assert.Equal(t, "true", query.Get("interim_results"))
	assert.Equal(t, "en-US", query.Get("language"))
	assert.Equal(t, "false", query.Get("smart_format"))

	query = backend.buildQueryParams(StreamConfig{SampleRate: 8000, Language: "es"})
	assert.Equal(t, "es", query.Get("language"))
}

// fakeDeepgram answers the first audio frame with one Results message and
// closes cleanly on CloseStream.
type fakeDeepgram struct {
	mu         sync.Mutex
	authHeader string
	query      map[string]string
	audio      []byte
	closeSeen  bool
}

func (f *fakeDeepgram) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.authHeader = r.Header.Get("Authorization")
	f.query = map[string]string{
		"diarize":     r.URL.Query().Get("diarize"),
		"sample_rate": r.URL.Query().Get("sample_rate"),
	}
	f.mu.Unlock()

	answered := false
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if messageType == websocket.BinaryMessage {
			f.mu.Lock()
			f.audio = append(f.audio, data...)
			f.mu.Unlock()

			if !answered {
				answered = true
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
				conn.WriteMessage(websocket.TextMessage, []byte(`{
					"type": "Results", "start": 0.5, "is_final": true,
					"channel": {"alternatives": [{"transcript": "hello there",
						"words": [{"word": "hello", "speaker": 0}, {"word": "there", "speaker": 0}]}]}
				}`))
			}
			continue
		}

		if strings.Contains(string(data), "CloseStream") {
			f.mu.Lock()
			f.closeSeen = true
			f.mu.Unlock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func TestDeepgramStreamRoundTrip(t *testing.T) {
	fake := &fakeDeepgram{}
	server := httptest.NewServer(http.HandlerFunc(fake.handle))
	defer server.Close()

	backend, err := NewDeepgramBackend(config.DeepgramSTTConfig{
		APIKey: "secret",
		APIURL: "ws" + strings.TrimPrefix(server.URL, "http"),
		Model:  "nova-2",
	}, "en-US", logrus.New())
	require.NoError(t, err)

	handler := newRecordingHandler()
	stream, err := backend.Open(context.Background(), StreamConfig{CallID: "call-1", SampleRate: 16000}, handler)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, stream.SendAudio([]byte{byte(i), byte(i)}))
	}

	handler.wait(t)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	chunks := handler.Chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello there", chunks[0].Text)
	assert.Equal(t, "0", chunks[0].SpeakerID)
	assert.Equal(t, 0.5, chunks[0].AudioTimestamp)
	assert.Empty(t, handler.Errors())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "Token secret", fake.authHeader)
	assert.Equal(t, "true", fake.query["diarize"])
	assert.Equal(t, "16000", fake.query["sample_rate"])
	assert.True(t, fake.closeSeen)

	expected := make([]byte, 0, 20)
	for i := 0; i < 10; i++ {
		expected = append(expected, byte(i), byte(i))
	}
	assert.Equal(t, expected, fake.audio)

	assert.ErrorIs(t, stream.SendAudio([]byte{1, 2}), ErrStreamClosed)
}

func TestDeepgramOpenFailsWhenUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	backend, err := NewDeepgramBackend(config.DeepgramSTTConfig{APIKey: "k", APIURL: url}, "en-US", logrus.New())
	require.NoError(t, err)

	stream, err := backend.Open(context.Background(), StreamConfig{CallID: "call-1", SampleRate: 16000}, newRecordingHandler())
	assert.Error(t, err)
	assert.Nil(t, stream)
}
