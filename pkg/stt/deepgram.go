package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/metrics"
	"callcoach-server/pkg/version"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	deepgramWriteTimeout = 10 * time.Second
	deepgramDrainTimeout = 5 * time.Second
	deepgramKeepAlive    = 8 * time.Second
)

// DeepgramBackend streams audio to Deepgram's live WebSocket API with
// diarization enabled.
type DeepgramBackend struct {
	logger   *logrus.Logger
	config   config.DeepgramSTTConfig
	language string
	dialer   *websocket.Dialer
}

// DeepgramWebSocketResponse is a live "Results" message.
type DeepgramWebSocketResponse struct {
	Type        string  `json:"type"`
	Duration    float64 `json:"duration"`
	Start       float64 `json:"start"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word    string  `json:"word"`
				Start   float64 `json:"start"`
				End     float64 `json:"end"`
				Speaker *int    `json:"speaker,omitempty"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// NewDeepgramBackend validates cfg and returns a backend.
func NewDeepgramBackend(cfg config.DeepgramSTTConfig, language string, logger *logrus.Logger) (*DeepgramBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: DEEPGRAM_API_KEY", ErrMissingCredential)
	}
	if _, err := url.Parse(cfg.APIURL); err != nil {
		return nil, fmt.Errorf("invalid Deepgram URL: %w", err)
	}
	return &DeepgramBackend{
		logger:   logger,
		config:   cfg,
		language: language,
		dialer:   websocket.DefaultDialer,
	}, nil
}

// Name returns the provider name
func (b *DeepgramBackend) Name() string {
	return "deepgram"
}

func (b *DeepgramBackend) buildQueryParams(sc StreamConfig) url.Values {
	query := url.Values{}
	query.Set("model", b.config.Model)
	query.Set("language", firstNonEmpty(sc.Language, b.language))
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(sc.SampleRate))
	query.Set("channels", "1")
	query.Set("diarize", "true")
	query.Set("interim_results", "true")
	query.Set("punctuate", strconv.FormatBool(b.config.Punctuate))
	query.Set("smart_format", strconv.FormatBool(b.config.SmartFormat))
	return query
}

// Open dials Deepgram and starts the reader and writer goroutines.
func (b *DeepgramBackend) Open(ctx context.Context, sc StreamConfig, handler Handler) (Stream, error) {
	wsURL, err := url.Parse(b.config.APIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid WebSocket URL: %w", err)
	}
	wsURL.RawQuery = b.buildQueryParams(sc).Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.config.APIKey)
	headers.Set("User-Agent", version.UserAgent())

	conn, _, err := b.dialer.DialContext(ctx, wsURL.String(), headers)
	if err != nil {
		metrics.RecordSTTSession(b.Name(), "error")
		return nil, fmt.Errorf("failed to dial Deepgram: %w", err)
	}
	metrics.RecordSTTSession(b.Name(), "ok")

	s := &deepgramStream{
		conn:       conn,
		handler:    handler,
		readerDone: make(chan struct{}),
		stopKeep:   make(chan struct{}),
		logger: b.logger.WithFields(logrus.Fields{
			"call_id":  sc.CallID,
			"provider": b.Name(),
		}),
	}
	s.pump = newAudioPump(256, s.writeAudio, s.finish)

	go s.readLoop()
	go s.keepAlive()

	s.logger.Info("Deepgram stream established")
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	handler Handler
	logger  *logrus.Entry
	pump    *audioPump

	writeMu    sync.Mutex
	readerDone chan struct{}
	stopKeep   chan struct{}
	closeOnce  sync.Once
}

func (s *deepgramStream) SendAudio(pcm []byte) error {
	return s.pump.push(pcm)
}

func (s *deepgramStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *deepgramStream) writeAudio(pcm []byte) error {
	if err := s.write(websocket.BinaryMessage, pcm); err != nil {
		s.logger.WithError(err).Error("Failed to send audio to Deepgram")
		s.handler.OnError(fmt.Errorf("failed to send audio data: %w", err))
		return err
	}
	return nil
}

// finish asks Deepgram to flush and waits for the server to close.
func (s *deepgramStream) finish() {
	close(s.stopKeep)
	if err := s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.logger.WithError(err).Debug("Failed to send CloseStream")
	}

	select {
	case <-s.readerDone:
	case <-time.After(deepgramDrainTimeout):
		s.logger.Warn("Timed out waiting for final Deepgram results")
	}

	s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.conn.Close()
}

func (s *deepgramStream) Close() error {
	s.closeOnce.Do(s.pump.close)
	return nil
}

// keepAlive stops Deepgram from timing out during long silences.
func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopKeep:
			return
		case <-s.readerDone:
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				s.logger.WithError(err).Debug("Deepgram keepalive failed")
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.readerDone)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				s.logger.WithError(err).Error("Deepgram read error")
				metrics.RecordSTTError("deepgram")
				s.handler.OnError(err)
			}
			return
		}

		var response DeepgramWebSocketResponse
		if err := json.Unmarshal(message, &response); err != nil {
			s.logger.WithError(err).Warn("Failed to parse Deepgram message")
			continue
		}

		if response.Type != "Results" {
			s.logger.WithField("type", response.Type).Debug("Ignoring Deepgram message")
			continue
		}

		if chunk, ok := deepgramChunk(&response); ok {
			s.handler.OnChunk(chunk)
		}
	}
}

// deepgramChunk converts a Results message. The speaker is the one
// attributed to most words in the alternative.
func deepgramChunk(r *DeepgramWebSocketResponse) (coaching.TranscriptChunk, bool) {
	if len(r.Channel.Alternatives) == 0 {
		return coaching.TranscriptChunk{}, false
	}
	alt := r.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return coaching.TranscriptChunk{}, false
	}

	votes := make(map[int]int)
	best, bestVotes := 0, 0
	for _, w := range alt.Words {
		if w.Speaker == nil {
			continue
		}
		votes[*w.Speaker]++
		if v := votes[*w.Speaker]; v > bestVotes {
			best, bestVotes = *w.Speaker, v
		}
	}

	return coaching.TranscriptChunk{
		SpeakerID:      strconv.Itoa(best),
		Text:           text,
		IsFinal:        r.IsFinal,
		AudioTimestamp: r.Start,
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
