package stt

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/metrics"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const googleDrainTimeout = 5 * time.Second

// GoogleBackend streams audio to Google Speech-to-Text with diarization.
// The client is created lazily on the first Open.
type GoogleBackend struct {
	logger   *logrus.Logger
	config   config.GoogleSTTConfig
	language string

	mu     sync.Mutex
	client *speech.Client
}

// NewGoogleBackend creates a new Google Speech-to-Text backend
func NewGoogleBackend(cfg config.GoogleSTTConfig, language string, logger *logrus.Logger) *GoogleBackend {
	return &GoogleBackend{
		logger:   logger,
		config:   cfg,
		language: language,
	}
}

// Name returns the provider name
func (b *GoogleBackend) Name() string {
	return "google"
}

func (b *GoogleBackend) getClient(ctx context.Context) (*speech.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	var clientOptions []option.ClientOption
	if b.config.APIKey != "" {
		clientOptions = append(clientOptions, option.WithAPIKey(b.config.APIKey))
		b.logger.Debug("Using Google STT API key authentication")
	} else if b.config.CredentialsFile != "" {
		clientOptions = append(clientOptions, option.WithCredentialsFile(b.config.CredentialsFile))
		b.logger.WithField("credentials_file", b.config.CredentialsFile).Debug("Using Google STT credentials file")
	}

	client, err := speech.NewClient(context.WithoutCancel(ctx), clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}
	b.client = client
	return client, nil
}

// Close releases the shared client.
func (b *GoogleBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *GoogleBackend) streamingConfig(sc StreamConfig) *speechpb.StreamingRecognitionConfig {
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:            int32(sc.SampleRate),
			LanguageCode:               firstNonEmpty(sc.Language, b.language),
			Model:                      b.config.Model,
			EnableAutomaticPunctuation: true,
			DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
				EnableSpeakerDiarization: true,
				MinSpeakerCount:          2,
				MaxSpeakerCount:          2,
			},
		},
		InterimResults: true,
	}
}

// Open starts a StreamingRecognize call and sends the config message.
func (b *GoogleBackend) Open(ctx context.Context, sc StreamConfig, handler Handler) (Stream, error) {
	client, err := b.getClient(ctx)
	if err != nil {
		metrics.RecordSTTSession(b.Name(), "error")
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		metrics.RecordSTTSession(b.Name(), "error")
		return nil, fmt.Errorf("failed to start Google Speech-to-Text stream: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: b.streamingConfig(sc),
		},
	}); err != nil {
		cancel()
		metrics.RecordSTTSession(b.Name(), "error")
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}
	metrics.RecordSTTSession(b.Name(), "ok")

	s := &googleStream{
		ctx:        streamCtx,
		cancel:     cancel,
		stream:     stream,
		handler:    handler,
		readerDone: make(chan struct{}),
		logger: b.logger.WithFields(logrus.Fields{
			"call_id":  sc.CallID,
			"provider": b.Name(),
		}),
	}
	s.pump = newAudioPump(256, s.writeAudio, s.finish)

	go s.readLoop()

	s.logger.Info("Google Speech-to-Text stream established")
	return s, nil
}

type googleStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	stream  speechpb.Speech_StreamingRecognizeClient
	handler Handler
	logger  *logrus.Entry
	pump    *audioPump

	readerDone chan struct{}
	closeOnce  sync.Once
}

func (s *googleStream) SendAudio(pcm []byte) error {
	return s.pump.push(pcm)
}

func (s *googleStream) writeAudio(pcm []byte) error {
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	}); err != nil {
		s.logger.WithError(err).Error("Failed to send audio content to Google Speech-to-Text")
		s.handler.OnError(fmt.Errorf("failed to send audio data: %w", err))
		return err
	}
	return nil
}

func (s *googleStream) finish() {
	if err := s.stream.CloseSend(); err != nil {
		s.logger.WithError(err).Debug("Failed to close send direction")
	}

	select {
	case <-s.readerDone:
	case <-time.After(googleDrainTimeout):
		s.logger.Warn("Timed out waiting for final Google results")
	}
	s.cancel()
}

func (s *googleStream) Close() error {
	s.closeOnce.Do(s.pump.close)
	return nil
}

func (s *googleStream) readLoop() {
	defer close(s.readerDone)

	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.WithError(err).Error("Error receiving streaming response")
				metrics.RecordSTTError("google")
				s.handler.OnError(err)
			}
			return
		}

		for _, chunk := range googleChunks(resp) {
			s.handler.OnChunk(chunk)
		}
	}
}

// googleChunks converts each result's top alternative. Speaker tags are only
// populated on final results; interim results fall back to tag 0.
func googleChunks(resp *speechpb.StreamingRecognizeResponse) []coaching.TranscriptChunk {
	var chunks []coaching.TranscriptChunk
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		text := strings.TrimSpace(alts[0].GetTranscript())
		if text == "" {
			continue
		}

		votes := make(map[int32]int)
		var speaker int32
		bestVotes := 0
		for _, w := range alts[0].GetWords() {
			if w.GetSpeakerTag() == 0 {
				continue
			}
			votes[w.GetSpeakerTag()]++
			if v := votes[w.GetSpeakerTag()]; v > bestVotes {
				speaker, bestVotes = w.GetSpeakerTag(), v
			}
		}

		var start float64
		if words := alts[0].GetWords(); len(words) > 0 && words[0].GetStartTime() != nil {
			start = words[0].GetStartTime().AsDuration().Seconds()
		} else if result.GetResultEndTime() != nil {
			start = result.GetResultEndTime().AsDuration().Seconds()
		}

		chunks = append(chunks, coaching.TranscriptChunk{
			SpeakerID:      strconv.Itoa(int(speaker)),
			Text:           text,
			IsFinal:        result.GetIsFinal(),
			AudioTimestamp: start,
		})
	}
	return chunks
}
