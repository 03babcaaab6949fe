package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/config"
	"callcoach-server/pkg/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/sirupsen/logrus"
)

const amazonDrainTimeout = 5 * time.Second

// AmazonTranscribeBackend streams audio to Amazon Transcribe with speaker
// labels enabled.
type AmazonTranscribeBackend struct {
	logger   *logrus.Logger
	client   *transcribestreaming.Client
	config   config.AmazonSTTConfig
	language string
}

// NewAmazonBackend loads AWS credentials and creates the streaming client.
func NewAmazonBackend(ctx context.Context, cfg config.AmazonSTTConfig, language string, logger *logrus.Logger) (*AmazonTranscribeBackend, error) {
	awsCfg, err := config.LoadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"region":     cfg.Region,
		"vocabulary": cfg.VocabularyName,
	}).Info("Amazon Transcribe backend initialized")

	return &AmazonTranscribeBackend{
		logger:   logger,
		client:   transcribestreaming.NewFromConfig(awsCfg),
		config:   cfg,
		language: language,
	}, nil
}

// Name returns the provider name
func (b *AmazonTranscribeBackend) Name() string {
	return "amazon"
}

// Open starts a StartStreamTranscription event stream.
func (b *AmazonTranscribeBackend) Open(ctx context.Context, sc StreamConfig, handler Handler) (Stream, error) {
	input := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(firstNonEmpty(sc.Language, b.language)),
		MediaSampleRateHertz: aws.Int32(int32(sc.SampleRate)),
		MediaEncoding:        types.MediaEncodingPcm,
		ShowSpeakerLabel:     true,
	}
	if b.config.VocabularyName != "" {
		input.VocabularyName = aws.String(b.config.VocabularyName)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	resp, err := b.client.StartStreamTranscription(streamCtx, input)
	if err != nil {
		cancel()
		metrics.RecordSTTSession(b.Name(), "error")
		return nil, fmt.Errorf("failed to start transcription stream: %w", err)
	}
	metrics.RecordSTTSession(b.Name(), "ok")

	s := &amazonStream{
		ctx:        streamCtx,
		cancel:     cancel,
		events:     resp.GetStream(),
		handler:    handler,
		readerDone: make(chan struct{}),
		logger: b.logger.WithFields(logrus.Fields{
			"call_id":  sc.CallID,
			"provider": b.Name(),
		}),
	}
	s.pump = newAudioPump(256, s.writeAudio, s.finish)

	go s.readLoop()

	s.logger.Info("Amazon Transcribe stream established")
	return s, nil
}

type amazonStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	events  *transcribestreaming.StartStreamTranscriptionEventStream
	handler Handler
	logger  *logrus.Entry
	pump    *audioPump

	readerDone chan struct{}
	closeOnce  sync.Once
}

func (s *amazonStream) SendAudio(pcm []byte) error {
	return s.pump.push(pcm)
}

func (s *amazonStream) writeAudio(pcm []byte) error {
	event := &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: pcm},
	}
	if err := s.events.Send(s.ctx, event); err != nil {
		s.logger.WithError(err).Error("Failed to send audio to Amazon Transcribe")
		s.handler.OnError(fmt.Errorf("failed to send audio data: %w", err))
		return err
	}
	return nil
}

// finish closes the writer side; Transcribe then flushes and ends the
// result stream.
func (s *amazonStream) finish() {
	if err := s.events.Writer.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close audio writer")
	}

	select {
	case <-s.readerDone:
	case <-time.After(amazonDrainTimeout):
		s.logger.Warn("Timed out waiting for final Amazon Transcribe results")
	}

	if err := s.events.Close(); err != nil {
		s.logger.WithError(err).Debug("Failed to close stream")
	}
	s.cancel()
}

func (s *amazonStream) Close() error {
	s.closeOnce.Do(s.pump.close)
	return nil
}

func (s *amazonStream) readLoop() {
	defer close(s.readerDone)

	for event := range s.events.Events() {
		switch v := event.(type) {
		case *types.TranscriptResultStreamMemberTranscriptEvent:
			for _, chunk := range amazonChunks(v.Value) {
				s.handler.OnChunk(chunk)
			}
		default:
			s.logger.WithField("event_type", fmt.Sprintf("%T", v)).Debug("Unknown transcription event type")
		}
	}

	if err := s.events.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.WithError(err).Error("Amazon Transcribe stream error")
		metrics.RecordSTTError("amazon")
		s.handler.OnError(err)
	}
}

// amazonChunks converts each non-empty result. The speaker is the label
// carried by most items.
func amazonChunks(event types.TranscriptEvent) []coaching.TranscriptChunk {
	if event.Transcript == nil {
		return nil
	}

	var chunks []coaching.TranscriptChunk
	for _, result := range event.Transcript.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		if alt.Transcript == nil {
			continue
		}
		text := strings.TrimSpace(*alt.Transcript)
		if text == "" {
			continue
		}

		votes := make(map[string]int)
		speaker, bestVotes := "0", 0
		for _, item := range alt.Items {
			if item.Speaker == nil {
				continue
			}
			votes[*item.Speaker]++
			if v := votes[*item.Speaker]; v > bestVotes {
				speaker, bestVotes = *item.Speaker, v
			}
		}

		chunks = append(chunks, coaching.TranscriptChunk{
			SpeakerID:      speaker,
			Text:           text,
			IsFinal:        !result.IsPartial,
			AudioTimestamp: result.StartTime,
		})
	}
	return chunks
}
