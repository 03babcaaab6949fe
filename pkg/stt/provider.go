package stt

import (
	"context"

	"callcoach-server/pkg/coaching"
)

// StreamConfig describes the audio a stream will receive.
type StreamConfig struct {
	CallID     string
	SampleRate int
	Language   string
}

// Handler receives backend results. Calls for one stream are serialized and
// arrive in backend order.
type Handler interface {
	OnChunk(chunk coaching.TranscriptChunk)
	OnError(err error)
}

// Stream is an open bidirectional transcription session.
type Stream interface {
	// SendAudio forwards mono 16-bit PCM. Audio is never reordered or
	// dropped; the call blocks when the backend falls behind.
	SendAudio(pcm []byte) error

	// Close flushes pending audio, waits briefly for trailing results and
	// releases the connection. It is safe to call more than once.
	Close() error
}

// Backend opens transcription streams.
type Backend interface {
	Name() string
	Open(ctx context.Context, cfg StreamConfig, handler Handler) (Stream, error)
}
