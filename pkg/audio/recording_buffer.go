package audio

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RecordingBuffer accumulates a call's mono PCM in a temporary WAV file so
// memory use stays flat regardless of call length.
type RecordingBuffer struct {
	mu         sync.Mutex
	file       *os.File
	writer     *WAVWriter
	sampleRate int
	sealed     bool
	removed    bool
}

// NewRecordingBuffer creates the spill file for callID inside dir.
func NewRecordingBuffer(dir, callID string, sampleRate int) (*RecordingBuffer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	file, err := os.CreateTemp(dir, fmt.Sprintf("call-%s-*.wav", callID))
	if err != nil {
		return nil, fmt.Errorf("failed to create spill file: %w", err)
	}

	writer, err := NewWAVWriter(file, sampleRate, 1)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &RecordingBuffer{
		file:       file,
		writer:     writer,
		sampleRate: sampleRate,
	}, nil
}

// Append writes mono PCM to the spill file.
func (b *RecordingBuffer) Append(mono []byte) error {
	if len(mono) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return fmt.Errorf("recording already sealed")
	}
	_, err := b.writer.Write(mono)
	return err
}

// Path returns the spill file location.
func (b *RecordingBuffer) Path() string {
	return b.file.Name()
}

// SampleRate returns the rate the recording is declared at.
func (b *RecordingBuffer) SampleRate() int {
	return b.sampleRate
}

// Size returns the PCM payload size, excluding the WAV header.
func (b *RecordingBuffer) Size() int64 {
	return b.writer.DataSize()
}

// Duration returns the audio length implied by the PCM payload.
func (b *RecordingBuffer) Duration() time.Duration {
	if b.sampleRate <= 0 {
		return 0
	}
	samples := b.Size() / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(b.sampleRate)
}

// Seal finalizes the WAV header and closes the file for writing.
// Later Appends fail; Seal itself may be called repeatedly.
func (b *RecordingBuffer) Seal() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return nil
	}
	b.sealed = true

	if err := b.writer.Finalize(); err != nil {
		b.file.Close()
		return fmt.Errorf("failed to finalize WAV header: %w", err)
	}
	return b.file.Close()
}

// Open seals the recording and returns a reader over the complete WAV file
// along with its total size in bytes.
func (b *RecordingBuffer) Open() (io.ReadCloser, int64, error) {
	if err := b.Seal(); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(b.file.Name())
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Remove seals and deletes the spill file.
func (b *RecordingBuffer) Remove() error {
	_ = b.Seal()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removed {
		return nil
	}
	b.removed = true

	if err := os.Remove(b.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
