package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

const wavHeaderSize = 44

// WAVWriter writes 16-bit PCM into a WAV container on a seekable sink.
type WAVWriter struct {
	w            io.WriteSeeker
	sampleRate   int
	channels     int
	bytesWritten uint32
	finalized    bool
	mu           sync.Mutex
}

// NewWAVWriter writes a placeholder header and returns a writer positioned
// at the start of the data chunk.
func NewWAVWriter(w io.WriteSeeker, sampleRate, channels int) (*WAVWriter, error) {
	if w == nil {
		return nil, fmt.Errorf("nil sink provided for WAV writer")
	}
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}

	writer := &WAVWriter{
		w:          w,
		sampleRate: sampleRate,
		channels:   channels,
	}
	if err := writer.writeHeaderLocked(); err != nil {
		return nil, err
	}
	return writer, nil
}

// Write appends PCM samples.
func (w *WAVWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return 0, fmt.Errorf("write after WAV finalization")
	}

	n, err := w.w.Write(p)
	w.bytesWritten += uint32(n)
	return n, err
}

// DataSize returns the number of PCM bytes written so far.
func (w *WAVWriter) DataSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.bytesWritten)
}

// Finalize patches the RIFF and data chunk sizes. Calling it again is a no-op.
func (w *WAVWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return nil
	}
	if err := w.updateSizesLocked(); err != nil {
		return err
	}
	w.finalized = true
	return nil
}

func (w *WAVWriter) writeHeaderLocked() error {
	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.w.Write(EncodeWAVHeader(w.sampleRate, w.channels, 0)); err != nil {
		return err
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}

func (w *WAVWriter) updateSizesLocked() error {
	if _, err := w.w.Seek(4, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, w.bytesWritten+36); err != nil {
		return err
	}
	if _, err := w.w.Seek(40, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, w.bytesWritten); err != nil {
		return err
	}
	_, err := w.w.Seek(0, io.SeekEnd)
	return err
}

// EncodeWAVHeader builds a canonical 44-byte PCM WAV header.
func EncodeWAVHeader(sampleRate, channels int, dataSize uint32) []byte {
	header := make([]byte, wavHeaderSize)

	copy(header[0:], "RIFF")
	binary.LittleEndian.PutUint32(header[4:], 36+dataSize)
	copy(header[8:], "WAVE")
	copy(header[12:], "fmt ")
	binary.LittleEndian.PutUint32(header[16:], 16)
	binary.LittleEndian.PutUint16(header[20:], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:], uint32(sampleRate*channels*BytesPerSample))
	binary.LittleEndian.PutUint16(header[32:], uint16(channels*BytesPerSample))
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], "data")
	binary.LittleEndian.PutUint32(header[40:], dataSize)

	return header
}
