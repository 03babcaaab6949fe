package audio

import (
	"sync/atomic"

	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

const (
	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2

	stereoFrameBytes = 2 * BytesPerSample
)

// Framer down-mixes interleaved little-endian 16-bit stereo PCM into mono.
// It keeps no audio state between calls; the counter only throttles logging.
type Framer struct {
	logger   *logrus.Logger
	logEvery uint64
	calls    atomic.Uint64
}

// NewFramer returns a framer that logs at debug level every logEvery calls.
// A zero logEvery disables the sampled log line.
func NewFramer(logger *logrus.Logger, logEvery uint64) *Framer {
	return &Framer{logger: logger, logEvery: logEvery}
}

// Frame converts one stereo chunk to mono. See StereoToMono.
func (f *Framer) Frame(stereo []byte) []byte {
	mono := StereoToMono(stereo)

	metrics.RecordAudioFramed(len(stereo))
	n := f.calls.Add(1)
	if f.logger != nil && f.logEvery > 0 && n%f.logEvery == 0 {
		f.logger.WithFields(logrus.Fields{
			"invocation":   n,
			"stereo_bytes": len(stereo),
			"mono_bytes":   len(mono),
		}).Debug("Framed audio chunk")
	}

	return mono
}

// StereoToMono averages each left/right sample pair, rounding halves up.
// Output length is floor(len(stereo)/4)*2; a trailing incomplete pair is dropped.
func StereoToMono(stereo []byte) []byte {
	frames := len(stereo) / stereoFrameBytes
	mono := make([]byte, frames*BytesPerSample)

	for i := 0; i < frames; i++ {
		off := i * stereoFrameBytes
		left := int32(int16(uint16(stereo[off]) | uint16(stereo[off+1])<<8))
		right := int32(int16(uint16(stereo[off+2]) | uint16(stereo[off+3])<<8))

		// Arithmetic shift floors, so (sum+1)>>1 rounds x.5 towards +inf.
		sample := int16((left + right + 1) >> 1)

		mono[2*i] = byte(sample)
		mono[2*i+1] = byte(uint16(sample) >> 8)
	}

	return mono
}
