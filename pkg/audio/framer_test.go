package audio

import (
	"encoding/binary"
	"testing"

	"callcoach-server/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	metrics.EnableMetrics(false)
}

func stereo(pairs ...[2]int16) []byte {
	out := make([]byte, 0, len(pairs)*4)
	for _, p := range pairs {
		out = binary.LittleEndian.AppendUint16(out, uint16(p[0]))
		out = binary.LittleEndian.AppendUint16(out, uint16(p[1]))
	}
	return out
}

func monoSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

func TestStereoToMonoLength(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 5, 7, 8, 9, 4099} {
		out := StereoToMono(make([]byte, n))
		assert.Equal(t, (n/4)*2, len(out), "input length %d", n)
	}
}

func TestStereoToMonoAverages(t *testing.T) {
	in := stereo(
		[2]int16{100, 200},
		[2]int16{1, 2},
		[2]int16{-1, -2},
		[2]int16{-3, 0},
		[2]int16{32767, 32767},
		[2]int16{-32768, -32768},
		[2]int16{32767, -32768},
	)

	got := monoSamples(StereoToMono(in))
	assert.Equal(t, []int16{150, 2, -1, -1, 32767, -32768, 0}, got)
}

func TestStereoToMonoDropsTrailingPartialPair(t *testing.T) {
	in := append(stereo([2]int16{10, 20}), 0x01, 0x02, 0x03)

	got := monoSamples(StereoToMono(in))
	require.Len(t, got, 1)
	assert.Equal(t, int16(15), got[0])
}

func TestFramerIsStateless(t *testing.T) {
	f := NewFramer(nil, 1)
	chunk := stereo([2]int16{4, 8}, [2]int16{-4, -8})

	first := f.Frame(chunk)
	second := f.Frame(chunk)
	assert.Equal(t, first, second)
	assert.Equal(t, []int16{6, -6}, monoSamples(first))
}
