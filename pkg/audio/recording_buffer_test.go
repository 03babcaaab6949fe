package audio

import (
	"encoding/binary"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordingBufferRoundTrip(t *testing.T) {
	dir := t.TempDir()
	buf, err := NewRecordingBuffer(dir, "call-1", 16000)
	require.NoError(t, err)

	pcm := make([]byte, 32000) // one second of 16kHz mono
	require.NoError(t, buf.Append(pcm[:12000]))
	require.NoError(t, buf.Append(pcm[12000:]))
	assert.Equal(t, int64(32000), buf.Size())
	assert.Equal(t, time.Second, buf.Duration())

	r, size, err := buf.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.NoError(t, err)

	assert.Equal(t, int64(32044), size)
	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, uint32(32036), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(data[40:44]))

	assert.Error(t, buf.Append([]byte{0, 0}), "append after seal must fail")

	require.NoError(t, buf.Remove())
	require.NoError(t, buf.Remove())
	_, err = os.Stat(buf.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestEncodeWAVHeader(t *testing.T) {
	h := EncodeWAVHeader(48000, 1, 96000)

	require.Len(t, h, 44)
	assert.Equal(t, "WAVE", string(h[8:12]))
	assert.Equal(t, uint32(96000), binary.LittleEndian.Uint32(h[28:32]), "byte rate")
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(h[32:34]), "block align")
	assert.Equal(t, uint32(96036), binary.LittleEndian.Uint32(h[4:8]))
}
