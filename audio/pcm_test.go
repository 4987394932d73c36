package audio

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32767},
		{1.5, 32767},
		{-2, -32767},
		{0.5, 16384}, // 16383.5 rounds away from zero
		{-0.5, -16384},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FloatToPCM16(tt.in), "input %v", tt.in)
	}
}

func TestEncodeDecodeFrame(t *testing.T) {
	encoded := EncodeFrame([]int16{0, 1, -1, 32767, -32768})

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x01, 0x00, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}, raw)

	samples, err := DecodeFrame(encoded)
	require.NoError(t, err)
	require.Len(t, samples, 5)
	assert.Equal(t, float32(0), samples[0])
	assert.Equal(t, float32(1)/32768, samples[1])
	assert.Equal(t, float32(-1), samples[4])
	assert.Less(t, samples[3], float32(1))
}

func TestDecodeFrameIgnoresTrailingByte(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x7f})
	samples, err := DecodeFrame(encoded)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, samples)
}

func TestDecodeFrameRejectsBadBase64(t *testing.T) {
	_, err := DecodeFrame("%%%")
	assert.Error(t, err)
}

func TestLoudnessFromRMS(t *testing.T) {
	assert.InDelta(t, 0.5, LoudnessFromRMS(0.1, 5), 1e-9)
	assert.Equal(t, 1.0, LoudnessFromRMS(0.5, 5))
	assert.Equal(t, 0.0, LoudnessFromRMS(0, 5))
}

func TestLevelMeter(t *testing.T) {
	m := NewLevelMeter(4, 5)
	assert.Equal(t, 0.0, m.Level())

	m.Push([]float32{0.1, -0.1})
	assert.InDelta(t, 0.5, m.Level(), 1e-6)

	// Window keeps only the most recent samples
	m.Push([]float32{0, 0, 0, 0})
	assert.Equal(t, 0.0, m.Level())

	m.Push([]float32{0.2, 0.2, 0.2, 0.2})
	assert.InDelta(t, 1.0, m.Level(), 1e-6)

	m.Reset()
	assert.Equal(t, 0.0, m.Level())
}

func TestResampleDoublesRate(t *testing.T) {
	in := make([]float32, 480)
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 24000))
	}
	out := Resample(in, 24000, 48000)

	assert.InDelta(t, 2*len(in), len(out), 1)

	peak := func(s []float32) float64 {
		var p float64
		for _, v := range s {
			p = math.Max(p, math.Abs(float64(v)))
		}
		return p
	}
	assert.InDelta(t, peak(in), peak(out), 0.01)
}

func TestResampleInterpolatesLinearly(t *testing.T) {
	out := Resample([]float32{0, 1, 0}, 24000, 48000)
	require.Len(t, out, 6)
	assert.Equal(t, []float32{0, 0.5, 1, 0.5, 0, 0}, out)
}

func TestResampleDownAndIdentity(t *testing.T) {
	in := []float32{0, 0.25, 0.5, 0.75}
	assert.Equal(t, []float32{0, 0.5}, Resample(in, 48000, 24000))

	same := Resample(in, 24000, 24000)
	assert.Equal(t, in, same)
	same[0] = 9
	assert.Equal(t, float32(0), in[0], "identity resample returns a copy")

	assert.Empty(t, Resample(nil, 24000, 48000))
}

func counting(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

func TestStreamResamplerIsContinuousAcrossChunks(t *testing.T) {
	in := counting(10)

	down := NewStreamResampler(48000, 24000)
	var got []float32
	for _, chunk := range [][]float32{in[:3], in[3:7], in[7:]} {
		got = append(got, down.Process(chunk)...)
	}
	assert.Equal(t, []float32{0, 2, 4, 6, 8}, got)

	up := NewStreamResampler(24000, 48000)
	got = append(up.Process(in[:4]), up.Process(in[4:])...)
	want := make([]float32, 18)
	for i := range want {
		want[i] = float32(i) / 2
	}
	assert.InDeltaSlice(t, want, got, 1e-6)

	assert.Nil(t, up.Process(nil))
}
