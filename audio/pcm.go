// Package audio implements the microphone capture and speaker playback
// pipelines: PCM16 framing, loudness metering, resampling and a gapless
// render task fed by an unbounded backlog.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WireSampleRate is the sample rate of PCM16 audio on the wire in both
// directions.
const WireSampleRate = 24000

var (
	// ErrNoBackend is returned when no audio device backend is compiled in
	ErrNoBackend = errors.New("no audio backend available (build with -tags portaudio)")
	// ErrCaptureActive is returned by Start while a capture is running
	ErrCaptureActive = errors.New("capture already running")
)

// FloatToPCM16 clamps s to [-1, 1] and scales it to a signed 16-bit sample
func FloatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(float64(s) * 32767))
}

// PCM16ToBytes converts samples to little-endian bytes
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 converts little-endian bytes to samples. A trailing odd byte
// is ignored.
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:])) //nolint:gosec // PCM16 reinterpretation
	}
	return samples
}

// EncodeFrame base64-encodes a PCM16 frame for the wire
func EncodeFrame(samples []int16) string {
	return base64.StdEncoding.EncodeToString(PCM16ToBytes(samples))
}

// DecodeFrame decodes a base64 PCM16 payload into float samples in [-1, 1)
func DecodeFrame(encoded string) ([]float32, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	pcm := BytesToPCM16(data)
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out, nil
}
