package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	wavFormatPCM    = 1
	minFmtChunkSize = 16
)

// FileSource is an InputSource that replays a PCM16 WAV or raw .pcm file.
// Raw files are taken as 24kHz mono. When Realtime is set, Read paces
// delivery at the capture rate.
type FileSource struct {
	Realtime bool

	samples []float32
	rate    int
	pos     int

	mu      sync.Mutex
	started time.Time
	closed  bool
}

// OpenFileSource loads path and converts it to mono at rate
func OpenFileSource(path string, rate int) (*FileSource, error) {
	//nolint:gosec // path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	var (
		pcm        []int16
		fileRate   = WireSampleRate
		channels   = 1
		ext        = strings.ToLower(filepath.Ext(path))
		parseError error
	)
	switch ext {
	case ".wav":
		pcm, fileRate, channels, parseError = parseWAV(data)
	case ".pcm", ".raw":
		pcm = BytesToPCM16(data)
	default:
		parseError = fmt.Errorf("unsupported audio format: %s (supported: .wav, .pcm, .raw)", ext)
	}
	if parseError != nil {
		return nil, parseError
	}

	mono := make([]float32, len(pcm)/channels)
	for i := range mono {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(pcm[i*channels+ch]) / 32768
		}
		mono[i] = sum / float32(channels)
	}

	return &FileSource{
		samples: Resample(mono, fileRate, rate),
		rate:    rate,
	}, nil
}

// Opener adapts the source to a SourceOpener
func (f *FileSource) Opener() SourceOpener {
	return func(CaptureConfig) (InputSource, error) { return f, nil }
}

// Duration returns the playable length
func (f *FileSource) Duration() time.Duration {
	return frameDuration(len(f.samples), f.rate)
}

// Start implements InputSource
func (f *FileSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("file source closed")
	}
	f.started = time.Now()
	return nil
}

// Read implements InputSource. It returns io.EOF once the file is exhausted.
func (f *FileSource) Read(dst []float32) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.EOF
	}
	started := f.started
	f.mu.Unlock()

	if f.pos >= len(f.samples) {
		return 0, io.EOF
	}
	n := copy(dst, f.samples[f.pos:])

	if f.Realtime {
		due := started.Add(frameDuration(f.pos+n, f.rate))
		if wait := time.Until(due); wait > 0 {
			time.Sleep(wait)
		}
	}
	f.pos += n
	return n, nil
}

// Close implements InputSource
func (f *FileSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// parseWAV extracts PCM16 samples, sample rate and channel count
func parseWAV(data []byte) (pcm []int16, rate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("not a valid WAVE file")
	}

	pos := 12
	fmtFound := false
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < minFmtChunkSize {
				return nil, 0, 0, errors.New("fmt chunk too small")
			}
			format := binary.LittleEndian.Uint16(data[body:])
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if format != wavFormatPCM || bits != 16 {
				return nil, 0, 0, fmt.Errorf("unsupported WAV encoding (format %d, %d bits): need 16-bit PCM", format, bits)
			}
			if channels < 1 {
				return nil, 0, 0, errors.New("invalid channel count")
			}
			fmtFound = true
		case "data":
			if !fmtFound {
				return nil, 0, 0, errors.New("data chunk before fmt chunk")
			}
			return BytesToPCM16(data[body : body+size]), rate, channels, nil
		}

		// Chunks are word aligned
		pos = body + size + size%2
	}
	return nil, 0, 0, errors.New("data chunk not found")
}
