//go:build portaudio

package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// outputFrameMillis is the playback buffer length
const outputFrameMillis = 20

// InitBackend initializes PortAudio. Call once before opening devices.
func InitBackend() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// TerminateBackend releases PortAudio
func TerminateBackend() error {
	return portaudio.Terminate()
}

// paInput reads the default microphone through a blocking stream
type paInput struct {
	stream  *portaudio.Stream
	rate    int
	buf     []float32
	pending []float32
}

// OpenDefaultInput opens the default microphone as a mono float stream at
// the device's native rate; capture resamples it to the wire rate.
// PortAudio exposes no echo cancellation or noise suppression; those
// settings are left to the host audio stack.
func OpenDefaultInput(cfg CaptureConfig) (InputSource, error) {
	info, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default input device: %w", err)
	}
	rate := int(info.DefaultSampleRate)
	buf := make([]float32, max(cfg.FrameSize/4, 256))
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open input stream: %w", err)
	}
	return &paInput{stream: stream, rate: rate, buf: buf}, nil
}

func (in *paInput) SampleRate() int { return in.rate }

func (in *paInput) Start() error {
	if err := in.stream.Start(); err != nil {
		return fmt.Errorf("failed to start input stream: %w", err)
	}
	return nil
}

func (in *paInput) Read(dst []float32) (int, error) {
	if len(in.pending) == 0 {
		if err := in.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, err
		}
		in.pending = in.buf
	}
	n := copy(dst, in.pending)
	in.pending = in.pending[n:]
	return n, nil
}

func (in *paInput) Close() error {
	_ = in.stream.Stop()
	return in.stream.Close()
}

// paOutput writes to the default speaker at its native rate
type paOutput struct {
	mu        sync.Mutex
	stream    *portaudio.Stream
	buf       []float32
	rate      int
	suspended bool
}

// OpenDefaultOutput opens the default speaker as a mono float stream
func OpenDefaultOutput() (OutputDevice, error) {
	info, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default output device: %w", err)
	}
	rate := int(info.DefaultSampleRate)
	buf := make([]float32, rate*outputFrameMillis/1000)

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start output stream: %w", err)
	}
	return &paOutput{stream: stream, buf: buf, rate: rate}, nil
}

func (o *paOutput) SampleRate() int { return o.rate }
func (o *paOutput) FrameSize() int  { return len(o.buf) }

func (o *paOutput) Write(frame []float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.suspended {
		return errors.New("output stream suspended")
	}
	copy(o.buf, frame)
	err := o.stream.Write()
	if err == nil || errors.Is(err, portaudio.OutputUnderflowed) {
		return nil
	}
	// The host stopped the stream (device change, sleep); wait for Resume
	_ = o.stream.Stop()
	o.suspended = true
	return err
}

func (o *paOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

func (o *paOutput) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.suspended {
		return nil
	}
	if err := o.stream.Start(); err != nil {
		return err
	}
	o.suspended = false
	return nil
}

func (o *paOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.stream.Stop()
	return o.stream.Close()
}
