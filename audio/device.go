package audio

import "time"

// InputSource yields mono float samples at the configured capture rate
type InputSource interface {
	// Start begins streaming from the device
	Start() error
	// Read blocks until samples are available and copies them into dst
	Read(dst []float32) (int, error)
	// Close stops streaming and releases the device
	Close() error
}

// NativeRate is implemented by input sources that deliver samples at a rate
// other than the configured capture rate; capture resamples them.
type NativeRate interface {
	SampleRate() int
}

// SourceOpener acquires an input device for a capture session
type SourceOpener func(cfg CaptureConfig) (InputSource, error)

// OutputDevice plays mono float frames at its native rate
type OutputDevice interface {
	SampleRate() int
	// FrameSize is the number of samples per Write
	FrameSize() int
	// Write blocks until the device accepts the frame
	Write(frame []float32) error
	Close() error
}

// Resumer is implemented by output devices that can be suspended by the host
type Resumer interface {
	Suspended() bool
	Resume() error
}

// DeviceOpener acquires an output device
type DeviceOpener func() (OutputDevice, error)

// CaptureConfig configures a capture session
type CaptureConfig struct {
	SampleRate       int           // rate of emitted frames
	FrameSize        int           // samples per emitted frame
	EchoCancellation bool          // honoured by backends that support it
	NoiseSuppression bool          // honoured by backends that support it
	LevelInterval    time.Duration // loudness refresh cadence
	LevelGain        float64
	LevelWindow      int // samples considered by the loudness meter
}

// DefaultCaptureConfig returns the wire defaults: 24kHz, 4096-sample frames
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:       WireSampleRate,
		FrameSize:        4096,
		EchoCancellation: true,
		NoiseSuppression: true,
		LevelInterval:    16 * time.Millisecond,
		LevelGain:        5,
		LevelWindow:      2048,
	}
}

func frameDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 10 * time.Millisecond
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
