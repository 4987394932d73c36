//go:build !portaudio

package audio

// InitBackend reports that no device backend is compiled in
func InitBackend() error { return ErrNoBackend }

// TerminateBackend is a no-op without a backend
func TerminateBackend() error { return nil }

// OpenDefaultInput is unavailable without the portaudio build tag
func OpenDefaultInput(CaptureConfig) (InputSource, error) { return nil, ErrNoBackend }

// OpenDefaultOutput is unavailable without the portaudio build tag
func OpenDefaultOutput() (OutputDevice, error) { return nil, ErrNoBackend }
