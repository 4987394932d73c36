package audio

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeOutput records every frame written to it
type fakeOutput struct {
	rate  int
	frame int
	gate  chan struct{} // Write blocks until closed, when non-nil

	mu        sync.Mutex
	written   []float32
	closed    bool
	suspended bool
	resumes   int
}

func newFakeOutput(rate, frame int) *fakeOutput {
	return &fakeOutput{rate: rate, frame: frame}
}

func (f *fakeOutput) SampleRate() int { return f.rate }
func (f *fakeOutput) FrameSize() int  { return f.frame }

func (f *fakeOutput) Write(frame []float32) error {
	if f.gate != nil {
		<-f.gate
	}
	time.Sleep(100 * time.Microsecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.written = append(f.written, frame...)
	return nil
}

func (f *fakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeOutput) Suspended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended
}

func (f *fakeOutput) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = false
	f.resumes++
	return nil
}

// audible returns the written samples with silence removed
func (f *fakeOutput) audible() []float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []float32
	for _, s := range f.written {
		if s != 0 {
			out = append(out, s)
		}
	}
	return out
}

// fakeSource serves a fixed sample slice, then idles like a quiet mic
type fakeSource struct {
	samples  []float32
	rate     int  // native rate; 0 means the capture rate
	eof      bool // return io.EOF when exhausted instead of idling
	startErr error
	readErr  error

	mu      sync.Mutex
	pos     int
	started bool
	closed  atomic.Bool
}

func (s *fakeSource) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Read(dst []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return 0, s.readErr
	}
	if s.pos >= len(s.samples) {
		if s.eof {
			return 0, io.EOF
		}
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		s.mu.Lock()
		return 0, nil
	}
	n := copy(dst, s.samples[s.pos:])
	s.pos += n
	return n, nil
}

func (s *fakeSource) SampleRate() int { return s.rate }

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

func openerFor(src *fakeSource) SourceOpener {
	return func(CaptureConfig) (InputSource, error) { return src, nil }
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
