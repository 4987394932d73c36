package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/metrics"
)

// Playback plays wire audio through a single lazily opened output device.
// Decoding and resampling happen on the caller; samples are handed to a
// dedicated render goroutine that owns the backlog.
type Playback struct {
	open    DeviceOpener
	srcRate int
	logger  zerolog.Logger

	mu        sync.Mutex
	dev       OutputDevice
	r         *renderer
	playing   bool
	onDrained func()
}

// NewPlayback creates a playback pipeline using open to acquire the speaker
func NewPlayback(open DeviceOpener, logger zerolog.Logger) *Playback {
	return &Playback{
		open:    open,
		srcRate: WireSampleRate,
		logger:  logger.With().Str("component", "playback").Logger(),
	}
}

// OnDrained registers a callback fired when queued audio has fully played
func (p *Playback) OnDrained(fn func()) {
	p.mu.Lock()
	p.onDrained = fn
	p.mu.Unlock()
}

// Enqueue decodes a base64 PCM16 chunk and queues it behind everything
// already queued.
func (p *Playback) Enqueue(encoded string) error {
	samples, err := DecodeFrame(encoded)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLocked(); err != nil {
		return err
	}
	out := Resample(samples, p.srcRate, p.dev.SampleRate())
	p.playing = true
	p.r.post(renderMsg{samples: out})
	return nil
}

// ensureLocked opens the device and render task on first use and resumes a
// suspended device.
func (p *Playback) ensureLocked() error {
	if p.dev != nil {
		if s, ok := p.dev.(Resumer); ok && s.Suspended() {
			if err := s.Resume(); err != nil {
				p.logger.Warn().Err(err).Msg("resuming output device")
			}
		}
		return nil
	}
	if p.open == nil {
		return ErrNoBackend
	}

	dev, err := p.open()
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	p.dev = dev
	p.r = newRenderer(dev, p.logger)
	r := p.r
	r.onDrained = func() { p.handleDrained(r) }
	go r.run()

	p.logger.Info().
		Int("device_rate", dev.SampleRate()).
		Int("frame_size", dev.FrameSize()).
		Msg("output device opened")
	return nil
}

// Stop discards queued and in-flight audio and silences output. The device
// stays open. Drained is not fired.
func (p *Playback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.playing = false
	if p.r != nil {
		p.r.post(renderMsg{stop: true})
	}
}

// Close tears down the render task and releases the device. A later Enqueue
// opens a fresh one.
func (p *Playback) Close() error {
	p.mu.Lock()
	r, dev := p.r, p.dev
	p.r, p.dev = nil, nil
	p.playing = false
	p.mu.Unlock()

	if r != nil {
		r.close()
	}
	if dev != nil {
		if err := dev.Close(); err != nil {
			return fmt.Errorf("close speaker: %w", err)
		}
		p.logger.Info().Msg("output device closed")
	}
	return nil
}

// Playing reports whether queued audio is still playing
func (p *Playback) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *Playback) handleDrained(r *renderer) {
	p.mu.Lock()
	if p.r != r || r.hasQueued() {
		p.mu.Unlock()
		return
	}
	p.playing = false
	fn := p.onDrained
	p.mu.Unlock()

	metrics.RecordDrained()
	if fn != nil {
		fn()
	}
}

type renderMsg struct {
	samples []float32
	stop    bool
}

// renderer owns the backlog and feeds the device one frame at a time,
// zero-filling when nothing is queued.
type renderer struct {
	dev       OutputDevice
	backlog   *Backlog
	logger    zerolog.Logger
	onDrained func()

	mu    sync.Mutex
	inbox []renderMsg

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newRenderer(dev OutputDevice, logger zerolog.Logger) *renderer {
	return &renderer{
		dev:     dev,
		backlog: NewBacklog(),
		logger:  logger,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// post hands m to the render goroutine. Ownership of m.samples transfers.
func (r *renderer) post(m renderMsg) {
	r.mu.Lock()
	r.inbox = append(r.inbox, m)
	r.mu.Unlock()
}

// hasQueued reports whether posted messages await the render goroutine
func (r *renderer) hasQueued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox) > 0
}

func (r *renderer) close() {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.done
}

func (r *renderer) run() {
	defer close(r.done)

	frame := make([]float32, r.dev.FrameSize())
	pause := frameDuration(len(frame), r.dev.SampleRate())
	active := false
	failing := false

	for {
		select {
		case <-r.quit:
			return
		default:
		}

		if r.drainInbox() {
			// A stop landed: whatever was active ended without draining
			active = false
		}

		n := r.backlog.Read(frame)
		clear(frame[n:])
		if n > 0 {
			active = true
		}
		metrics.SetBacklog(r.backlog.Len())

		if err := r.dev.Write(frame); err != nil {
			if !failing {
				r.logger.Warn().Err(err).Msg("output device write failed")
			}
			failing = true
			time.Sleep(pause)
		} else {
			failing = false
		}

		if active && r.backlog.IsEmpty() && !r.hasQueued() {
			active = false
			if r.onDrained != nil {
				r.onDrained()
			}
		}
	}
}

// drainInbox applies posted messages in order and reports whether a stop
// was among them.
func (r *renderer) drainInbox() bool {
	r.mu.Lock()
	msgs := r.inbox
	r.inbox = nil
	r.mu.Unlock()

	stopped := false
	for _, m := range msgs {
		if m.stop {
			r.backlog.Clear()
			stopped = true
			continue
		}
		r.backlog.Append(m.samples)
	}
	return stopped
}
