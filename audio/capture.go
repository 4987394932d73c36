package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/metrics"
)

// FrameEncoder accumulates float samples into fixed-size PCM16 frames
type FrameEncoder struct {
	size  int
	frame []int16
}

// NewFrameEncoder creates an encoder emitting frames of size samples
func NewFrameEncoder(size int) *FrameEncoder {
	return &FrameEncoder{size: size, frame: make([]int16, 0, size)}
}

// Write converts samples and calls emit for every completed frame. The
// emitted slice is not reused.
func (e *FrameEncoder) Write(samples []float32, emit func([]int16)) {
	for _, s := range samples {
		e.frame = append(e.frame, FloatToPCM16(s))
		if len(e.frame) == e.size {
			emit(e.frame)
			e.frame = make([]int16, 0, e.size)
		}
	}
}

// Pending returns the number of samples in the unfinished frame
func (e *FrameEncoder) Pending() int {
	return len(e.frame)
}

// Capture turns microphone input into wire frames and a loudness level
type Capture struct {
	cfg    CaptureConfig
	open   SourceOpener
	logger zerolog.Logger
	meter  *LevelMeter

	mu      sync.Mutex
	source  InputSource
	cancel  context.CancelFunc
	wg      *sync.WaitGroup // goroutines of the running session
	onLevel func(float64)

	level atomic.Uint64 // math.Float64bits
}

// NewCapture creates a capture pipeline using open to acquire the microphone
func NewCapture(cfg CaptureConfig, open SourceOpener, logger zerolog.Logger) *Capture {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = def.FrameSize
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = def.LevelInterval
	}
	if cfg.LevelGain <= 0 {
		cfg.LevelGain = def.LevelGain
	}
	if cfg.LevelWindow <= 0 {
		cfg.LevelWindow = def.LevelWindow
	}
	return &Capture{
		cfg:    cfg,
		open:   open,
		logger: logger.With().Str("component", "capture").Logger(),
		meter:  NewLevelMeter(cfg.LevelWindow, cfg.LevelGain),
	}
}

// OnLevel registers a callback invoked at the level refresh cadence
func (c *Capture) OnLevel(fn func(float64)) {
	c.mu.Lock()
	c.onLevel = fn
	c.mu.Unlock()
}

// Start acquires the microphone and begins emitting frames to onChunk.
// On failure every acquired resource is released before returning.
// onChunk runs on the capture goroutine and must not call Stop.
func (c *Capture) Start(ctx context.Context, onChunk func(encoded string)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source != nil {
		return ErrCaptureActive
	}
	if c.open == nil {
		return ErrNoBackend
	}

	src, err := c.open(c.cfg)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	if err := src.Start(); err != nil {
		_ = src.Close()
		return fmt.Errorf("start microphone: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = src.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	c.source = src
	c.cancel = cancel
	c.wg = wg
	c.meter.Reset()

	wg.Add(2)
	go c.captureLoop(runCtx, wg, src, onChunk)
	go c.meterLoop(runCtx, wg)

	c.logger.Info().
		Int("sample_rate", c.cfg.SampleRate).
		Int("frame_size", c.cfg.FrameSize).
		Msg("capture started")
	return nil
}

// Stop halts capture and releases the microphone. Safe to call repeatedly.
func (c *Capture) Stop() {
	c.stop(nil)
}

// stop ends the running session; when only is non-nil the session is
// stopped only if it is still the one reading from only.
func (c *Capture) stop(only InputSource) {
	c.mu.Lock()
	src := c.source
	if src == nil || (only != nil && src != only) {
		c.mu.Unlock()
		return
	}
	cancel, wg := c.cancel, c.wg
	c.source = nil
	c.cancel = nil
	c.wg = nil
	c.mu.Unlock()

	cancel()
	wg.Wait()
	c.meter.Reset()
	c.level.Store(0)
	c.logger.Info().Msg("capture stopped")
}

// Capturing reports whether a capture session is active
func (c *Capture) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source != nil
}

// Level returns the latest loudness in [0, 1]; 0 when not capturing
func (c *Capture) Level() float64 {
	return math.Float64frombits(c.level.Load())
}

func (c *Capture) captureLoop(ctx context.Context, wg *sync.WaitGroup, src InputSource, onChunk func(string)) {
	defer wg.Done()
	defer func() {
		if err := src.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("closing microphone")
		}
	}()

	enc := NewFrameEncoder(c.cfg.FrameSize)
	buf := make([]float32, max(c.cfg.FrameSize/4, 256))
	var rs *StreamResampler
	if nr, ok := src.(NativeRate); ok && nr.SampleRate() > 0 && nr.SampleRate() != c.cfg.SampleRate {
		rs = NewStreamResampler(nr.SampleRate(), c.cfg.SampleRate)
		c.logger.Debug().Int("device_rate", nr.SampleRate()).Msg("resampling microphone input")
	}
	emit := func(frame []int16) {
		metrics.RecordCaptureFrame()
		if onChunk != nil {
			onChunk(EncodeFrame(frame))
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := src.Read(buf)
		if n > 0 && ctx.Err() == nil {
			samples := buf[:n]
			if rs != nil {
				samples = rs.Process(samples)
			}
			c.meter.Push(samples)
			enc.Write(samples, emit)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info().Msg("input source ended")
			} else {
				c.logger.Error().Err(err).Msg("microphone read failed")
			}
			// The session ended on its own; clear it unless it was replaced
			go c.stop(src)
			return
		}
	}
}

func (c *Capture) meterLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.LevelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level := c.meter.Level()
			c.level.Store(math.Float64bits(level))
			c.mu.Lock()
			fn := c.onLevel
			c.mu.Unlock()
			if fn != nil {
				fn(level)
			}
		}
	}
}
