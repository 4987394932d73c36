package audio

import (
	"math"
	"sync"
)

// LevelMeter keeps the most recent window of time-domain samples and
// reports their loudness as RMS * gain, clamped to [0, 1].
type LevelMeter struct {
	mu     sync.Mutex
	window []float32
	pos    int
	filled bool
	gain   float64
}

// NewLevelMeter creates a meter over the last size samples
func NewLevelMeter(size int, gain float64) *LevelMeter {
	if size <= 0 {
		size = 2048
	}
	return &LevelMeter{window: make([]float32, size), gain: gain}
}

// Push records samples into the window
func (m *LevelMeter) Push(samples []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range samples {
		m.window[m.pos] = s
		m.pos++
		if m.pos == len(m.window) {
			m.pos = 0
			m.filled = true
		}
	}
}

// Level computes the current loudness
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.window)
	if !m.filled {
		n = m.pos
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.window[:n] {
		sum += float64(s) * float64(s)
	}
	return LoudnessFromRMS(math.Sqrt(sum/float64(n)), m.gain)
}

// Reset clears the window
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.window)
	m.pos = 0
	m.filled = false
}

// LoudnessFromRMS maps an RMS value to a display level in [0, 1]
func LoudnessFromRMS(rms, gain float64) float64 {
	return math.Min(1, math.Max(0, rms*gain))
}
