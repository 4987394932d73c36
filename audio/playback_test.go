package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ramp encodes n non-zero samples starting at offset
func ramp(offset, n int) (string, []float32) {
	pcm := make([]int16, n)
	want := make([]float32, n)
	for i := range pcm {
		pcm[i] = int16((offset+i)%1000 + 1)
		want[i] = float32(pcm[i]) / 32768
	}
	return EncodeFrame(pcm), want
}

type deviceFactory struct {
	mu      sync.Mutex
	devices []*fakeOutput
	next    func() *fakeOutput
}

func (f *deviceFactory) open() (OutputDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev := newFakeOutput(WireSampleRate, 480)
	if f.next != nil {
		dev = f.next()
	}
	f.devices = append(f.devices, dev)
	return dev, nil
}

func (f *deviceFactory) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func (f *deviceFactory) last() *fakeOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[len(f.devices)-1]
}

func TestPlaybackPlaysChunksInOrder(t *testing.T) {
	factory := &deviceFactory{}
	p := NewPlayback(factory.open, zerolog.Nop())
	defer p.Close()

	var want []float32
	offset := 0
	for _, n := range []int{100, 4096, 7, 2000, 480, 33} {
		encoded, samples := ramp(offset, n)
		offset += n
		want = append(want, samples...)
		require.NoError(t, p.Enqueue(encoded))
	}
	assert.True(t, p.Playing())

	dev := factory.last()
	require.Eventually(t, func() bool { return len(dev.audible()) == len(want) }, 3*time.Second, time.Millisecond)
	assert.Equal(t, want, dev.audible())
	assert.Equal(t, 1, factory.opened())
}

func TestPlaybackResamplesToDeviceRate(t *testing.T) {
	factory := &deviceFactory{next: func() *fakeOutput { return newFakeOutput(48000, 960) }}
	p := NewPlayback(factory.open, zerolog.Nop())
	defer p.Close()

	encoded, _ := ramp(0, 1200)
	require.NoError(t, p.Enqueue(encoded))

	dev := factory.last()
	require.Eventually(t, func() bool { return len(dev.audible()) == 2400 }, 3*time.Second, time.Millisecond)
}

func TestPlaybackDrainedFiresOnce(t *testing.T) {
	gate := make(chan struct{})
	factory := &deviceFactory{next: func() *fakeOutput {
		dev := newFakeOutput(WireSampleRate, 480)
		dev.gate = gate
		return dev
	}}
	p := NewPlayback(factory.open, zerolog.Nop())
	defer p.Close()

	var drained atomic.Int32
	p.OnDrained(func() { drained.Add(1) })

	for i := 0; i < 3; i++ {
		encoded, _ := ramp(i*1000, 1000)
		require.NoError(t, p.Enqueue(encoded))
	}
	close(gate)

	require.Eventually(t, func() bool { return drained.Load() == 1 }, 3*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), drained.Load())
	assert.False(t, p.Playing())
	assert.Len(t, factory.last().audible(), 3000)

	// A new burst drains again
	encoded, _ := ramp(0, 500)
	require.NoError(t, p.Enqueue(encoded))
	require.Eventually(t, func() bool { return drained.Load() == 2 }, 3*time.Second, time.Millisecond)
}

func TestPlaybackStopSilencesWithoutDrained(t *testing.T) {
	factory := &deviceFactory{}
	p := NewPlayback(factory.open, zerolog.Nop())
	defer p.Close()

	var drained atomic.Int32
	p.OnDrained(func() { drained.Add(1) })

	const total = 240000
	encoded, _ := ramp(0, total)
	require.NoError(t, p.Enqueue(encoded))
	p.Stop()
	assert.False(t, p.Playing())

	dev := factory.last()
	time.Sleep(30 * time.Millisecond)
	heard := len(dev.audible())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, heard, len(dev.audible()), "nothing audible after stop")
	assert.Less(t, heard, total)
	assert.Equal(t, int32(0), drained.Load())

	// Device stays open and playback resumes on the next chunk
	encoded, _ = ramp(0, 100)
	require.NoError(t, p.Enqueue(encoded))
	require.Eventually(t, func() bool { return drained.Load() == 1 }, 3*time.Second, time.Millisecond)
	assert.Equal(t, 1, factory.opened())
}

func TestPlaybackStopIsIdempotent(t *testing.T) {
	factory := &deviceFactory{}
	p := NewPlayback(factory.open, zerolog.Nop())
	defer p.Close()

	var drained atomic.Int32
	p.OnDrained(func() { drained.Add(1) })

	assert.NotPanics(t, func() {
		p.Stop()
		p.Stop()
	})
	assert.False(t, p.Playing())
	assert.Equal(t, 0, factory.opened(), "stop never opens the device")

	encoded, _ := ramp(0, 240000)
	require.NoError(t, p.Enqueue(encoded))
	assert.NotPanics(t, func() {
		p.Stop()
		p.Stop()
	})
	assert.False(t, p.Playing())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), drained.Load())
	assert.Equal(t, 1, factory.opened())
}

func TestPlaybackCloseThenReopen(t *testing.T) {
	factory := &deviceFactory{}
	p := NewPlayback(factory.open, zerolog.Nop())

	encoded, _ := ramp(0, 100)
	require.NoError(t, p.Enqueue(encoded))
	first := factory.last()

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	first.mu.Lock()
	assert.True(t, first.closed)
	first.mu.Unlock()

	require.NoError(t, p.Enqueue(encoded))
	assert.Equal(t, 2, factory.opened())
	second := factory.last()
	require.Eventually(t, func() bool { return len(second.audible()) == 100 }, 3*time.Second, time.Millisecond)
	require.NoError(t, p.Close())
}

func TestPlaybackResumesSuspendedDevice(t *testing.T) {
	factory := &deviceFactory{}
	p := NewPlayback(factory.open, zerolog.Nop())
	defer p.Close()

	encoded, _ := ramp(0, 10)
	require.NoError(t, p.Enqueue(encoded))

	dev := factory.last()
	dev.mu.Lock()
	dev.suspended = true
	dev.mu.Unlock()

	require.NoError(t, p.Enqueue(encoded))
	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.False(t, dev.suspended)
	assert.Equal(t, 1, dev.resumes)
}

func TestPlaybackEnqueueErrors(t *testing.T) {
	factory := &deviceFactory{}
	p := NewPlayback(factory.open, zerolog.Nop())

	assert.Error(t, p.Enqueue("not base64!"))
	assert.Equal(t, 0, factory.opened())

	// Empty payloads are ignored without touching the device
	assert.NoError(t, p.Enqueue(""))
	assert.Equal(t, 0, factory.opened())

	noBackend := NewPlayback(nil, zerolog.Nop())
	encoded, _ := ramp(0, 10)
	assert.ErrorIs(t, noBackend.Enqueue(encoded), ErrNoBackend)

	failing := NewPlayback(func() (OutputDevice, error) {
		return nil, errors.New("device busy")
	}, zerolog.Nop())
	err := failing.Enqueue(encoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.False(t, failing.Playing())
}
