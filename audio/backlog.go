package audio

import (
	"sync"
)

// Backlog is an unbounded, ordered queue of sample chunks. Reads cross chunk
// boundaries so consecutive chunks play back without gaps.
type Backlog struct {
	chunks [][]float32
	offset int // read position inside chunks[0]
	total  int // unread samples
	mu     sync.Mutex
}

// NewBacklog creates an empty backlog
func NewBacklog() *Backlog {
	return &Backlog{
		chunks: make([][]float32, 0),
	}
}

// Append adds a chunk to the tail. The backlog takes ownership of chunk.
func (b *Backlog) Append(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.total += len(chunk)
}

// Read fills dst from the head of the backlog and returns the number of
// samples copied. Fewer than len(dst) means the backlog ran empty.
func (b *Backlog) Read(dst []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for n < len(dst) && len(b.chunks) > 0 {
		head := b.chunks[0][b.offset:]
		copied := copy(dst[n:], head)
		n += copied
		b.offset += copied
		if b.offset == len(b.chunks[0]) {
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			b.offset = 0
		}
	}
	b.total -= n
	return n
}

// Clear empties the backlog without returning data
func (b *Backlog) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = make([][]float32, 0)
	b.offset = 0
	b.total = 0
}

// Len returns the number of unread samples
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// IsEmpty returns true if no samples are buffered
func (b *Backlog) IsEmpty() bool {
	return b.Len() == 0
}

// ChunkCount returns the number of chunks still (partly) unread
func (b *Backlog) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
