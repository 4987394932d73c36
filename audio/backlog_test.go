package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBacklogReadsAcrossChunks(t *testing.T) {
	b := NewBacklog()
	b.Append([]float32{1, 2, 3})
	b.Append([]float32{4})
	b.Append(nil)
	b.Append([]float32{5, 6})

	assert.Equal(t, 6, b.Len())
	assert.Equal(t, 3, b.ChunkCount())

	dst := make([]float32, 4)
	assert.Equal(t, 4, b.Read(dst))
	assert.Equal(t, []float32{1, 2, 3, 4}, dst)
	assert.Equal(t, 2, b.Len())

	dst = make([]float32, 4)
	assert.Equal(t, 2, b.Read(dst))
	assert.Equal(t, []float32{5, 6, 0, 0}, dst)
	assert.True(t, b.IsEmpty())
	assert.Equal(t, 0, b.ChunkCount())
}

func TestBacklogPartialChunkRead(t *testing.T) {
	b := NewBacklog()
	b.Append([]float32{1, 2, 3, 4, 5})

	dst := make([]float32, 2)
	b.Read(dst)
	assert.Equal(t, []float32{1, 2}, dst)
	b.Read(dst)
	assert.Equal(t, []float32{3, 4}, dst)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.ChunkCount())
}

func TestBacklogClear(t *testing.T) {
	b := NewBacklog()
	b.Append([]float32{1, 2})
	b.Clear()

	assert.True(t, b.IsEmpty())
	assert.Equal(t, 0, b.Read(make([]float32, 2)))
}

func TestBacklogUnbounded(t *testing.T) {
	b := NewBacklog()
	for i := 0; i < 1000; i++ {
		b.Append(make([]float32, 4096))
	}
	assert.Equal(t, 1000*4096, b.Len())
}
