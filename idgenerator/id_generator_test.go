package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type peerID uint32

func TestNewIdGenerator(t *testing.T) {
	t.Run("first id is start plus one", func(t *testing.T) {
		gen := NewIdGenerator[peerID](0)
		require.NotNil(t, gen)
		assert.Equal(t, peerID(0), gen.Last())
		assert.Equal(t, peerID(1), gen.Next())
		assert.Equal(t, peerID(1), gen.Last())
	})

	t.Run("custom start", func(t *testing.T) {
		gen := NewIdGenerator[peerID](100)
		assert.Equal(t, peerID(101), gen.Next())
	})

	t.Run("wraps at max uint32", func(t *testing.T) {
		gen := NewIdGenerator(^uint32(0))
		assert.Equal(t, uint32(0), gen.Next())
	})
}

func TestIdGenerator_Next_concurrent(t *testing.T) {
	gen := NewIdGenerator[peerID](0)
	const n = 500
	ids := make([]peerID, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(idx int) {
			defer wg.Done()
			ids[idx] = gen.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[peerID]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		assert.GreaterOrEqual(t, id, peerID(1))
		assert.LessOrEqual(t, id, peerID(n))
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, peerID(n), gen.Last())
}
