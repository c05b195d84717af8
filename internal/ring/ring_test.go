package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingFIFO(t *testing.T) {
	r := New(8)

	for i := 0; i < 5; i++ {
		require.True(t, r.Push(RawFault{Seq: uint64(i)}))
	}

	for i := 0; i < 5; i++ {
		f, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, uint64(i), f.Seq)
	}

	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestRingOverflowDrops(t *testing.T) {
	r := New(8)

	for i := 0; i < 16; i++ {
		r.Push(RawFault{Seq: uint64(i)})
	}

	assert.Equal(t, uint64(8), r.Dropped())

	drained := r.Drain(100)
	require.Len(t, drained, 8)

	for i, f := range drained {
		assert.Equal(t, uint64(i), f.Seq)
	}
}

func TestRingCapacityRoundsToPow2(t *testing.T) {
	r := New(10)
	assert.Equal(t, 16, r.Capacity())
}

func TestRingConcurrentProducersPreserveCursorOrder(t *testing.T) {
	r := New(1 << 14)

	var wg sync.WaitGroup
	producers := 8
	perProducer := 500

	for p := 0; p < producers; p++ {
		wg.Add(1)

		go func(p int) {
			defer wg.Done()

			for i := 0; i < perProducer; i++ {
				r.Push(RawFault{ThreadID: uint64(p), Seq: uint64(i)})
			}
		}(p)
	}

	wg.Wait()

	count := 0
	lastSeq := make([]int, producers)
	for p := range lastSeq {
		lastSeq[p] = -1
	}

	for {
		f, ok := r.Pop()
		if !ok {
			break
		}

		count++
		// Each producer pushes its seqs in order, so their cursor slots are
		// claimed in that order and must pop out in that order.
		assert.Greater(t, int(f.Seq), lastSeq[f.ThreadID])
		lastSeq[f.ThreadID] = int(f.Seq)
	}

	assert.Equal(t, producers*perProducer, count)
	assert.Equal(t, uint64(0), r.Dropped())
}
