package sequencer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencer_MonotonicIDs(t *testing.T) {
	seq, err := NewSequencer(1)
	require.NoError(t, err)

	prev := seq.NextID()
	for i := 0; i < 10_000; i++ {
		id := seq.NextID()
		require.Greater(t, id, prev)
		prev = id
	}
	assert.Equal(t, uint64(10_001), seq.Issued())
}

func TestSequencer_UniqueAcrossGoroutines(t *testing.T) {
	seq, err := NewSequencer(7)
	require.NoError(t, err)

	const workers, perWorker = 8, 2000
	ids := make(chan int64, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- seq.NextID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, workers*perWorker)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestSequencer_ClockBackwardsKeepsOrder(t *testing.T) {
	seq, err := NewSequencer(0)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	seq.now = func() time.Time { return current }

	first := seq.NextID()
	current = base.Add(-time.Second)
	second := seq.NextID()

	assert.Greater(t, second, first)
	assert.True(t, base.Equal(timestamp(first)))
}

func TestNewSequencer_RejectsBadNode(t *testing.T) {
	_, err := NewSequencer(-1)
	assert.Error(t, err)
	_, err = NewSequencer(1024)
	assert.Error(t, err)
}
