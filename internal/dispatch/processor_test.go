package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/trade-service/internal/monitor"
)

type fakeRetry struct {
	mu    sync.Mutex
	codes []string
}

func (f *fakeRetry) Schedule(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	return true
}

func (f *fakeRetry) scheduled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

func newTestProcessor(t *testing.T, match MatchFunc) (*Processor, *monitor.Collector, *fakeRetry) {
	t.Helper()
	pool, err := NewPool(DefaultPoolConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Shutdown() })

	collector := monitor.NewCollector(monitor.DefaultConfig(), nil)
	retry := &fakeRetry{}
	return NewProcessor(pool, match, collector, retry, nil), collector, retry
}

func wait(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestProcessor_Success(t *testing.T) {
	p, collector, retry := newTestProcessor(t, func(_ context.Context, code string) (int, error) {
		return 1, nil
	})

	h, err := p.Enqueue("600000")
	require.NoError(t, err)
	assert.NoError(t, wait(t, h))

	s := p.Status()
	assert.Equal(t, int64(1), s.Processed)
	assert.Zero(t, s.Failed)
	assert.Equal(t, int64(1), collector.Snapshot().TotalJobs)
	assert.Empty(t, retry.scheduled())
}

func TestProcessor_FailureSchedulesRetry(t *testing.T) {
	boom := errors.New("db locked")
	p, _, retry := newTestProcessor(t, func(context.Context, string) (int, error) {
		return 0, boom
	})

	h, err := p.Enqueue("600000")
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, h), boom)

	assert.Equal(t, int64(1), p.Status().Failed)
	assert.Equal(t, []string{"600000"}, retry.scheduled())
}

func TestProcessor_PanicCountsAsFailure(t *testing.T) {
	p, collector, retry := newTestProcessor(t, func(context.Context, string) (int, error) {
		var m map[string]int
		m["x"] = 1
		return 0, nil
	})

	h, err := p.Enqueue("600000")
	require.NoError(t, err)
	err = wait(t, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match job panicked")

	s := p.Status()
	assert.Equal(t, int64(1), s.Failed)
	assert.Zero(t, s.Processed)
	assert.Equal(t, []string{"600000"}, retry.scheduled())

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.TotalJobs)
	require.Len(t, snap.Instruments, 1)
	assert.Equal(t, int64(1), snap.Instruments[0].Count)
	assert.Zero(t, p.Status().Pool.Active)
}

func TestProcessor_EnqueueBatch(t *testing.T) {
	boom := errors.New("bad instrument")
	p, collector, _ := newTestProcessor(t, func(_ context.Context, code string) (int, error) {
		if code == "000002" {
			return 0, boom
		}
		return 0, nil
	})

	err := wait(t, p.EnqueueBatch([]string{"600000", "000001", "000002"}))
	assert.ErrorIs(t, err, boom)

	s := p.Status()
	assert.Equal(t, int64(2), s.Processed)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(3), collector.Snapshot().TotalJobs)
}

func TestProcessor_EnqueueAfterShutdown(t *testing.T) {
	p, _, _ := newTestProcessor(t, func(context.Context, string) (int, error) { return 0, nil })
	assert.True(t, p.Shutdown())

	_, err := p.Enqueue("600000")
	assert.Error(t, err)

	err = wait(t, p.EnqueueBatch([]string{"600000"}))
	assert.Error(t, err)
}

func TestProcessor_StatusStrings(t *testing.T) {
	p, _, _ := newTestProcessor(t, func(context.Context, string) (int, error) { return 0, nil })
	h, err := p.Enqueue("600000")
	require.NoError(t, err)
	require.NoError(t, wait(t, h))

	assert.Contains(t, p.ProcessingStats(), "processed=1 failed=0")
	assert.Contains(t, p.PoolStatus(), "pool default (caller_runs): core=8 max=16")
}
