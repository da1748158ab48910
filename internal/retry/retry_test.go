package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_RetriesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	c := NewController(func(_ context.Context, code string) error {
		assert.Equal(t, "600000", code)
		calls.Add(1)
		return errors.New("still broken")
	}, 10*time.Millisecond, nil)
	defer c.Stop()

	require.True(t, c.Schedule("600000"))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// A failed retry is terminal.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, c.Pending())
}

func TestController_WaitsForDelay(t *testing.T) {
	var calls atomic.Int32
	c := NewController(func(context.Context, string) error {
		calls.Add(1)
		return nil
	}, time.Hour, nil)

	c.Schedule("600000")
	assert.Equal(t, 1, c.Pending())
	assert.Zero(t, calls.Load())

	c.Stop()
	assert.Zero(t, c.Pending())
	assert.Zero(t, calls.Load())
}

func TestController_StopRejectsNewRetries(t *testing.T) {
	c := NewController(func(context.Context, string) error { return nil }, time.Millisecond, nil)
	c.Stop()
	assert.False(t, c.Schedule("600000"))
}

func TestController_DefaultDelay(t *testing.T) {
	c := NewController(func(context.Context, string) error { return nil }, 0, nil)
	defer c.Stop()
	assert.Equal(t, DefaultDelay, c.delay)
}
