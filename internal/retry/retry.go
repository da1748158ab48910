// Package retry re-runs a failed match job exactly once after a fixed delay.
// A second failure is logged as terminal; there is no backoff and no
// dead-letter queue. Orders stay pending and are picked up by the next run
// for the instrument.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nathanyu/trade-service/internal/telemetry"
)

// DefaultDelay is the wait before the single retry.
const DefaultDelay = 30 * time.Second

// RunFunc re-executes matching for one instrument.
type RunFunc func(ctx context.Context, instrumentCode string) error

// Controller schedules one delayed retry per failed job.
type Controller struct {
	run    RunFunc
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewController creates a controller that calls run after delay.
// A non-positive delay uses DefaultDelay.
func NewController(run RunFunc, delay time.Duration, logger *slog.Logger) *Controller {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = telemetry.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		run:     run,
		delay:   delay,
		logger:  logger.With("component", "retry"),
		pending: make(map[uint64]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule arranges one retry for instrumentCode. It reports false when the
// controller is stopped.
func (c *Controller) Schedule(instrumentCode string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}

	c.nextID++
	id := c.nextID
	c.wg.Add(1)
	c.pending[id] = time.AfterFunc(c.delay, func() {
		defer c.wg.Done()
		c.mu.Lock()
		delete(c.pending, id)
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			c.attempt(instrumentCode)
		}
	})

	c.logger.Info("retry scheduled", "instrument", instrumentCode, "delay", c.delay.String())
	return true
}

func (c *Controller) attempt(instrumentCode string) {
	start := time.Now()
	err := c.run(c.ctx, instrumentCode)
	if err != nil {
		telemetry.MatchRetriesTotal.WithLabelValues("failure").Inc()
		c.logger.Error("retry failed, giving up",
			"instrument", instrumentCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}
	telemetry.MatchRetriesTotal.WithLabelValues("success").Inc()
	c.logger.Info("retry succeeded", "instrument", instrumentCode,
		"duration_ms", time.Since(start).Milliseconds())
}

// Pending returns the number of retries not yet started.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels retries that have not fired and waits for running ones.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	for id, t := range c.pending {
		if t.Stop() {
			c.wg.Done()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}
