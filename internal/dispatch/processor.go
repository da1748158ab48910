package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nathanyu/trade-service/internal/monitor"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

// MatchFunc runs matching for one instrument.
type MatchFunc func(ctx context.Context, instrumentCode string) (int, error)

// RetryScheduler takes failed jobs.
type RetryScheduler interface {
	Schedule(instrumentCode string) bool
}

// Handle tracks one submitted job, or a batch of them.
type Handle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when the job has finished, failed or been dropped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the job error. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Processor submits match jobs to a pool and accounts for their outcome.
// Failures are counted, logged and handed to the retry scheduler; they never
// reach the code that enqueued the job except through its Handle.
type Processor struct {
	pool      *Pool
	match     MatchFunc
	collector *monitor.Collector
	retry     RetryScheduler
	logger    *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

// NewProcessor wires a pool to the matching function. collector and retry
// may be nil.
func NewProcessor(pool *Pool, match MatchFunc, collector *monitor.Collector, retry RetryScheduler, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Processor{
		pool:      pool,
		match:     match,
		collector: collector,
		retry:     retry,
		logger:    logger.With("component", "processor", "pool", pool.Name()),
	}
}

// Enqueue submits a match job for instrumentCode. The returned error is the
// pool's refusal (shutdown or abort); job failures are reported on the Handle.
func (p *Processor) Enqueue(instrumentCode string) (*Handle, error) {
	h := newHandle()
	enqueuedAt := time.Now()
	err := p.pool.Submit(&Job{
		Key: instrumentCode,
		Run: func(ctx context.Context) {
			h.finish(p.execute(ctx, instrumentCode, enqueuedAt))
		},
		Drop: func(err error) {
			h.finish(err)
		},
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// EnqueueBatch submits one job per code and returns a handle that finishes
// when all of them have. Its error joins every job and submission error.
func (p *Processor) EnqueueBatch(instrumentCodes []string) *Handle {
	batch := newHandle()
	handles := make([]*Handle, 0, len(instrumentCodes))
	var errs []error
	for _, code := range instrumentCodes {
		h, err := p.Enqueue(code)
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", code, err))
			continue
		}
		handles = append(handles, h)
	}

	go func() {
		for _, h := range handles {
			<-h.Done()
			if err := h.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		batch.finish(errors.Join(errs...))
	}()
	return batch
}

func (p *Processor) execute(ctx context.Context, code string, enqueuedAt time.Time) error {
	var start time.Time
	if p.collector != nil {
		start = p.collector.RecordStart(code)
	} else {
		start = time.Now()
	}
	p.logger.Debug("match job started", "instrument", code,
		"queued_ms", start.Sub(enqueuedAt).Milliseconds(),
		"running", p.pool.active.Load())

	fills, err := p.runMatch(ctx, code)

	if p.collector != nil {
		p.collector.RecordEnd(code, start)
	}
	d := time.Since(start)
	telemetry.MatchJobDuration.WithLabelValues(p.pool.Name()).Observe(d.Seconds())

	if err != nil {
		failed := p.failed.Add(1)
		telemetry.MatchJobsTotal.WithLabelValues(p.pool.Name(), "failure").Inc()
		p.logger.Error("match job failed",
			"instrument", code,
			"duration_ms", d.Milliseconds(),
			"running", p.pool.active.Load(),
			"failed_total", failed,
			"error", err,
		)
		if p.retry != nil {
			p.retry.Schedule(code)
		}
		return err
	}

	processed := p.processed.Add(1)
	telemetry.MatchJobsTotal.WithLabelValues(p.pool.Name(), "success").Inc()
	p.logger.Info("match job finished",
		"instrument", code,
		"fills", fills,
		"duration_ms", d.Milliseconds(),
		"running", p.pool.active.Load(),
		"processed_total", processed,
	)
	return nil
}

// runMatch turns a panic in the match function, or in a fill listener it
// calls, into an ordinary job failure.
func (p *Processor) runMatch(ctx context.Context, code string) (fills int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("match job panicked: %v", r)
		}
	}()
	return p.match(ctx, code)
}

// Status is the processor's counters plus its pool figures.
type Status struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Pool      Stats `json:"pool"`
}

// Status returns the current counters.
func (p *Processor) Status() Status {
	return Status{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Pool:      p.pool.Stats(),
	}
}

// ProcessingStats renders the job counters on one line.
func (p *Processor) ProcessingStats() string {
	s := p.Status()
	return fmt.Sprintf("match jobs [%s]: processed=%d failed=%d active=%d queued=%d",
		s.Pool.Name, s.Processed, s.Failed, s.Pool.Active, s.Pool.Queued)
}

// PoolStatus renders the pool figures on one line.
func (p *Processor) PoolStatus() string {
	return p.pool.Stats().String()
}

// Shutdown drains the pool.
func (p *Processor) Shutdown() bool {
	return p.pool.Shutdown()
}
