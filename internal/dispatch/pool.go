// Package dispatch runs match jobs on bounded worker pools.
//
// A Pool keeps CoreWorkers goroutines alive, queues up to QueueCapacity jobs
// and grows to MaxWorkers only while the queue is full, like a classic
// thread pool executor. When workers and queue are both saturated the
// overload policy decides:
//
//   - CallerRuns runs the job on the submitting goroutine. No job is lost;
//     the caller is slowed down instead.
//   - DiscardOldest drops the oldest queued job and queues the new one. This
//     is best effort: a dropped match job is only recovered by the next
//     submission or trigger for that instrument.
//   - Abort rejects the job with domain.ErrQueueFull.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nathanyu/trade-service/internal/domain"
	"github.com/nathanyu/trade-service/internal/telemetry"
)

// Policy is the overload strategy of a saturated pool.
type Policy string

const (
	PolicyCallerRuns    Policy = "caller_runs"
	PolicyDiscardOldest Policy = "discard_oldest"
	PolicyAbort         Policy = "abort"
)

// Config describes one pool.
type Config struct {
	Name          string        `yaml:"name"`
	CoreWorkers   int           `yaml:"core_workers"`
	MaxWorkers    int           `yaml:"max_workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
	Policy        Policy        `yaml:"policy"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// DefaultPoolConfig is the general-purpose pool used for order submission.
func DefaultPoolConfig() Config {
	return Config{
		Name:          "default",
		CoreWorkers:   8,
		MaxWorkers:    16,
		QueueCapacity: 2000,
		KeepAlive:     60 * time.Second,
		Policy:        PolicyCallerRuns,
		ShutdownGrace: 60 * time.Second,
	}
}

// HighThroughputPoolConfig is the larger, load-shedding pool.
func HighThroughputPoolConfig() Config {
	return Config{
		Name:          "high-throughput",
		CoreWorkers:   16,
		MaxWorkers:    32,
		QueueCapacity: 5000,
		KeepAlive:     60 * time.Second,
		Policy:        PolicyDiscardOldest,
		ShutdownGrace: 30 * time.Second,
	}
}

// Validate checks worker counts, queue size and policy.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("pool name is required")
	}
	if c.CoreWorkers < 1 {
		return fmt.Errorf("pool %s: core_workers must be >= 1", c.Name)
	}
	if c.MaxWorkers < c.CoreWorkers {
		return fmt.Errorf("pool %s: max_workers must be >= core_workers", c.Name)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("pool %s: queue_capacity must be >= 1", c.Name)
	}
	switch c.Policy {
	case PolicyCallerRuns, PolicyDiscardOldest, PolicyAbort:
	default:
		return fmt.Errorf("pool %s: unknown policy %q", c.Name, c.Policy)
	}
	return nil
}

// Job is one unit of work. Drop is called instead of Run when the job is
// shed by DiscardOldest or skipped because the pool was force-stopped.
type Job struct {
	Key  string
	Run  func(ctx context.Context)
	Drop func(err error)
}

func (j *Job) drop(err error) {
	if j.Drop != nil {
		j.Drop(err)
	}
}

// Pool is a bounded worker pool with a pluggable overload policy.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	queue chan *Job

	mu      sync.Mutex
	workers int
	closed  bool
	wg      sync.WaitGroup

	// ctx is handed to running jobs and cancelled when the shutdown grace
	// period runs out.
	ctx    context.Context
	cancel context.CancelFunc

	active     atomic.Int64
	completed  atomic.Int64
	shed       atomic.Int64
	callerRuns atomic.Int64
}

// NewPool validates cfg and creates a pool with no workers started; workers
// are started lazily by Submit.
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = telemetry.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		logger: logger.With("component", "dispatch", "pool", cfg.Name),
		queue:  make(chan *Job, cfg.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.cfg.Name }

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// Submit hands j to the pool. It returns domain.ErrPoolShutdown after
// Shutdown and domain.ErrQueueFull when a saturated Abort pool rejects it.
// Under CallerRuns it may run j before returning.
func (p *Pool) Submit(j *Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrPoolShutdown
	}

	if p.workers < p.cfg.CoreWorkers {
		p.startWorkerLocked(j)
		p.mu.Unlock()
		return nil
	}

	select {
	case p.queue <- j:
		p.mu.Unlock()
		p.updateDepth()
		return nil
	default:
	}

	if p.workers < p.cfg.MaxWorkers {
		p.startWorkerLocked(j)
		p.mu.Unlock()
		return nil
	}

	switch p.cfg.Policy {
	case PolicyDiscardOldest:
		// A worker may have taken a job since the check above.
		select {
		case p.queue <- j:
			p.mu.Unlock()
			p.updateDepth()
			return nil
		default:
		}

		var oldest *Job
		select {
		case oldest = <-p.queue:
		default:
		}
		// Senders hold mu, so nothing refills the slot before this send.
		p.queue <- j
		p.mu.Unlock()

		if oldest != nil {
			p.shed.Add(1)
			telemetry.DispatchShedTotal.WithLabelValues(p.cfg.Name).Inc()
			p.logger.Warn("queue saturated, discarded oldest job", "instrument", oldest.Key)
			oldest.drop(domain.ErrQueueFull)
		}
		p.updateDepth()
		return nil

	case PolicyAbort:
		p.mu.Unlock()
		return domain.ErrQueueFull

	default: // PolicyCallerRuns
		p.mu.Unlock()
		p.callerRuns.Add(1)
		p.logger.Debug("pool saturated, running on caller", "instrument", j.Key)
		p.execute(j)
		return nil
	}
}

func (p *Pool) startWorkerLocked(first *Job) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first)
}

func (p *Pool) worker(first *Job) {
	defer p.wg.Done()

	if first != nil {
		p.execute(first)
	}

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()

	for {
		idle.Reset(p.cfg.KeepAlive)
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.retire()
				return
			}
			p.updateDepth()
			p.execute(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
		case <-idle.C:
			// Workers above the core count retire after KeepAlive idle.
			p.mu.Lock()
			if p.workers > p.cfg.CoreWorkers {
				p.workers--
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

func (p *Pool) execute(j *Job) {
	if p.ctx.Err() != nil {
		j.drop(domain.ErrPoolShutdown)
		return
	}

	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "instrument", j.Key, "panic", fmt.Sprint(r))
			j.drop(fmt.Errorf("job panicked: %v", r))
		}
	}()
	j.Run(p.ctx)
}

func (p *Pool) updateDepth() {
	telemetry.DispatchQueueDepth.WithLabelValues(p.cfg.Name).Set(float64(len(p.queue)))
}

// Shutdown stops accepting jobs and waits up to ShutdownGrace for queued and
// running jobs to finish. After the grace period running jobs see their
// context cancelled and queued jobs are dropped with domain.ErrPoolShutdown.
// It reports whether the pool drained within the grace period.
func (p *Pool) Shutdown() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.logger.Info("pool shutting down", "queued", len(p.queue), "active", p.active.Load())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("pool drained")
		return true
	case <-grace.C:
	}

	p.logger.Warn("shutdown grace period exceeded, cancelling remaining jobs",
		"grace", p.cfg.ShutdownGrace.String(), "queued", len(p.queue), "active", p.active.Load())
	p.cancel()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Error("pool did not terminate after cancel")
	}
	return false
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name              string `json:"name"`
	Policy            Policy `json:"policy"`
	CoreWorkers       int    `json:"core_workers"`
	MaxWorkers        int    `json:"max_workers"`
	Workers           int    `json:"workers"`
	Active            int64  `json:"active"`
	Queued            int    `json:"queued"`
	RemainingCapacity int    `json:"remaining_capacity"`
	Completed         int64  `json:"completed"`
	Shed              int64  `json:"shed"`
	CallerRuns        int64  `json:"caller_runs"`
}

// Stats returns the current pool figures.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	queued := len(p.queue)
	return Stats{
		Name:              p.cfg.Name,
		Policy:            p.cfg.Policy,
		CoreWorkers:       p.cfg.CoreWorkers,
		MaxWorkers:        p.cfg.MaxWorkers,
		Workers:           workers,
		Active:            p.active.Load(),
		Queued:            queued,
		RemainingCapacity: p.cfg.QueueCapacity - queued,
		Completed:         p.completed.Load(),
		Shed:              p.shed.Load(),
		CallerRuns:        p.callerRuns.Load(),
	}
}

// String renders Stats on one line.
func (s Stats) String() string {
	return fmt.Sprintf("pool %s (%s): core=%d max=%d workers=%d active=%d completed=%d queued=%d remaining=%d shed=%d caller_runs=%d",
		s.Name, s.Policy, s.CoreWorkers, s.MaxWorkers, s.Workers, s.Active,
		s.Completed, s.Queued, s.RemainingCapacity, s.Shed, s.CallerRuns)
}
