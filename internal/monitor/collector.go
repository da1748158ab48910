// Package monitor aggregates match job timings into averages, a throughput
// estimate and a coarse health tier.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nathanyu/trade-service/internal/telemetry"
)

// HealthLevel is an ordered health tier, best first.
type HealthLevel string

const (
	HealthExcellent HealthLevel = "excellent"
	HealthGood      HealthLevel = "good"
	HealthFair      HealthLevel = "fair"
	HealthAttention HealthLevel = "needs_attention"
)

// tier thresholds: average duration must be below maxAvgMs AND throughput
// above minThroughput.
var tiers = []struct {
	level         HealthLevel
	maxAvgMs      float64
	minThroughput float64
}{
	{HealthExcellent, 100, 10},
	{HealthGood, 500, 5},
	{HealthFair, 1000, 1},
}

// Config tunes the collector.
type Config struct {
	ThroughputWindow time.Duration // divisor for the throughput estimate
	SlowJob          time.Duration // jobs slower than this are logged
	ReportInterval   time.Duration // period of Run's report log
}

// DefaultConfig returns a 60s window, 1s slow threshold and 5m reports.
func DefaultConfig() Config {
	return Config{
		ThroughputWindow: time.Minute,
		SlowJob:          time.Second,
		ReportInterval:   5 * time.Minute,
	}
}

// ProcessorStatus is the async processor view included in reports.
type ProcessorStatus interface {
	ProcessingStats() string
	PoolStatus() string
}

type instrumentStats struct {
	count    int64
	duration time.Duration
}

// Collector is an injectable stats object shared by the dispatcher and the
// monitor endpoints.
type Collector struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	total         int64
	totalDuration time.Duration
	perInstrument map[string]*instrumentStats

	processors []ProcessorStatus

	now func() time.Time
}

// NewCollector creates a collector. Zero config fields take defaults.
func NewCollector(cfg Config, logger *slog.Logger) *Collector {
	def := DefaultConfig()
	if cfg.ThroughputWindow <= 0 {
		cfg.ThroughputWindow = def.ThroughputWindow
	}
	if cfg.SlowJob <= 0 {
		cfg.SlowJob = def.SlowJob
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = def.ReportInterval
	}
	if logger == nil {
		logger = telemetry.Discard()
	}
	return &Collector{
		cfg:           cfg,
		logger:        logger.With("component", "monitor"),
		perInstrument: make(map[string]*instrumentStats),
		now:           time.Now,
	}
}

// AttachProcessor adds a processor's status to reports.
func (c *Collector) AttachProcessor(p ProcessorStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors = append(c.processors, p)
}

// RecordStart counts a job for instrumentCode and returns its start time.
func (c *Collector) RecordStart(instrumentCode string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	c.statsFor(instrumentCode).count++
	return c.now()
}

// RecordEnd adds the job's elapsed time since start.
func (c *Collector) RecordEnd(instrumentCode string, start time.Time) {
	d := c.now().Sub(start)

	c.mu.Lock()
	c.totalDuration += d
	c.statsFor(instrumentCode).duration += d
	c.mu.Unlock()

	if d > c.cfg.SlowJob {
		c.logger.Warn("slow match job", "instrument", instrumentCode, "duration_ms", d.Milliseconds())
	}
}

func (c *Collector) statsFor(code string) *instrumentStats {
	s, ok := c.perInstrument[code]
	if !ok {
		s = &instrumentStats{}
		c.perInstrument[code] = s
	}
	return s
}

// InstrumentSnapshot is one instrument's figures.
type InstrumentSnapshot struct {
	Code      string  `json:"code"`
	Count     int64   `json:"count"`
	AverageMs float64 `json:"average_ms"`
}

// Snapshot is a point-in-time copy of the collector.
type Snapshot struct {
	TotalJobs   int64                `json:"total_jobs"`
	AverageMs   float64              `json:"average_ms"`
	Throughput  float64              `json:"throughput"`
	Health      HealthLevel          `json:"health"`
	Instruments []InstrumentSnapshot `json:"instruments"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Snapshot returns the current figures, instruments sorted by code.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg := averageMs(c.totalDuration, c.total)
	tp := c.throughputLocked()
	s := Snapshot{
		TotalJobs:   c.total,
		AverageMs:   avg,
		Throughput:  tp,
		Health:      Classify(avg, tp),
		Instruments: make([]InstrumentSnapshot, 0, len(c.perInstrument)),
		GeneratedAt: c.now(),
	}
	for code, st := range c.perInstrument {
		s.Instruments = append(s.Instruments, InstrumentSnapshot{
			Code:      code,
			Count:     st.count,
			AverageMs: averageMs(st.duration, st.count),
		})
	}
	sort.Slice(s.Instruments, func(i, j int) bool { return s.Instruments[i].Code < s.Instruments[j].Code })
	return s
}

// AverageMs is the mean job duration in milliseconds; 0 with no jobs.
func (c *Collector) AverageMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return averageMs(c.totalDuration, c.total)
}

// InstrumentAverageMs is the mean duration for one instrument.
func (c *Collector) InstrumentAverageMs(code string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.perInstrument[code]
	if !ok {
		return 0
	}
	return averageMs(st.duration, st.count)
}

// Throughput estimates jobs per second as total / window. It is a coarse
// figure: the counter is not windowed.
func (c *Collector) Throughput() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throughputLocked()
}

func (c *Collector) throughputLocked() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.total) / c.cfg.ThroughputWindow.Seconds()
}

func averageMs(d time.Duration, n int64) float64 {
	if n == 0 {
		return 0
	}
	return float64(d.Microseconds()) / 1000 / float64(n)
}

// Classify returns the best tier whose thresholds both clear.
func Classify(avgMs, throughput float64) HealthLevel {
	for _, t := range tiers {
		if avgMs < t.maxAvgMs && throughput > t.minThroughput {
			return t.level
		}
	}
	return HealthAttention
}

// Health is the health-status query result.
type Health struct {
	Level      HealthLevel `json:"level"`
	AverageMs  float64     `json:"average_ms"`
	Throughput float64     `json:"throughput"`
	Summary    string      `json:"summary"`
}

// Health classifies the current figures.
func (c *Collector) Health() Health {
	s := c.Snapshot()
	return Health{
		Level:      s.Health,
		AverageMs:  s.AverageMs,
		Throughput: s.Throughput,
		Summary: fmt.Sprintf("health: %s (average %.2fms, throughput %.2f jobs/s)",
			s.Health, s.AverageMs, s.Throughput),
	}
}

// Report renders the performance report.
func (c *Collector) Report() string {
	s := c.Snapshot()

	c.mu.Lock()
	processors := c.processors
	c.mu.Unlock()

	var b strings.Builder
	b.WriteString("=== match job performance ===\n")
	fmt.Fprintf(&b, "generated: %s\n", s.GeneratedAt.Format(time.DateTime))
	fmt.Fprintf(&b, "total jobs: %d\n", s.TotalJobs)
	fmt.Fprintf(&b, "average duration: %.2fms\n", s.AverageMs)
	fmt.Fprintf(&b, "estimated throughput: %.2f jobs/s\n", s.Throughput)
	fmt.Fprintf(&b, "health: %s\n", s.Health)

	if len(processors) > 0 {
		b.WriteString("\n=== async processors ===\n")
		for _, p := range processors {
			b.WriteString(p.ProcessingStats())
			b.WriteString("\n")
			b.WriteString(p.PoolStatus())
			b.WriteString("\n")
		}
	}

	if len(s.Instruments) > 0 {
		b.WriteString("\n=== per instrument ===\n")
		for _, in := range s.Instruments {
			fmt.Fprintf(&b, "%s: jobs=%d, average=%.2fms\n", in.Code, in.Count, in.AverageMs)
		}
	}
	return b.String()
}

// Reset zeroes every counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.total = 0
	c.totalDuration = 0
	c.perInstrument = make(map[string]*instrumentStats)
	c.mu.Unlock()

	c.logger.Info("performance stats reset")
}

// Run logs the report every ReportInterval while jobs have been recorded,
// until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Snapshot().TotalJobs > 0 {
				c.logger.Info("performance report", "report", c.Report())
			}
		}
	}
}
