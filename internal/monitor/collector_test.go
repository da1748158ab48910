package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCollector() (*Collector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 1, 2, 9, 30, 0, 0, time.UTC)}
	c := NewCollector(DefaultConfig(), nil)
	c.now = clock.now
	return c, clock
}

func record(c *Collector, clock *fakeClock, code string, d time.Duration) {
	start := c.RecordStart(code)
	clock.advance(d)
	c.RecordEnd(code, start)
}

func TestCollector_Averages(t *testing.T) {
	c, clock := newTestCollector()

	record(c, clock, "600000", 10*time.Millisecond)
	record(c, clock, "600000", 30*time.Millisecond)
	record(c, clock, "000001", 50*time.Millisecond)

	assert.InDelta(t, 30.0, c.AverageMs(), 0.001)
	assert.InDelta(t, 20.0, c.InstrumentAverageMs("600000"), 0.001)
	assert.InDelta(t, 50.0, c.InstrumentAverageMs("000001"), 0.001)
	assert.Zero(t, c.InstrumentAverageMs("unknown"))
	assert.InDelta(t, 3.0/60.0, c.Throughput(), 0.0001)

	s := c.Snapshot()
	assert.Equal(t, int64(3), s.TotalJobs)
	require.Len(t, s.Instruments, 2)
	assert.Equal(t, "000001", s.Instruments[0].Code)
	assert.Equal(t, int64(2), s.Instruments[1].Count)
}

func TestCollector_Empty(t *testing.T) {
	c, _ := newTestCollector()
	assert.Zero(t, c.AverageMs())
	assert.Zero(t, c.Throughput())
	assert.Equal(t, HealthAttention, c.Health().Level)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		avg, tp float64
		want    HealthLevel
	}{
		{50, 20, HealthExcellent},
		{50, 8, HealthGood}, // both thresholds must clear
		{400, 20, HealthGood},
		{900, 2, HealthFair},
		{900, 0.5, HealthAttention},
		{1500, 100, HealthAttention},
		{100, 20, HealthGood}, // bounds are strict
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.avg, tt.tp), "avg=%v tp=%v", tt.avg, tt.tp)
	}
}

func TestCollector_Reset(t *testing.T) {
	c, clock := newTestCollector()
	record(c, clock, "600000", 5*time.Millisecond)

	c.Reset()

	s := c.Snapshot()
	assert.Zero(t, s.TotalJobs)
	assert.Zero(t, s.AverageMs)
	assert.Empty(t, s.Instruments)
}

type stubProcessor struct{}

func (stubProcessor) ProcessingStats() string { return "processed=3 failed=1" }
func (stubProcessor) PoolStatus() string      { return "pool active=0" }

func TestCollector_Report(t *testing.T) {
	c, clock := newTestCollector()
	c.AttachProcessor(stubProcessor{})
	record(c, clock, "600000", 12*time.Millisecond)

	report := c.Report()
	assert.Contains(t, report, "total jobs: 1")
	assert.Contains(t, report, "average duration: 12.00ms")
	assert.Contains(t, report, "processed=3 failed=1")
	assert.Contains(t, report, "600000: jobs=1")
}

func TestCollector_RunStopsWithContext(t *testing.T) {
	c := NewCollector(Config{ReportInterval: time.Millisecond}, nil)
	c.RecordEnd("600000", c.RecordStart("600000"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
