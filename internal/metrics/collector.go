package metrics

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount spreads counter writes so 50k+ concurrent users don't fight
// over one cache line. Must be a power of two.
const shardCount = 32

// AggregationError marks an internal invariant violation in the collector.
// It is fatal to the run and must be surfaced, never swallowed.
type AggregationError struct {
	Op  string
	Err error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("metrics: %s: %v", e.Op, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

type shard struct {
	total        uint64
	success      uint64
	failed       uint64
	bytes        uint64
	serverErrors uint64

	timeouts       uint64
	statusMismatch uint64
	network        uint64
	capacity       uint64
	unknown        uint64

	latency *SafeHistogram

	_ [32]byte // keep shards off each other's cache lines
}

func (s *shard) bucket(o Outcome) *uint64 {
	switch o {
	case OutcomeTimeout:
		return &s.timeouts
	case OutcomeStatusMismatch:
		return &s.statusMismatch
	case OutcomeNetwork:
		return &s.network
	case OutcomeCapacity:
		return &s.capacity
	default:
		return &s.unknown
	}
}

type regionStats struct {
	requests uint64
	errors   uint64

	mu      sync.Mutex
	count   int64
	meanUs  float64 // incremental mean, bounds memory
}

// Collector is the single piece of shared mutable state all dispatcher
// workers touch. Record is safe for concurrent use; Snapshot merges the
// shards into a consistent view without stalling writers.
type Collector struct {
	start time.Time

	shards [shardCount]*shard

	regionMu sync.RWMutex
	regions  map[string]*regionStats

	active int64
	peak   int64

	frozen  atomic.Bool
	endUnix atomic.Int64

	errOnce sync.Once
	err     atomic.Value // *AggregationError
}

// NewCollector creates a collector pre-seeded with the configured regions
// so the steady-state Record path never takes the region write lock.
func NewCollector(regions []string) *Collector {
	c := &Collector{
		start:   time.Now(),
		regions: make(map[string]*regionStats, len(regions)+1),
	}
	for i := range c.shards {
		c.shards[i] = &shard{latency: NewSafeHistogram()}
	}
	for _, r := range regions {
		c.regions[r] = &regionStats{}
	}
	return c
}

// Record folds one sample into the aggregate. Samples arriving after
// Freeze are discarded so a stop cannot double-count in-flight work.
func (c *Collector) Record(s Sample) {
	if c.frozen.Load() {
		return
	}

	sh := c.shards[shardFor(s.UserID)]
	atomic.AddUint64(&sh.total, 1)
	atomic.AddUint64(&sh.bytes, uint64(s.Bytes))
	if s.Failed() {
		atomic.AddUint64(&sh.failed, 1)
		atomic.AddUint64(sh.bucket(s.Outcome), 1)
	} else {
		atomic.AddUint64(&sh.success, 1)
	}
	if s.Status >= 500 {
		atomic.AddUint64(&sh.serverErrors, 1)
	}

	// Capacity rejections never reached the wire; their latency is noise.
	if s.Outcome != OutcomeCapacity {
		if err := sh.latency.RecordValue(s.Latency.Microseconds()); err != nil {
			c.fail("record latency", err)
		}
	}

	if s.Region != "" {
		c.recordRegion(s)
	}
}

func (c *Collector) recordRegion(s Sample) {
	c.regionMu.RLock()
	rs, ok := c.regions[s.Region]
	c.regionMu.RUnlock()
	if !ok {
		c.regionMu.Lock()
		rs, ok = c.regions[s.Region]
		if !ok {
			rs = &regionStats{}
			c.regions[s.Region] = rs
		}
		c.regionMu.Unlock()
	}

	atomic.AddUint64(&rs.requests, 1)
	if s.Failed() {
		atomic.AddUint64(&rs.errors, 1)
	}
	rs.mu.Lock()
	rs.count++
	rs.meanUs += (float64(s.Latency.Microseconds()) - rs.meanUs) / float64(rs.count)
	rs.mu.Unlock()
}

// UserStarted bumps the concurrency gauge and keeps the peak monotonic.
func (c *Collector) UserStarted() {
	n := atomic.AddInt64(&c.active, 1)
	for {
		p := atomic.LoadInt64(&c.peak)
		if n <= p || atomic.CompareAndSwapInt64(&c.peak, p, n) {
			return
		}
	}
}

func (c *Collector) UserFinished() {
	atomic.AddInt64(&c.active, -1)
}

// Active returns the current concurrency gauge.
func (c *Collector) Active() int64 { return atomic.LoadInt64(&c.active) }

// Err returns the first aggregation error, if any.
func (c *Collector) Err() error {
	if v := c.err.Load(); v != nil {
		return v.(*AggregationError)
	}
	return nil
}

func (c *Collector) fail(op string, err error) {
	c.errOnce.Do(func() {
		c.err.Store(&AggregationError{Op: op, Err: err})
	})
}

// Freeze stops further accumulation. Later Record calls are no-ops.
func (c *Collector) Freeze() {
	if c.frozen.CompareAndSwap(false, true) {
		c.endUnix.Store(time.Now().UnixNano())
	}
}

// Frozen reports whether the collector has been frozen.
func (c *Collector) Frozen() bool { return c.frozen.Load() }

func (c *Collector) elapsed() time.Duration {
	if c.frozen.Load() {
		return time.Duration(c.endUnix.Load() - c.start.UnixNano())
	}
	return time.Since(c.start)
}

// Snapshot merges all shards into a consistent TestMetrics view. Safe to
// call while workers are still recording; mid-test percentiles are
// approximate over the samples collected so far.
func (c *Collector) Snapshot() *TestMetrics {
	m := &TestMetrics{
		StartedAt: c.start,
		Errors:    map[string]uint64{},
		Regions:   map[string]RegionMetrics{},
	}

	merged := NewSafeHistogram()
	for _, sh := range c.shards {
		m.Total += atomic.LoadUint64(&sh.total)
		m.Successful += atomic.LoadUint64(&sh.success)
		m.Failed += atomic.LoadUint64(&sh.failed)
		m.Bytes += atomic.LoadUint64(&sh.bytes)
		m.ServerErrors += atomic.LoadUint64(&sh.serverErrors)

		m.Errors[string(OutcomeTimeout)] += atomic.LoadUint64(&sh.timeouts)
		m.Errors[string(OutcomeStatusMismatch)] += atomic.LoadUint64(&sh.statusMismatch)
		m.Errors[string(OutcomeNetwork)] += atomic.LoadUint64(&sh.network)
		m.Errors[string(OutcomeCapacity)] += atomic.LoadUint64(&sh.capacity)
		m.Errors[string(OutcomeUnknown)] += atomic.LoadUint64(&sh.unknown)

		merged.Merge(sh.latency)
	}

	elapsed := c.elapsed()
	m.ElapsedSeconds = elapsed.Seconds()
	if m.ElapsedSeconds > 0 {
		m.Throughput = float64(m.Total) / m.ElapsedSeconds
	}
	if m.Total > 0 {
		m.ErrorRate = float64(m.Failed) / float64(m.Total) * 100
		m.Availability = float64(m.Successful) / float64(m.Total) * 100
	}

	if merged.TotalCount() > 0 {
		m.Latency = LatencySummary{
			MinMs:  float64(merged.Min()) / 1000,
			MeanMs: merged.Mean() / 1000,
			P50Ms:  float64(merged.ValueAtQuantile(50)) / 1000,
			P95Ms:  float64(merged.ValueAtQuantile(95)) / 1000,
			P99Ms:  float64(merged.ValueAtQuantile(99)) / 1000,
			MaxMs:  float64(merged.Max()) / 1000,
		}
	}

	c.regionMu.RLock()
	for name, rs := range c.regions {
		rs.mu.Lock()
		mean := rs.meanUs
		rs.mu.Unlock()
		m.Regions[name] = RegionMetrics{
			Requests:     atomic.LoadUint64(&rs.requests),
			Errors:       atomic.LoadUint64(&rs.errors),
			AvgLatencyMs: mean / 1000,
		}
	}
	c.regionMu.RUnlock()

	m.Concurrency = ConcurrencyMetrics{
		Current: atomic.LoadInt64(&c.active),
		Peak:    atomic.LoadInt64(&c.peak),
	}
	return m
}

func shardFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() & (shardCount - 1))
}
