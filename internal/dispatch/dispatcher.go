package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"surgelab/internal/config"
	"surgelab/internal/metrics"
	"surgelab/internal/vuser"
)

// retryDelay is the fixed pause between request attempts. No backoff
// schedule is guaranteed beyond this.
const retryDelay = 100 * time.Millisecond

// defaultDelays simulates last-mile network conditions per network class.
// Constrained classes get higher and wider delay ranges.
var defaultDelays = map[string]config.DelayRange{
	"broadband": {Min: config.Duration(2 * time.Millisecond), Max: config.Duration(10 * time.Millisecond)},
	"wifi":      {Min: config.Duration(5 * time.Millisecond), Max: config.Duration(25 * time.Millisecond)},
	"4g":        {Min: config.Duration(30 * time.Millisecond), Max: config.Duration(100 * time.Millisecond)},
	"3g":        {Min: config.Duration(100 * time.Millisecond), Max: config.Duration(400 * time.Millisecond)},
	"2g":        {Min: config.Duration(300 * time.Millisecond), Max: config.Duration(900 * time.Millisecond)},
}

// Dispatcher runs virtual-user behavior loops and executes their requests
// through category worker pools, so simulated concurrency never translates
// into unbounded socket pressure.
type Dispatcher struct {
	def       *config.TestDefinition
	client    *http.Client
	collector *metrics.Collector
	logger    *zap.Logger

	pools map[string]*Pool
	cum   []float64
	total float64

	hardCtx  context.Context
	inflight int64
}

func NewDispatcher(def *config.TestDefinition, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxConnsPerHost = 2000
	t.MaxIdleConnsPerHost = 2000
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		def: def,
		// Per-request deadlines come from each endpoint's timeout, not a
		// client-wide one.
		client:    &http.Client{Transport: t},
		collector: collector,
		logger:    logger,
		pools:     map[string]*Pool{},
	}

	reject := def.Pool.Overflow == config.OverflowReject
	for _, ep := range def.Endpoints {
		d.total += ep.Weight
		d.cum = append(d.cum, d.total)

		if _, ok := d.pools[ep.Category]; !ok {
			workers := def.Pool.Workers
			if n, ok := def.Pool.Categories[ep.Category]; ok && n > 0 {
				workers = n
			}
			d.pools[ep.Category] = NewPool(ep.Category, workers, def.Pool.QueueSize, reject)
		}
	}
	return d
}

// Start launches the worker pools. The given context is the hard stop:
// canceling it kills in-flight requests, so the scheduler only cancels it
// after the drain grace period.
func (d *Dispatcher) Start(ctx context.Context) {
	d.hardCtx = ctx
	for _, p := range d.pools {
		p.Start(ctx)
	}
}

// Inflight returns the number of requests currently on the wire.
func (d *Dispatcher) Inflight() int64 { return atomic.LoadInt64(&d.inflight) }

// SelectEndpoint picks one endpoint by weighted random draw: a uniform
// draw in [0, totalWeight) selects the first endpoint whose cumulative
// weight exceeds it. Deterministic for a fixed rng stream.
func (d *Dispatcher) SelectEndpoint(rng *rand.Rand) *config.Endpoint {
	draw := rng.Float64() * d.total
	for i := range d.cum {
		if draw < d.cum[i] {
			return &d.def.Endpoints[i]
		}
	}
	return &d.def.Endpoints[len(d.def.Endpoints)-1]
}

// RunSession drives one virtual user: think, pick an endpoint, simulate
// network delay, execute, repeat until the session elapses or ctx is
// canceled. Requests within a session are strictly sequential.
func (d *Dispatcher) RunSession(ctx context.Context, u *vuser.VirtualUser) {
	u.StartedAt = time.Now()
	defer u.SetState(vuser.StateTerminated)

	for {
		if u.SessionExpired() {
			return
		}
		u.SetState(vuser.StateThinking)
		if !sleepCtx(ctx, u.ThinkTime()) {
			// Stop observed during think time; nothing in flight, nothing
			// to record.
			return
		}
		if u.SessionExpired() {
			return
		}

		ep := d.SelectEndpoint(u.Rand)
		if !sleepCtx(ctx, d.networkDelay(u.Network, u.Rand)) {
			return
		}

		d.executeCycle(ctx, u, ep)
	}
}

func (d *Dispatcher) executeCycle(ctx context.Context, u *vuser.VirtualUser, ep *config.Endpoint) {
	pool := d.pools[ep.Category]

	u.SetState(vuser.StateRequesting)
	var sample metrics.Sample
	err := pool.Do(ctx, func() {
		sample = d.execute(u, ep)
	})
	u.SetState(vuser.StateProcessing)

	var capErr *CapacityError
	switch {
	case errors.As(err, &capErr):
		d.collector.Record(metrics.Sample{
			Endpoint: ep.Name,
			Category: ep.Category,
			UserID:   u.ID,
			Region:   u.Region,
			Start:    time.Now(),
			Outcome:  metrics.OutcomeCapacity,
		})
	case err != nil:
		// Run teardown raced the task; the partial cycle is discarded.
		return
	default:
		d.collector.Record(sample)
		u.Requests++
	}
}

// execute performs one request cycle with retries. Exhausting retries
// converts the last classified failure into the terminal sample.
func (d *Dispatcher) execute(u *vuser.VirtualUser, ep *config.Endpoint) metrics.Sample {
	atomic.AddInt64(&d.inflight, 1)
	defer atomic.AddInt64(&d.inflight, -1)

	var sample metrics.Sample
	for attempt := 0; attempt <= ep.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		sample = d.attempt(u, ep)
		if sample.Outcome == metrics.OutcomeSuccess {
			return sample
		}
	}
	return sample
}

func (d *Dispatcher) attempt(u *vuser.VirtualUser, ep *config.Endpoint) metrics.Sample {
	// Derived from the hard context, not the session context: a stop
	// request lets in-flight calls complete or hit their timeout.
	reqCtx, cancel := context.WithTimeout(d.hardCtx, ep.Timeout.Duration())
	defer cancel()

	sample := metrics.Sample{
		Endpoint: ep.Name,
		Category: ep.Category,
		UserID:   u.ID,
		Region:   u.Region,
		Start:    time.Now(),
	}

	var body io.Reader
	if ep.Body != "" {
		body = strings.NewReader(ep.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, ep.Method, ep.URL, body)
	if err != nil {
		sample.Outcome = metrics.OutcomeUnknown
		sample.Latency = time.Since(sample.Start)
		return sample
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if ep.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	sample.Latency = time.Since(sample.Start)

	if err != nil {
		sample.Outcome = classifyTransport(err)
		return sample
	}
	defer resp.Body.Close()

	n, _ := io.Copy(io.Discard, resp.Body)
	sample.Bytes = n
	sample.Status = resp.StatusCode

	if resp.StatusCode != ep.ExpectedStatus {
		sample.Outcome = metrics.OutcomeStatusMismatch
	} else {
		sample.Outcome = metrics.OutcomeSuccess
	}
	return sample
}

func (d *Dispatcher) networkDelay(class string, rng *rand.Rand) time.Duration {
	r, ok := d.def.Behavior.NetworkDelays[class]
	if !ok {
		r, ok = defaultDelays[class]
	}
	if !ok {
		r = config.DelayRange{
			Min: config.Duration(10 * time.Millisecond),
			Max: config.Duration(50 * time.Millisecond),
		}
	}
	min, max := r.Min.Duration(), r.Max.Duration()
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

func classifyTransport(err error) metrics.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return metrics.OutcomeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return metrics.OutcomeTimeout
		}
		return metrics.OutcomeNetwork
	}
	if strings.Contains(err.Error(), "connection refused") {
		return metrics.OutcomeNetwork
	}
	return metrics.OutcomeUnknown
}

// sleepCtx waits for d or until ctx is canceled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
