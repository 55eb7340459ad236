package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"surgelab/internal/alert"
	"surgelab/internal/analysis"
	"surgelab/internal/baseline"
	"surgelab/internal/config"
	"surgelab/internal/dispatch"
	"surgelab/internal/metrics"
	"surgelab/internal/regression"
	"surgelab/internal/report"
	"surgelab/internal/sched"
	"surgelab/internal/vuser"
)

// ErrUnknownTest is returned for test IDs the engine has never seen.
var ErrUnknownTest = errors.New("engine: unknown test id")

// Engine is the explicit service value that owns all runs. Construct one
// at process start and pass it around; there is no package-level state.
type Engine struct {
	store    *baseline.Store // optional
	logger   *zap.Logger
	interval time.Duration

	mu   sync.RWMutex
	runs map[string]*run
}

type run struct {
	id         string
	def        *config.TestDefinition
	collector  *metrics.Collector
	scheduler  *sched.Scheduler
	dispatcher *dispatch.Dispatcher
	notifier   *alert.Notifier
	done       chan struct{}

	mu          sync.Mutex
	bottlenecks []analysis.Bottleneck
	result      *report.Result
}

// Option configures the engine.
type Option func(*Engine)

// WithAnalysisInterval sets how often the bottleneck detector runs during
// a test.
func WithAnalysisInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// New builds an engine. store may be nil when no baseline comparison is
// wanted.
func New(store *baseline.Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:    store,
		logger:   logger,
		interval: 10 * time.Second,
		runs:     map[string]*run{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates the definition and launches a run, returning its test
// ID. Configuration errors are fatal: the test never starts.
func (e *Engine) Start(def *config.TestDefinition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}

	seed := def.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	collector := metrics.NewCollector(def.RegionNames())
	factory, err := vuser.NewFactory(def, seed, e.logger)
	if err != nil {
		return "", err
	}
	dispatcher := dispatch.NewDispatcher(def, collector, e.logger)
	scheduler := sched.New(def, factory, dispatcher, collector, e.logger)

	r := &run{
		id:         uuid.NewString(),
		def:        def,
		collector:  collector,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		notifier:   alert.FromConfig(def.Alerting, e.logger),
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()

	e.logger.Info("test started",
		zap.String("test_id", r.id),
		zap.String("name", def.Name),
		zap.Int("concurrency", def.Concurrency),
		zap.Int64("seed", seed),
	)
	go e.execute(r)
	return r.id, nil
}

func (e *Engine) execute(r *run) {
	monitorStop := make(chan struct{})
	go e.monitor(r, monitorStop)

	status := r.scheduler.Run(context.Background())
	close(monitorStop)

	final := r.collector.Snapshot()
	final.TestID = r.id
	final.Name = r.def.Name
	final.Status = status

	res := &report.Result{
		TestID:      r.id,
		Name:        r.def.Name,
		Status:      status,
		GeneratedAt: time.Now(),
		Metrics:     final,
		Bottlenecks: analysis.Detect(final),
	}
	res.Regression = e.compare(r, final)

	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
	close(r.done)

	e.notify(r, res)
	e.logger.Info("test finished",
		zap.String("test_id", r.id),
		zap.String("status", status),
		zap.String("verdict", res.Verdict()),
		zap.Uint64("total", final.Total),
		zap.Float64("error_rate", final.ErrorRate),
	)
}

// monitor runs the bottleneck detector on the collection interval.
func (e *Engine) monitor(r *run, stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			found := analysis.Detect(r.collector.Snapshot())
			r.mu.Lock()
			r.bottlenecks = found
			r.mu.Unlock()
			for _, b := range found {
				e.logger.Warn("bottleneck detected",
					zap.String("test_id", r.id),
					zap.String("category", b.Category),
					zap.String("severity", b.Severity),
				)
			}
		}
	}
}

// compare runs the regression comparator against the configured baseline.
// A missing baseline is not an error; the run simply has no comparison.
func (e *Engine) compare(r *run, final *metrics.TestMetrics) *regression.Result {
	if e.store == nil {
		return nil
	}
	base, err := e.store.Get(r.def.Regression.Baseline)
	if err != nil {
		if errors.Is(err, baseline.ErrNotFound) {
			e.logger.Info("no baseline stored, skipping regression comparison",
				zap.String("test_id", r.id))
		} else {
			e.logger.Warn("baseline lookup failed", zap.Error(err))
		}
		return nil
	}
	cmp := regression.NewComparator(r.def.Regression, e.logger)
	return cmp.Compare(base.Metrics, final.Flatten())
}

func (e *Engine) notify(r *run, res *report.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if res.Status == sched.PhaseFailed {
		r.notifier.Notify(ctx, alert.Event{
			Category: "run",
			Severity: analysis.SeverityCritical,
			Message:  fmt.Sprintf("test %s terminated in failed state", r.def.Name),
			Data:     map[string]interface{}{"test_id": r.id},
		})
	}
	if res.Regression == nil {
		return
	}
	for _, v := range res.Regression.Violations {
		r.notifier.Notify(ctx, alert.Event{
			Category: v.Category,
			Severity: v.Severity,
			Message: fmt.Sprintf("%s changed %+.1f%% against baseline (threshold %.1f%%)",
				v.Metric, v.PercentChange, v.Threshold),
			Data: map[string]interface{}{
				"test_id":  r.id,
				"metric":   v.Metric,
				"baseline": v.Baseline,
				"current":  v.Current,
				"status":   v.Status,
			},
		})
	}
}

// Stop requests an orderly stop and blocks until the run reaches its
// terminal state, returning the final metrics. A stopped run keeps
// everything collected up to the stop, marked with its terminal status.
func (e *Engine) Stop(id string) (*metrics.TestMetrics, error) {
	r, err := e.get(id)
	if err != nil {
		return nil, err
	}
	r.scheduler.Stop()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Metrics, nil
}

// Status returns a metrics snapshot: live and approximate while the run
// is in flight, final once it has terminated.
func (e *Engine) Status(id string) (*metrics.TestMetrics, error) {
	r, err := e.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result.Metrics, nil
	default:
		m := r.collector.Snapshot()
		m.TestID = r.id
		m.Name = r.def.Name
		m.Status = r.scheduler.Phase()
		return m, nil
	}
}

// ListActive returns snapshots of every run that has not terminated.
func (e *Engine) ListActive() []*metrics.TestMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*metrics.TestMetrics
	for id, r := range e.runs {
		select {
		case <-r.done:
			continue
		default:
		}
		m := r.collector.Snapshot()
		m.TestID = id
		m.Name = r.def.Name
		m.Status = r.scheduler.Phase()
		out = append(out, m)
	}
	return out
}

// Wait blocks until the run terminates.
func (e *Engine) Wait(id string) error {
	r, err := e.get(id)
	if err != nil {
		return err
	}
	<-r.done
	return nil
}

// Result returns the full report for a terminated run.
func (e *Engine) Result(id string) (*report.Result, error) {
	r, err := e.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	default:
		return nil, fmt.Errorf("engine: test %s still running", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, nil
}

// PromoteBaseline stores a finished run's metrics as a new baseline
// version.
func (e *Engine) PromoteBaseline(id, version string) error {
	if e.store == nil {
		return errors.New("engine: no baseline store configured")
	}
	res, err := e.Result(id)
	if err != nil {
		return err
	}
	return e.store.Put(&baseline.Baseline{
		Version:  version,
		TestName: res.Name,
		Environment: map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
			"go":   runtime.Version(),
		},
		Metrics: res.Metrics.Flatten(),
	})
}

// Shutdown stops every active run and waits for them, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	for _, r := range runs {
		r.scheduler.Stop()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Bottlenecks returns the most recent periodic bottleneck analysis for a
// run, or the final analysis once it has terminated.
func (e *Engine) Bottlenecks(id string) ([]analysis.Bottleneck, error) {
	r, err := e.get(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result != nil {
		return r.result.Bottlenecks, nil
	}
	return r.bottlenecks, nil
}

// InflightTotal returns the number of requests currently on the wire
// across all active runs.
func (e *Engine) InflightTotal() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var total int64
	for _, r := range e.runs {
		select {
		case <-r.done:
		default:
			total += r.dispatcher.Inflight()
		}
	}
	return total
}

func (e *Engine) get(id string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, ErrUnknownTest
	}
	return r, nil
}
