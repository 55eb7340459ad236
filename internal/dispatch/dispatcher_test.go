package dispatch

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"surgelab/internal/config"
	"surgelab/internal/metrics"
	"surgelab/internal/vuser"
)

func dispatcherDef(t *testing.T, endpoints []config.Endpoint) *config.TestDefinition {
	t.Helper()
	def := &config.TestDefinition{
		Name:        "dispatch-test",
		Concurrency: 4,
		Steady:      config.Duration(time.Second),
		Endpoints:   endpoints,
		Behavior: config.BehaviorProfile{
			ThinkMin:   config.Duration(time.Millisecond),
			ThinkMax:   config.Duration(2 * time.Millisecond),
			SessionMin: config.Duration(200 * time.Millisecond),
			SessionMax: config.Duration(200 * time.Millisecond),
			NetworkDelays: map[string]config.DelayRange{
				"instant": {Min: config.Duration(time.Microsecond), Max: config.Duration(2 * time.Microsecond)},
			},
		},
	}
	require.NoError(t, def.Validate())
	return def
}

func testUser(seed int64) *vuser.VirtualUser {
	u := &vuser.VirtualUser{
		ID:              "user-1",
		Region:          "eu-west",
		Network:         "instant",
		ThinkMin:        time.Millisecond,
		ThinkMax:        2 * time.Millisecond,
		SessionDuration: 200 * time.Millisecond,
		Rand:            rand.New(rand.NewSource(seed)),
	}
	u.SetState(vuser.StateIdle)
	return u
}

func TestDispatcher_SelectEndpoint(t *testing.T) {
	def := dispatcherDef(t, []config.Endpoint{
		{Name: "hot", URL: "http://localhost/hot", Weight: 70},
		{Name: "cold", URL: "http://localhost/cold", Weight: 30},
	})
	c := metrics.NewCollector(nil)
	d := NewDispatcher(def, c, zap.NewNop())

	t.Run("ratio follows weights", func(t *testing.T) {
		rng := rand.New(rand.NewSource(11))
		counts := map[string]int{}
		for i := 0; i < 10000; i++ {
			counts[d.SelectEndpoint(rng).Name]++
		}
		assert.InDelta(t, 0.70, float64(counts["hot"])/10000, 0.02)
		assert.InDelta(t, 0.30, float64(counts["cold"])/10000, 0.02)
	})

	t.Run("deterministic under fixed seed", func(t *testing.T) {
		d2 := NewDispatcher(def, metrics.NewCollector(nil), zap.NewNop())
		r1 := rand.New(rand.NewSource(42))
		r2 := rand.New(rand.NewSource(42))
		for i := 0; i < 500; i++ {
			assert.Equal(t, d.SelectEndpoint(r1).Name, d2.SelectEndpoint(r2).Name)
		}
	})
}

func TestDispatcher_RunSession(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	def := dispatcherDef(t, []config.Endpoint{
		{Name: "ok", URL: srv.URL, Weight: 100, Timeout: config.Duration(2 * time.Second)},
	})
	c := metrics.NewCollector(nil)
	d := NewDispatcher(def, c, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	u := testUser(1)
	d.RunSession(ctx, u)

	assert.Equal(t, vuser.StateTerminated, u.State())
	assert.Positive(t, u.Requests)

	m := c.Snapshot()
	assert.Equal(t, uint64(u.Requests), m.Total)
	assert.Equal(t, m.Total, m.Successful)
	assert.Zero(t, m.Failed)
	mu.Lock()
	assert.Equal(t, hits, int(m.Total))
	mu.Unlock()
}

func TestDispatcher_StatusMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	def := dispatcherDef(t, []config.Endpoint{
		{Name: "broken", URL: srv.URL, Weight: 100, ExpectedStatus: 200, Timeout: config.Duration(time.Second)},
	})
	c := metrics.NewCollector(nil)
	d := NewDispatcher(def, c, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.RunSession(ctx, testUser(2))

	m := c.Snapshot()
	assert.Positive(t, m.Total)
	assert.Equal(t, m.Total, m.Failed)
	assert.Equal(t, m.Total, m.Errors[string(metrics.OutcomeStatusMismatch)])
	assert.Equal(t, m.Total, m.ServerErrors)
}

func TestDispatcher_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	def := dispatcherDef(t, []config.Endpoint{
		{Name: "slow", URL: srv.URL, Weight: 100, Timeout: config.Duration(50 * time.Millisecond)},
	})
	def.Behavior.SessionMin = config.Duration(100 * time.Millisecond)
	def.Behavior.SessionMax = config.Duration(100 * time.Millisecond)
	c := metrics.NewCollector(nil)
	d := NewDispatcher(def, c, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	u := testUser(3)
	u.SessionDuration = 100 * time.Millisecond
	d.RunSession(ctx, u)

	m := c.Snapshot()
	require.Positive(t, m.Total)
	assert.Equal(t, m.Total, m.Errors[string(metrics.OutcomeTimeout)])
}

func TestDispatcher_ConnectionRefused(t *testing.T) {
	def := dispatcherDef(t, []config.Endpoint{
		// Reserved port that nothing listens on.
		{Name: "dead", URL: "http://127.0.0.1:1", Weight: 100, Timeout: config.Duration(time.Second)},
	})
	def.Endpoints[0].Retries = 0
	c := metrics.NewCollector(nil)
	d := NewDispatcher(def, c, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	u := testUser(4)
	u.SessionDuration = 50 * time.Millisecond
	d.RunSession(ctx, u)

	m := c.Snapshot()
	require.Positive(t, m.Total)
	assert.Equal(t, m.Total, m.Errors[string(metrics.OutcomeNetwork)])
}

func TestPool_QueuePolicy(t *testing.T) {
	p := NewPool("general", 2, 2, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(ctx, func() {
				mu.Lock()
				ran++
				mu.Unlock()
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, ran, "queue policy blocks instead of dropping")
}

func TestPool_RejectPolicy(t *testing.T) {
	p := NewPool("alert", 1, 1, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	block := make(chan struct{})
	started := make(chan struct{})
	go p.Do(ctx, func() {
		close(started)
		<-block
	})
	<-started

	// Fill the queue, then overflow it.
	go p.Do(ctx, func() {})
	time.Sleep(20 * time.Millisecond)

	err := p.Do(ctx, func() {})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "alert", capErr.Category)

	close(block)
}

func TestPool_DoCanceled(t *testing.T) {
	p := NewPool("general", 1, 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()
	p.Wait()

	err := p.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyTransport(t *testing.T) {
	assert.Equal(t, metrics.OutcomeTimeout, classifyTransport(context.DeadlineExceeded))
	assert.Equal(t, metrics.OutcomeUnknown, classifyTransport(assert.AnError))
}

func TestNetworkDelay(t *testing.T) {
	def := dispatcherDef(t, []config.Endpoint{
		{Name: "ok", URL: "http://localhost/", Weight: 100},
	})
	d := NewDispatcher(def, metrics.NewCollector(nil), zap.NewNop())
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 50; i++ {
		got := d.networkDelay("3g", rng)
		assert.GreaterOrEqual(t, got, 100*time.Millisecond)
		assert.Less(t, got, 400*time.Millisecond)
	}

	// Unknown classes fall back to a moderate range.
	got := d.networkDelay("carrier-pigeon", rng)
	assert.GreaterOrEqual(t, got, 10*time.Millisecond)
	assert.Less(t, got, 50*time.Millisecond)
}
