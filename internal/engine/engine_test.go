package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"surgelab/internal/baseline"
	"surgelab/internal/config"
	"surgelab/internal/sched"
)

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quickDef(srvURL string) *config.TestDefinition {
	return &config.TestDefinition{
		Name:        "engine-test",
		Concurrency: 5,
		Steady:      config.Duration(300 * time.Millisecond),
		Seed:        42,
		Endpoints: []config.Endpoint{
			{Name: "ok", URL: srvURL, Weight: 100, Timeout: config.Duration(time.Second)},
		},
		Behavior: config.BehaviorProfile{
			ThinkMin:   config.Duration(5 * time.Millisecond),
			ThinkMax:   config.Duration(10 * time.Millisecond),
			SessionMin: config.Duration(250 * time.Millisecond),
			SessionMax: config.Duration(250 * time.Millisecond),
			NetworkDelays: map[string]config.DelayRange{
				"broadband": {Min: config.Duration(time.Microsecond), Max: config.Duration(2 * time.Microsecond)},
				"wifi":      {Min: config.Duration(time.Microsecond), Max: config.Duration(2 * time.Microsecond)},
				"4g":        {Min: config.Duration(time.Microsecond), Max: config.Duration(2 * time.Microsecond)},
				"3g":        {Min: config.Duration(time.Microsecond), Max: config.Duration(2 * time.Microsecond)},
			},
		},
	}
}

func openStore(t *testing.T) *baseline.Store {
	t.Helper()
	s, err := baseline.Open(filepath.Join(t.TempDir(), "baselines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEngine_RunToCompletion(t *testing.T) {
	srv := okServer(t)
	eng := New(nil, zap.NewNop())

	id, err := eng.Start(quickDef(srv.URL))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, eng.Wait(id))

	res, err := eng.Result(id)
	require.NoError(t, err)
	assert.Equal(t, sched.PhaseCompleted, res.Status)
	assert.Equal(t, id, res.TestID)
	assert.Positive(t, res.Metrics.Total)
	assert.Equal(t, res.Metrics.Total, res.Metrics.Successful+res.Metrics.Failed)
	assert.Nil(t, res.Regression, "no store, no comparison")
	assert.Equal(t, "passed", res.Verdict())
}

func TestEngine_StartRejectsBadConfig(t *testing.T) {
	eng := New(nil, zap.NewNop())

	def := quickDef("http://localhost")
	def.Concurrency = 0
	_, err := eng.Start(def)
	require.Error(t, err)
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestEngine_Stop(t *testing.T) {
	srv := okServer(t)
	eng := New(nil, zap.NewNop())

	def := quickDef(srv.URL)
	def.Steady = config.Duration(30 * time.Second)
	def.Behavior.SessionMin = config.Duration(20 * time.Second)
	def.Behavior.SessionMax = config.Duration(20 * time.Second)

	id, err := eng.Start(def)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	m, err := eng.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, sched.PhaseStopped, m.Status)
	assert.Positive(t, m.Total, "metrics collected up to the stop survive")

	res, err := eng.Result(id)
	require.NoError(t, err)
	assert.Equal(t, sched.PhaseStopped, res.Status)
}

func TestEngine_StatusLifecycle(t *testing.T) {
	srv := okServer(t)
	eng := New(nil, zap.NewNop())

	def := quickDef(srv.URL)
	def.Steady = config.Duration(2 * time.Second)

	id, err := eng.Start(def)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	m, err := eng.Status(id)
	require.NoError(t, err)
	assert.NotEqual(t, sched.PhaseCompleted, m.Status, "still running")

	_, err = eng.Result(id)
	assert.Error(t, err, "no result while running")

	active := eng.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].TestID)

	require.NoError(t, eng.Wait(id))

	m, err = eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, sched.PhaseCompleted, m.Status)
	assert.Empty(t, eng.ListActive())
}

func TestEngine_UnknownID(t *testing.T) {
	eng := New(nil, zap.NewNop())

	_, err := eng.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownTest)
	_, err = eng.Stop("nope")
	assert.ErrorIs(t, err, ErrUnknownTest)
	_, err = eng.Result("nope")
	assert.ErrorIs(t, err, ErrUnknownTest)
	assert.ErrorIs(t, eng.Wait("nope"), ErrUnknownTest)
}

func TestEngine_BaselineRoundTrip(t *testing.T) {
	srv := okServer(t)
	store := openStore(t)
	eng := New(store, zap.NewNop())

	// First run: no baseline yet, promote its result.
	id1, err := eng.Start(quickDef(srv.URL))
	require.NoError(t, err)
	require.NoError(t, eng.Wait(id1))

	res1, err := eng.Result(id1)
	require.NoError(t, err)
	assert.Nil(t, res1.Regression)

	require.NoError(t, eng.PromoteBaseline(id1, "v1"))

	stored, err := store.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, "engine-test", stored.TestName)
	assert.Contains(t, stored.Metrics, "api.throughput_rps")

	// Second run compares against it.
	id2, err := eng.Start(quickDef(srv.URL))
	require.NoError(t, err)
	require.NoError(t, eng.Wait(id2))

	res2, err := eng.Result(id2)
	require.NoError(t, err)
	require.NotNil(t, res2.Regression)
	assert.NotEmpty(t, res2.Regression.Comparisons)
	// Enforcement defaults to disabled: observation-only, always passed.
	assert.Equal(t, "passed", res2.Regression.Verdict)
}

func TestEngine_PromoteRequiresStore(t *testing.T) {
	eng := New(nil, zap.NewNop())
	assert.Error(t, eng.PromoteBaseline("any", "v1"))
}

func TestEngine_MonitorRecordsBottlenecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	eng := New(nil, zap.NewNop(), WithAnalysisInterval(100*time.Millisecond))

	def := quickDef(srv.URL)
	def.Steady = config.Duration(600 * time.Millisecond)
	def.Behavior.SessionMin = config.Duration(500 * time.Millisecond)
	def.Behavior.SessionMax = config.Duration(500 * time.Millisecond)

	id, err := eng.Start(def)
	require.NoError(t, err)

	time.Sleep(400 * time.Millisecond)
	mid, err := eng.Bottlenecks(id)
	require.NoError(t, err)
	assert.NotEmpty(t, mid, "every request fails, detector must fire mid-run")

	require.NoError(t, eng.Wait(id))

	final, err := eng.Bottlenecks(id)
	require.NoError(t, err)
	assert.NotEmpty(t, final)
}

func TestEngine_Shutdown(t *testing.T) {
	srv := okServer(t)
	eng := New(nil, zap.NewNop())

	def := quickDef(srv.URL)
	def.Steady = config.Duration(30 * time.Second)
	def.Behavior.SessionMin = config.Duration(20 * time.Second)
	def.Behavior.SessionMax = config.Duration(20 * time.Second)

	id1, err := eng.Start(def)
	require.NoError(t, err)
	id2, err := eng.Start(def)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	for _, id := range []string{id1, id2} {
		res, err := eng.Result(id)
		require.NoError(t, err)
		assert.Equal(t, sched.PhaseStopped, res.Status)
	}
}
