package regression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"surgelab/internal/config"
)

func enforcedConfig() config.RegressionConfig {
	return config.RegressionConfig{
		Default:     config.ThresholdConfig{Relative: 20},
		Enforcement: config.EnforcementConfig{Enabled: true, FailureThreshold: config.FailOnAny},
	}
}

func TestComparator_IdenticalMetrics(t *testing.T) {
	c := NewComparator(enforcedConfig(), zap.NewNop())

	m := map[string]float64{
		"api.response_time.p95_ms": 250,
		"api.throughput_rps":       500,
		"api.error_rate_pct":       0.5,
	}
	res := c.Compare(m, m)

	assert.Len(t, res.Comparisons, 3)
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, VerdictPassed, res.Verdict)
	for _, cmp := range res.Comparisons {
		assert.Equal(t, StatusPass, cmp.Status)
		assert.Zero(t, cmp.PercentChange)
	}
}

func TestComparator_RelativeTiers(t *testing.T) {
	c := NewComparator(enforcedConfig(), zap.NewNop())

	t.Run("within threshold passes", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.response_time.p95_ms": 100},
			map[string]float64{"api.response_time.p95_ms": 115},
		)
		assert.Empty(t, res.Violations)
		assert.Equal(t, VerdictPassed, res.Verdict)
	})

	t.Run("between 1x and 2x warns at medium", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.response_time.p95_ms": 100},
			map[string]float64{"api.response_time.p95_ms": 130},
		)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, StatusWarn, res.Violations[0].Status)
		assert.Equal(t, SeverityMedium, res.Violations[0].Severity)
		assert.InDelta(t, 30, res.Violations[0].PercentChange, 0.001)
	})

	t.Run("beyond 2x fails at high", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.response_time.p95_ms": 100},
			map[string]float64{"api.response_time.p95_ms": 145},
		)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, StatusFail, res.Violations[0].Status)
		assert.Equal(t, SeverityHigh, res.Violations[0].Severity)
	})
}

func TestComparator_AbsoluteVsRelative(t *testing.T) {
	cfg := enforcedConfig()
	cfg.Thresholds = map[string]config.ThresholdConfig{
		"api.response_time.p95_ms": {Relative: 20, Absolute: 500},
	}
	c := NewComparator(cfg, zap.NewNop())

	t.Run("relative breach under the ceiling is high, not critical", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.response_time.p95_ms": 300},
			map[string]float64{"api.response_time.p95_ms": 450},
		)
		require.Len(t, res.Violations, 1)
		v := res.Violations[0]
		assert.Equal(t, StatusFail, v.Status)
		assert.Equal(t, SeverityHigh, v.Severity)
		assert.InDelta(t, 50, v.PercentChange, 0.001)
	})

	t.Run("ceiling breach is critical even on small relative change", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.response_time.p95_ms": 490},
			map[string]float64{"api.response_time.p95_ms": 510},
		)
		require.Len(t, res.Violations, 1)
		v := res.Violations[0]
		assert.Equal(t, StatusFail, v.Status)
		assert.Equal(t, SeverityCritical, v.Severity)
	})
}

func TestComparator_DecreaseMetrics(t *testing.T) {
	c := NewComparator(enforcedConfig(), zap.NewNop())

	t.Run("throughput drop is a regression", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.throughput_rps": 1000},
			map[string]float64{"api.throughput_rps": 500},
		)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, StatusFail, res.Violations[0].Status)
		assert.InDelta(t, -50, res.Violations[0].PercentChange, 0.001)
	})

	t.Run("throughput gain is not a regression", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.throughput_rps": 500},
			map[string]float64{"api.throughput_rps": 1000},
		)
		assert.Empty(t, res.Violations)
	})

	t.Run("availability floor breach is critical", func(t *testing.T) {
		cfg := enforcedConfig()
		cfg.Thresholds = map[string]config.ThresholdConfig{
			"api.availability_pct": {Relative: 5, Absolute: 99},
		}
		res := NewComparator(cfg, zap.NewNop()).Compare(
			map[string]float64{"api.availability_pct": 99.9},
			map[string]float64{"api.availability_pct": 97.0},
		)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, SeverityCritical, res.Violations[0].Severity)
	})

	t.Run("latency drop is an improvement", func(t *testing.T) {
		res := c.Compare(
			map[string]float64{"api.response_time.p95_ms": 400},
			map[string]float64{"api.response_time.p95_ms": 100},
		)
		assert.Empty(t, res.Violations)
	})
}

func TestComparator_MissingBaselineMetric(t *testing.T) {
	c := NewComparator(enforcedConfig(), zap.NewNop())

	res := c.Compare(
		map[string]float64{"api.response_time.p95_ms": 100},
		map[string]float64{
			"api.response_time.p95_ms":       100,
			"region.ap-south.avg_latency_ms": 80,
		},
	)

	assert.Len(t, res.Comparisons, 1)
	assert.Equal(t, []string{"region.ap-south.avg_latency_ms"}, res.Skipped)
	assert.Equal(t, VerdictPassed, res.Verdict, "skips are not violations")
}

func TestComparator_ZeroBaseline(t *testing.T) {
	c := NewComparator(enforcedConfig(), zap.NewNop())

	res := c.Compare(
		map[string]float64{"api.error_rate_pct": 0},
		map[string]float64{"api.error_rate_pct": 3},
	)
	require.Len(t, res.Comparisons, 1)
	assert.InDelta(t, 100, res.Comparisons[0].PercentChange, 0.001)
	assert.Len(t, res.Violations, 1)
}

func TestComparator_Verdicts(t *testing.T) {
	baseline := map[string]float64{
		"api.response_time.p95_ms": 100, // warn: +30%
		"api.error_rate_pct":       1,   // fail high: +300%
	}
	current := map[string]float64{
		"api.response_time.p95_ms": 130,
		"api.error_rate_pct":       4,
	}

	t.Run("fail on any", func(t *testing.T) {
		cfg := enforcedConfig()
		res := NewComparator(cfg, zap.NewNop()).Compare(baseline, current)
		assert.Equal(t, VerdictFailed, res.Verdict)
	})

	t.Run("fail on all ignores bare warns", func(t *testing.T) {
		cfg := enforcedConfig()
		cfg.Enforcement.FailureThreshold = config.FailOnAll
		res := NewComparator(cfg, zap.NewNop()).Compare(
			map[string]float64{"api.response_time.p95_ms": 100},
			map[string]float64{"api.response_time.p95_ms": 130},
		)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, VerdictPassed, res.Verdict)
	})

	t.Run("fail on critical ignores high failures", func(t *testing.T) {
		cfg := enforcedConfig()
		cfg.Enforcement.FailureThreshold = config.FailOnCritical
		res := NewComparator(cfg, zap.NewNop()).Compare(baseline, current)
		assert.NotEmpty(t, res.Violations)
		assert.Equal(t, VerdictPassed, res.Verdict)
	})

	t.Run("enforcement disabled always passes", func(t *testing.T) {
		cfg := enforcedConfig()
		cfg.Enforcement.Enabled = false
		res := NewComparator(cfg, zap.NewNop()).Compare(baseline, current)
		assert.NotEmpty(t, res.Violations)
		assert.Equal(t, VerdictPassed, res.Verdict)
	})
}

func TestDirectionFor(t *testing.T) {
	assert.Equal(t, LowerIsWorse, directionFor("api.throughput_rps"))
	assert.Equal(t, LowerIsWorse, directionFor("api.availability_pct"))
	assert.Equal(t, LowerIsWorse, directionFor("cache.hit_rate_pct"))
	assert.Equal(t, HigherIsWorse, directionFor("api.response_time.p95_ms"))
	assert.Equal(t, HigherIsWorse, directionFor("api.error_rate_pct"))
}

func TestThresholdFor(t *testing.T) {
	t.Run("per-metric beats default", func(t *testing.T) {
		cfg := enforcedConfig()
		cfg.Thresholds = map[string]config.ThresholdConfig{"x": {Relative: 5}}
		c := NewComparator(cfg, zap.NewNop())
		assert.Equal(t, 5.0, c.thresholdFor("x").Relative)
		assert.Equal(t, 20.0, c.thresholdFor("y").Relative)
	})

	t.Run("built-in fallback when nothing configured", func(t *testing.T) {
		c := NewComparator(config.RegressionConfig{}, zap.NewNop())
		assert.Equal(t, 20.0, c.thresholdFor("anything").Relative)
	})
}
