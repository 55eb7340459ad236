package regression

import (
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"surgelab/internal/config"
)

// Comparison statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Severity tiers, matching the bottleneck detector's scale.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Verdicts.
const (
	VerdictPassed = "passed"
	VerdictFailed = "failed"
)

// Direction says which way a metric moves when it regresses.
type Direction int

const (
	// HigherIsWorse: latency, error rate. An increase is the regression.
	HigherIsWorse Direction = iota
	// LowerIsWorse: throughput, availability, cache hit rate. A decrease
	// is the regression.
	LowerIsWorse
)

// Comparison is one metric compared against its baseline value.
type Comparison struct {
	Metric        string  `json:"metric"`
	Category      string  `json:"category"`
	Baseline      float64 `json:"baseline"`
	Current       float64 `json:"current"`
	PercentChange float64 `json:"percent_change"`
	Threshold     float64 `json:"threshold"`
	Status        string  `json:"status"`
	Severity      string  `json:"severity"`
}

// Result is the full outcome of one baseline comparison.
type Result struct {
	Comparisons []Comparison `json:"comparisons"`
	Violations  []Comparison `json:"violations"`
	Skipped     []string     `json:"skipped,omitempty"`
	Verdict     string       `json:"verdict"`
}

// Comparator applies threshold configuration to metric maps. It carries a
// logger because missing baseline metrics are warnings, not failures:
// baselines may legitimately lack newly introduced endpoints.
type Comparator struct {
	cfg    config.RegressionConfig
	logger *zap.Logger
}

func NewComparator(cfg config.RegressionConfig, logger *zap.Logger) *Comparator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{cfg: cfg, logger: logger}
}

// Compare evaluates every current metric against the baseline. Metric keys
// present in current but absent from the baseline are skipped with a
// logged warning.
func (c *Comparator) Compare(baseline, current map[string]float64) *Result {
	res := &Result{}

	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		base, ok := baseline[key]
		if !ok {
			c.logger.Warn("baseline metric missing, skipping comparison", zap.String("metric", key))
			res.Skipped = append(res.Skipped, key)
			continue
		}
		cmp := compareOne(key, base, current[key], c.thresholdFor(key), directionFor(key))
		res.Comparisons = append(res.Comparisons, cmp)
		if cmp.Status != StatusPass {
			res.Violations = append(res.Violations, cmp)
		}
	}

	res.Verdict = c.verdict(res.Violations)
	return res
}

// compareOne is the single comparison routine every metric family goes
// through, parameterized by direction so decrease-is-regression metrics
// cannot drift out of sync with the increase ones.
func compareOne(metric string, base, cur float64, th config.ThresholdConfig, dir Direction) Comparison {
	cmp := Comparison{
		Metric:    metric,
		Category:  categoryOf(metric),
		Baseline:  base,
		Current:   cur,
		Threshold: th.Relative,
		Status:    StatusPass,
		Severity:  SeverityLow,
	}

	if base != 0 {
		cmp.PercentChange = (cur - base) / math.Abs(base) * 100
	} else if cur != 0 {
		cmp.PercentChange = 100
	}

	// The regression magnitude: positive when the metric moved the wrong
	// way, regardless of direction.
	regression := cmp.PercentChange
	if dir == LowerIsWorse {
		regression = -cmp.PercentChange
	}

	// An absolute ceiling (or floor, for decrease metrics) overrides the
	// relative tiers outright.
	if th.Absolute > 0 {
		breached := (dir == HigherIsWorse && cur > th.Absolute) ||
			(dir == LowerIsWorse && cur < th.Absolute)
		if breached {
			cmp.Status = StatusFail
			cmp.Severity = SeverityCritical
			return cmp
		}
	}

	switch {
	case th.Relative > 0 && regression > 2*th.Relative:
		cmp.Status = StatusFail
		cmp.Severity = SeverityHigh
	case th.Relative > 0 && regression > th.Relative:
		cmp.Status = StatusWarn
		cmp.Severity = SeverityMedium
	}
	return cmp
}

func (c *Comparator) thresholdFor(metric string) config.ThresholdConfig {
	if th, ok := c.cfg.Thresholds[metric]; ok {
		return th
	}
	if c.cfg.Default.Relative > 0 || c.cfg.Default.Absolute > 0 {
		return c.cfg.Default
	}
	return config.ThresholdConfig{Relative: 20}
}

func (c *Comparator) verdict(violations []Comparison) string {
	if !c.cfg.Enforcement.Enabled {
		// Observation-only runs always pass, violations or not.
		return VerdictPassed
	}

	failed := 0
	criticalFailed := 0
	for _, v := range violations {
		if v.Status == StatusFail {
			failed++
			if v.Severity == SeverityCritical {
				criticalFailed++
			}
		}
	}

	switch c.cfg.Enforcement.FailureThreshold {
	case config.FailOnCritical:
		if criticalFailed > 0 {
			return VerdictFailed
		}
	case config.FailOnAll:
		if failed > 0 {
			return VerdictFailed
		}
	default: // FailOnAny
		if len(violations) > 0 {
			return VerdictFailed
		}
	}
	return VerdictPassed
}

// directionFor classifies a metric key. Throughput, availability and
// cache-hit style metrics regress by decreasing.
func directionFor(metric string) Direction {
	for _, marker := range []string{"throughput", "availability", "hit_rate", "cache_hit"} {
		if strings.Contains(metric, marker) {
			return LowerIsWorse
		}
	}
	return HigherIsWorse
}

func categoryOf(metric string) string {
	if i := strings.IndexByte(metric, '.'); i > 0 {
		return metric[:i]
	}
	return metric
}
