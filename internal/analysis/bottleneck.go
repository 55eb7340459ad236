package analysis

import (
	"surgelab/internal/metrics"
)

// Bottleneck categories.
const (
	CategoryAPI      = "api"
	CategoryNetwork  = "network"
	CategoryDatabase = "database"
	CategoryCache    = "cache"
)

// Severity levels, shared with the regression comparator.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Bottleneck is a classified likely root cause of observed degradation.
type Bottleneck struct {
	Category         string `json:"category"`
	Severity         string `json:"severity"`
	AffectedRequests uint64 `json:"affected_requests"`
	Recommendation   string `json:"recommendation"`
}

var recommendations = map[string]string{
	CategoryAPI:      "Error rate above acceptable level. Inspect API server logs and scale out application instances.",
	CategoryNetwork:  "High tail latency. Check network path, load balancer saturation, and CDN/edge configuration.",
	CategoryDatabase: "Server-side errors suggest database saturation. Review slow queries, connection pool sizing, and replication lag.",
	CategoryCache:    "Cache efficiency degraded. Verify cache hit rates, TTLs, and eviction pressure.",
}

// Detect runs the rule set against a metrics snapshot. Rules are
// evaluated in fixed priority order and are not mutually exclusive, so
// one pass can emit several bottlenecks.
func Detect(m *metrics.TestMetrics) []Bottleneck {
	var out []Bottleneck
	if m == nil || m.Total == 0 {
		return out
	}

	if m.ErrorRate > 5 {
		out = append(out, Bottleneck{
			Category:         CategoryAPI,
			Severity:         SeverityCritical,
			AffectedRequests: m.Failed,
			Recommendation:   recommendations[CategoryAPI],
		})
	}

	if m.Latency.P95Ms > 1000 {
		// Roughly the slowest 5% of traffic sits above p95.
		out = append(out, Bottleneck{
			Category:         CategoryNetwork,
			Severity:         SeverityHigh,
			AffectedRequests: m.Total / 20,
			Recommendation:   recommendations[CategoryNetwork],
		})
	}

	if float64(m.ServerErrors) > float64(m.Total)*0.02 {
		out = append(out, Bottleneck{
			Category:         CategoryDatabase,
			Severity:         SeverityCritical,
			AffectedRequests: m.ServerErrors,
			Recommendation:   recommendations[CategoryDatabase],
		})
	}

	return out
}
