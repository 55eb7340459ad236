package metrics

import "time"

// LatencySummary holds the percentile view of the merged latency
// histogram, in milliseconds.
type LatencySummary struct {
	MinMs  float64 `json:"min_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// RegionMetrics is the per-region breakdown. Latency is an incremental
// running mean, not a percentile, to bound memory per region.
type RegionMetrics struct {
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ConcurrencyMetrics tracks the virtual-user gauge and its peak.
type ConcurrencyMetrics struct {
	Current int64 `json:"current"`
	Peak    int64 `json:"peak"`
}

// TestMetrics is a point-in-time aggregate of a run. Mid-test snapshots
// are approximate; the final snapshot is taken after Freeze.
type TestMetrics struct {
	TestID string `json:"test_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`

	StartedAt      time.Time `json:"started_at"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`

	Total        uint64 `json:"total"`
	Successful   uint64 `json:"successful"`
	Failed       uint64 `json:"failed"`
	Bytes        uint64 `json:"bytes"`
	ServerErrors uint64 `json:"server_errors"`

	Throughput   float64 `json:"throughput_rps"`
	ErrorRate    float64 `json:"error_rate_pct"`
	Availability float64 `json:"availability_pct"`

	Latency LatencySummary `json:"latency"`

	Errors  map[string]uint64        `json:"errors"`
	Regions map[string]RegionMetrics `json:"regions"`

	Concurrency ConcurrencyMetrics `json:"concurrency"`
}

// Flatten projects the aggregate into the flat metric keys the regression
// comparator and baseline store work with.
func (m *TestMetrics) Flatten() map[string]float64 {
	out := map[string]float64{
		"api.response_time.p50_ms": m.Latency.P50Ms,
		"api.response_time.p95_ms": m.Latency.P95Ms,
		"api.response_time.p99_ms": m.Latency.P99Ms,
		"api.response_time.max_ms": m.Latency.MaxMs,
		"api.throughput_rps":       m.Throughput,
		"api.error_rate_pct":       m.ErrorRate,
		"api.availability_pct":     m.Availability,
	}
	for region, rm := range m.Regions {
		out["region."+region+".avg_latency_ms"] = rm.AvgLatencyMs
	}
	return out
}
