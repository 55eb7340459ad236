package report

import (
	"encoding/json"
	"io"
	"time"

	"surgelab/internal/analysis"
	"surgelab/internal/metrics"
	"surgelab/internal/regression"
)

// Result is the single in-memory outcome of a run. Every output format is
// a pure projection of it; rendering produces no additional state.
type Result struct {
	TestID      string               `json:"test_id"`
	Name        string               `json:"name"`
	Status      string               `json:"status"`
	GeneratedAt time.Time            `json:"generated_at"`
	Metrics     *metrics.TestMetrics `json:"metrics"`
	Bottlenecks []analysis.Bottleneck `json:"bottlenecks,omitempty"`
	Regression  *regression.Result   `json:"regression,omitempty"`
}

// Verdict is the overall pass/fail of the run. Without a baseline
// comparison, finishing cleanly is a pass.
func (r *Result) Verdict() string {
	if r.Regression != nil {
		return r.Regression.Verdict
	}
	if r.Status == "failed" {
		return regression.VerdictFailed
	}
	return regression.VerdictPassed
}

// WriteJSON renders the structured data dump.
func WriteJSON(w io.Writer, r *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
