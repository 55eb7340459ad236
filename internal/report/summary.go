package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteMarkdown renders the human-readable summary.
func WriteMarkdown(w io.Writer, r *Result) error {
	var b strings.Builder
	m := r.Metrics

	fmt.Fprintf(&b, "# Load Test Report: %s\n\n", r.Name)
	fmt.Fprintf(&b, "- **Status**: %s\n", r.Status)
	fmt.Fprintf(&b, "- **Verdict**: %s\n", r.Verdict())
	fmt.Fprintf(&b, "- **Started**: %s\n", m.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Duration**: %.1fs\n\n", m.ElapsedSeconds)

	fmt.Fprintf(&b, "## Traffic\n\n")
	fmt.Fprintf(&b, "| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Requests | %d |\n", m.Total)
	fmt.Fprintf(&b, "| Successful | %d |\n", m.Successful)
	fmt.Fprintf(&b, "| Failed | %d |\n", m.Failed)
	fmt.Fprintf(&b, "| Throughput | %.2f req/s |\n", m.Throughput)
	fmt.Fprintf(&b, "| Error rate | %.2f%% |\n", m.ErrorRate)
	fmt.Fprintf(&b, "| Availability | %.2f%% |\n", m.Availability)
	fmt.Fprintf(&b, "| Peak concurrency | %d |\n\n", m.Concurrency.Peak)

	fmt.Fprintf(&b, "## Response Times (ms)\n\n")
	fmt.Fprintf(&b, "| Min | Mean | p50 | p95 | p99 | Max |\n|---|---|---|---|---|---|\n")
	fmt.Fprintf(&b, "| %.1f | %.1f | %.1f | %.1f | %.1f | %.1f |\n\n",
		m.Latency.MinMs, m.Latency.MeanMs, m.Latency.P50Ms, m.Latency.P95Ms, m.Latency.P99Ms, m.Latency.MaxMs)

	if len(m.Regions) > 0 {
		fmt.Fprintf(&b, "## Regions\n\n")
		fmt.Fprintf(&b, "| Region | Requests | Errors | Avg Latency (ms) |\n|---|---|---|---|\n")
		names := make([]string, 0, len(m.Regions))
		for name := range m.Regions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rm := m.Regions[name]
			fmt.Fprintf(&b, "| %s | %d | %d | %.1f |\n", name, rm.Requests, rm.Errors, rm.AvgLatencyMs)
		}
		fmt.Fprintf(&b, "\n")
	}

	if errs := nonZeroErrors(m.Errors); len(errs) > 0 {
		fmt.Fprintf(&b, "## Failures\n\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s: %d\n", e.name, e.count)
		}
		fmt.Fprintf(&b, "\n")
	}

	if len(r.Bottlenecks) > 0 {
		fmt.Fprintf(&b, "## Bottlenecks\n\n")
		for _, bn := range r.Bottlenecks {
			fmt.Fprintf(&b, "- **%s** (%s, ~%d requests affected): %s\n",
				bn.Category, bn.Severity, bn.AffectedRequests, bn.Recommendation)
		}
		fmt.Fprintf(&b, "\n")
	}

	if r.Regression != nil {
		fmt.Fprintf(&b, "## Baseline Comparison\n\n")
		fmt.Fprintf(&b, "| Metric | Baseline | Current | Change | Status | Severity |\n|---|---|---|---|---|---|\n")
		for _, cmp := range r.Regression.Comparisons {
			fmt.Fprintf(&b, "| %s | %.2f | %.2f | %+.1f%% | %s | %s |\n",
				cmp.Metric, cmp.Baseline, cmp.Current, cmp.PercentChange, cmp.Status, cmp.Severity)
		}
		fmt.Fprintf(&b, "\n")
		if len(r.Regression.Skipped) > 0 {
			fmt.Fprintf(&b, "Skipped (no baseline value): %s\n\n", strings.Join(r.Regression.Skipped, ", "))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

type errCount struct {
	name  string
	count uint64
}

func nonZeroErrors(m map[string]uint64) []errCount {
	var out []errCount
	for name, count := range m {
		if count > 0 {
			out = append(out, errCount{name, count})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].count > out[j].count })
	return out
}
