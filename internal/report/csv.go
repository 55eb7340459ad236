package report

import (
	"encoding/csv"
	"fmt"
	"io"
)

// WriteCSV renders the comparison table as CSV, one row per metric, for
// spreadsheet-style tracking of baselines across runs.
func WriteCSV(w io.Writer, r *Result) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"metric", "category", "baseline", "current", "percent_change", "threshold", "status", "severity"}
	if err := cw.Write(header); err != nil {
		return err
	}

	if r.Regression == nil {
		return cw.Error()
	}
	for _, cmp := range r.Regression.Comparisons {
		record := []string{
			cmp.Metric,
			cmp.Category,
			fmt.Sprintf("%.4f", cmp.Baseline),
			fmt.Sprintf("%.4f", cmp.Current),
			fmt.Sprintf("%.2f", cmp.PercentChange),
			fmt.Sprintf("%.2f", cmp.Threshold),
			cmp.Status,
			cmp.Severity,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	return cw.Error()
}
