package report

import (
	"encoding/xml"
	"fmt"
	"io"

	"surgelab/internal/regression"
)

type junitFailure struct {
	Message string `xml:"message,attr"`
	Body    string `xml:",chardata"`
}

type junitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *struct{}     `xml:"skipped,omitempty"`
}

type junitTestSuite struct {
	XMLName  xml.Name        `xml:"testsuite"`
	Name     string          `xml:"name,attr"`
	Tests    int             `xml:"tests,attr"`
	Failures int             `xml:"failures,attr"`
	Skipped  int             `xml:"skipped,attr"`
	Time     string          `xml:"time,attr"`
	Cases    []junitTestCase `xml:"testcase"`
}

// WriteJUnit renders the result as a JUnit-style suite: one test case per
// metric comparison, so CI systems can display regressions natively.
func WriteJUnit(w io.Writer, r *Result) error {
	suite := junitTestSuite{
		Name: r.Name,
		Time: fmt.Sprintf("%.3f", r.Metrics.ElapsedSeconds),
	}

	if r.Regression != nil {
		for _, cmp := range r.Regression.Comparisons {
			tc := junitTestCase{
				Name:      cmp.Metric,
				ClassName: "regression." + cmp.Category,
				Time:      "0",
			}
			if cmp.Status == regression.StatusFail {
				tc.Failure = &junitFailure{
					Message: fmt.Sprintf("%s severity %s", cmp.Status, cmp.Severity),
					Body: fmt.Sprintf("baseline=%.2f current=%.2f change=%+.1f%% threshold=%.1f%%",
						cmp.Baseline, cmp.Current, cmp.PercentChange, cmp.Threshold),
				}
			}
			suite.Cases = append(suite.Cases, tc)
		}
		for _, skipped := range r.Regression.Skipped {
			suite.Cases = append(suite.Cases, junitTestCase{
				Name:      skipped,
				ClassName: "regression.skipped",
				Time:      "0",
				Skipped:   &struct{}{},
			})
		}
	}

	// The run itself is a case too, so a failed run shows up even with no
	// baseline configured.
	runCase := junitTestCase{
		Name:      "run",
		ClassName: "engine",
		Time:      fmt.Sprintf("%.3f", r.Metrics.ElapsedSeconds),
	}
	if r.Status == "failed" {
		runCase.Failure = &junitFailure{Message: "run terminated in failed state"}
	}
	suite.Cases = append(suite.Cases, runCase)

	suite.Tests = len(suite.Cases)
	for _, tc := range suite.Cases {
		if tc.Failure != nil {
			suite.Failures++
		}
		if tc.Skipped != nil {
			suite.Skipped++
		}
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(suite); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
