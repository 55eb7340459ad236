package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"surgelab/internal/baseline"
	"surgelab/internal/config"
	"surgelab/internal/engine"
	"surgelab/internal/report"
	"surgelab/internal/sched"
)

var (
	defFile   string
	outPrefix string

	flagURL      string
	flagMethod   string
	flagUsers    int
	flagDuration time.Duration
	flagRampUp   time.Duration
	flagRampDown time.Duration
	flagTimeout  time.Duration
	flagSeed     int64
	flagHeaders  []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load test and exit with its verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := buildDefinition()
		if err != nil {
			return err
		}

		logger := newLogger()
		defer logger.Sync()

		var store *baseline.Store
		if s, err := baseline.Open(baselinePath()); err == nil {
			store = s
			defer store.Close()
		} else {
			fmt.Fprintf(os.Stderr, "baseline store unavailable, running without comparison: %v\n", err)
		}

		eng := engine.New(store, logger)
		id, err := eng.Start(def)
		if err != nil {
			return err
		}

		printHeader(def)
		watchSignals(eng, id)
		monitorProgress(eng, id, def.TotalDuration())
		eng.Wait(id)

		res, err := eng.Result(id)
		if err != nil {
			return err
		}
		printSummary(res)

		if outPrefix != "" {
			if err := writeReports(res, outPrefix); err != nil {
				return err
			}
			fmt.Printf("\nReports saved to %s.{json,xml,md,csv}\n", outPrefix)
		}

		if res.Verdict() != "passed" {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&defFile, "definition", "f", "", "test definition YAML file")
	runCmd.Flags().StringVarP(&outPrefix, "out", "o", "", "output filename prefix for reports")

	runCmd.Flags().StringVarP(&flagURL, "url", "u", "", "target URL (shortcut for a single-endpoint definition)")
	runCmd.Flags().StringVarP(&flagMethod, "method", "X", "GET", "HTTP method")
	runCmd.Flags().IntVarP(&flagUsers, "users", "U", 50, "target concurrency (virtual users)")
	runCmd.Flags().DurationVarP(&flagDuration, "duration", "d", 60*time.Second, "steady state duration")
	runCmd.Flags().DurationVar(&flagRampUp, "ramp-up", 0, "ramp up duration")
	runCmd.Flags().DurationVar(&flagRampDown, "ramp-down", 0, "ramp down duration")
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "request timeout")
	runCmd.Flags().Int64Var(&flagSeed, "seed", 0, "random seed for reproducible runs (0 = time-based)")
	runCmd.Flags().StringSliceVarP(&flagHeaders, "header", "H", nil, "HTTP header (e.g. \"Key: Value\")")
}

func buildDefinition() (*config.TestDefinition, error) {
	if defFile != "" {
		return config.Load(defFile)
	}
	if flagURL == "" {
		return nil, fmt.Errorf("either --definition or --url is required")
	}

	headers := map[string]string{}
	for _, h := range flagHeaders {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	return &config.TestDefinition{
		Name:        "ad-hoc",
		Concurrency: flagUsers,
		RampUp:      config.Duration(flagRampUp),
		Steady:      config.Duration(flagDuration),
		RampDown:    config.Duration(flagRampDown),
		Seed:        flagSeed,
		Endpoints: []config.Endpoint{{
			Name:    "target",
			URL:     flagURL,
			Method:  flagMethod,
			Headers: headers,
			Weight:  100,
			Timeout: config.Duration(flagTimeout),
		}},
	}, nil
}

func watchSignals(eng *engine.Engine, id string) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Printf("\n\nStopping test, draining in-flight requests...\n")
		eng.Stop(id)
	}()
}

func monitorProgress(eng *engine.Engine, id string, total time.Duration) {
	start := time.Now()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		m, err := eng.Status(id)
		if err != nil {
			return
		}
		if terminalStatus(m.Status) {
			return
		}

		elapsed := time.Since(start)
		pct := elapsed.Seconds() / total.Seconds()
		if pct > 1.0 {
			pct = 1.0
		}
		fmt.Printf("\r%s %3.0f%% | %-11s | VUs: %4d | RPS: %6.1f | OK: %d | Err: %d   ",
			progressBar(pct, 20), pct*100,
			m.Status,
			m.Concurrency.Current,
			m.Throughput,
			m.Successful,
			m.Failed,
		)
	}
}

func terminalStatus(status string) bool {
	return status == sched.PhaseCompleted || status == sched.PhaseStopped || status == sched.PhaseFailed
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func printHeader(def *config.TestDefinition) {
	fmt.Printf("\nSURGELAB LOAD TEST\n")
	fmt.Printf("======================================================================\n")
	fmt.Printf("Test        : %s\n", def.Name)
	fmt.Printf("Concurrency : %d virtual users\n", def.Concurrency)
	fmt.Printf("Endpoints   : %d\n", len(def.Endpoints))
	fmt.Printf("Duration    : %s (ramp-up) + %s (steady) + %s (ramp-down)\n",
		def.RampUp.Duration(), def.Steady.Duration(), def.RampDown.Duration())
	fmt.Printf("======================================================================\n\n")
}

func printSummary(res *report.Result) {
	m := res.Metrics
	fmt.Printf("\n\nRESULTS\n")
	fmt.Printf("======================================================================\n")
	fmt.Printf("Status         : %s\n", res.Status)
	fmt.Printf("Verdict        : %s\n", res.Verdict())
	fmt.Printf("Requests       : %d (ok %d / err %d)\n", m.Total, m.Successful, m.Failed)
	fmt.Printf("Throughput     : %.2f req/s\n", m.Throughput)
	fmt.Printf("Error rate     : %.2f%%\n", m.ErrorRate)
	fmt.Printf("Peak VUs       : %d\n", m.Concurrency.Peak)
	fmt.Printf("\nRESPONSE TIMES (ms)\n")
	fmt.Printf("   p50 : %.2f\n", m.Latency.P50Ms)
	fmt.Printf("   p95 : %.2f\n", m.Latency.P95Ms)
	fmt.Printf("   p99 : %.2f\n", m.Latency.P99Ms)
	fmt.Printf("   max : %.2f\n", m.Latency.MaxMs)

	if len(res.Bottlenecks) > 0 {
		fmt.Printf("\nBOTTLENECKS\n")
		for _, b := range res.Bottlenecks {
			fmt.Printf("   [%s] %s: %s\n", b.Severity, b.Category, b.Recommendation)
		}
	}
	if res.Regression != nil && len(res.Regression.Violations) > 0 {
		fmt.Printf("\nVIOLATIONS\n")
		for _, v := range res.Regression.Violations {
			fmt.Printf("   [%s] %s: %+.1f%% (threshold %.1f%%)\n",
				v.Severity, v.Metric, v.PercentChange, v.Threshold)
		}
	}
	fmt.Printf("======================================================================\n")
}

func writeReports(res *report.Result, prefix string) error {
	writers := []struct {
		ext string
		fn  func(f *os.File) error
	}{
		{".json", func(f *os.File) error { return report.WriteJSON(f, res) }},
		{".xml", func(f *os.File) error { return report.WriteJUnit(f, res) }},
		{".md", func(f *os.File) error { return report.WriteMarkdown(f, res) }},
		{".csv", func(f *os.File) error { return report.WriteCSV(f, res) }},
	}
	for _, w := range writers {
		f, err := os.Create(prefix + w.ext)
		if err != nil {
			return err
		}
		if err := w.fn(f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}
