package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"surgelab/internal/baseline"
	"surgelab/internal/report"
)

var (
	baselineFrom    string
	baselineVersion string
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Manage stored performance baselines",
}

var baselineSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Promote a run's result JSON to a new baseline version",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(baselineFrom)
		if err != nil {
			return err
		}
		var res report.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("parse %s: %w", baselineFrom, err)
		}
		if res.Metrics == nil {
			return fmt.Errorf("%s carries no metrics", baselineFrom)
		}

		store, err := baseline.Open(baselinePath())
		if err != nil {
			return err
		}
		defer store.Close()

		b := &baseline.Baseline{
			Version:  baselineVersion,
			TestName: res.Name,
			Environment: map[string]string{
				"os":   runtime.GOOS,
				"arch": runtime.GOARCH,
				"go":   runtime.Version(),
			},
			Metrics: res.Metrics.Flatten(),
		}
		if err := store.Put(b); err != nil {
			return err
		}
		fmt.Printf("Baseline %q stored (%d metrics)\n", b.Version, len(b.Metrics))
		return nil
	},
}

var baselineShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Print a stored baseline (latest if no version given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := baseline.Open(baselinePath())
		if err != nil {
			return err
		}
		defer store.Close()

		version := ""
		if len(args) == 1 {
			version = args[0]
		}
		b, err := store.Get(version)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	},
}

var baselineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored baseline versions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := baseline.Open(baselinePath())
		if err != nil {
			return err
		}
		defer store.Close()

		baselines, err := store.List()
		if err != nil {
			return err
		}
		if len(baselines) == 0 {
			fmt.Println("No baselines stored.")
			return nil
		}
		for _, b := range baselines {
			fmt.Printf("%-20s %s  %s (%d metrics)\n",
				b.Version, b.CreatedAt.Format("2006-01-02 15:04"), b.TestName, len(b.Metrics))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(baselineCmd)
	baselineCmd.AddCommand(baselineSetCmd, baselineShowCmd, baselineListCmd)

	baselineSetCmd.Flags().StringVar(&baselineFrom, "from", "", "result JSON produced by 'surgelab run --out'")
	baselineSetCmd.Flags().StringVar(&baselineVersion, "version", "", "baseline version to store")
	baselineSetCmd.MarkFlagRequired("from")
	baselineSetCmd.MarkFlagRequired("version")
}
