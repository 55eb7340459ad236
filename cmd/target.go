package cmd

import (
	"github.com/spf13/cobra"

	"surgelab/internal/target"
)

var (
	targetPort      int
	targetErrorRate float64
)

var targetCmd = &cobra.Command{
	Use:   "target",
	Short: "Run the built-in target server for self-testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync()

		srv := target.NewServer(target.ServerConfig{
			Port:      targetPort,
			ErrorRate: targetErrorRate,
		}, logger)
		return srv.ListenAndServe()
	},
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.Flags().IntVarP(&targetPort, "port", "p", 8080, "port to listen on")
	targetCmd.Flags().Float64Var(&targetErrorRate, "error-rate", 0.0, "probability of a 5xx on report creation (0..1)")
}
