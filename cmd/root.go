package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile    string
	verbose    bool
	baselineDB string
)

var rootCmd = &cobra.Command{
	Use:   "surgelab",
	Short: "surgelab - synthetic load generation and performance regression testing",
	Long: `surgelab simulates large populations of virtual users against a target
system, ramps concurrency over time, measures latency/throughput/error
distributions, and compares results against stored baselines to produce
pass/fail verdicts for CI.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.surgelab.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&baselineDB, "baseline-db", "", "path to the baseline store (default is $HOME/.surgelab/baselines.db)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".surgelab")
		}
	}
	viper.SetEnvPrefix("SURGELAB")
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

func newLogger() *zap.Logger {
	if verbose {
		l, _ := zap.NewDevelopment()
		return l
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	l, _ := cfg.Build()
	return l
}

func baselinePath() string {
	if baselineDB != "" {
		return baselineDB
	}
	if v := viper.GetString("baseline_db"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "baselines.db"
	}
	return home + "/.surgelab/baselines.db"
}
