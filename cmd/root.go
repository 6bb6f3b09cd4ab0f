package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/epidata-io/covid-etl/internal/config"
	"github.com/epidata-io/covid-etl/internal/pipeline"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "covid-etl",
	Short: "Per-country COVID-19 time-series ETL",
	Long:  "Fetches case data from multiple upstream sources, reconciles them into one fact per (country, day), validates, derives metrics, and loads incrementally into Postgres.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Partial success: data landed but some partitions failed.
		if errors.Is(err, pipeline.ErrPartialFailure) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
