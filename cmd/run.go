package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/epidata-io/covid-etl/internal/country"
	"github.com/epidata-io/covid-etl/internal/pipeline"
)

var (
	runCSVPath string
	runFull    bool
	runSources []string
	runWorkers int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline run",
	Long:  "Fetches from the configured sources (or a CSV batch file), reconciles, validates, and loads changed rows. Exit code 2 means a partial run: some country partitions failed while the rest committed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		reg, err := country.NewRegistry()
		if err != nil {
			return err
		}

		runner := pipeline.NewRunner(cfg, st, reg)
		summary, err := runner.Run(ctx, pipeline.RunOpts{
			CSVPath:    runCSVPath,
			FullReload: runFull,
			Sources:    runSources,
			Workers:    runWorkers,
		})

		// The summary is worth printing even for a partial run.
		if err == nil || errors.Is(err, pipeline.ErrPartialFailure) {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runCSVPath, "csv", "", "CSV batch file (path or http/ftp URL) instead of the pull sources")
	runCmd.Flags().BoolVar(&runFull, "full", false, "full reload: rewrite every country partition")
	runCmd.Flags().StringSliceVar(&runSources, "sources", nil, "restrict to named sources (disease.sh, covid19api)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "load concurrency (default from config)")
	rootCmd.AddCommand(runCmd)
}
