package main

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/streamforge/internal/event"
	"github.com/gyaneshwarpardhi/streamforge/internal/loader"
	"github.com/gyaneshwarpardhi/streamforge/internal/retry"
	"github.com/gyaneshwarpardhi/streamforge/internal/sink"
)

var loadCmd = &cobra.Command{
	Use:   "load FILE...",
	Short: "Load daily transaction CSV files",
	Long: `Load parses the given transaction files, writes valid rows to
raw_transactions and fact_transactions, and records the run in
pipeline_runs. Rows already present are skipped, so re-running a load is
safe.

Examples:
  streamforge load data/transactions_2024-03-09.csv
  streamforge load data/*.csv --config prod.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLoad,
}

func init() {
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	cfgLoader, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := cfgLoader.Config()

	ctx, stop := signalContext()
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	w := &sink.DualWriter[event.RawTransaction, event.FactTransaction]{
		Pipeline:    cfg.Batch.PipelineName,
		Raw:         rt.sinks.RawTransactions(),
		Fact:        rt.sinks.FactTransactions(),
		MaxAttempts: cfg.Sink.MaxAttempts,
		Backoff:     retry.Backoff{Base: cfg.Sink.Backoff.Base, Max: cfg.Sink.Backoff.Max},
		Logger:      slog.Default(),
	}
	l := loader.New(loader.Config{Pipeline: cfg.Batch.PipelineName, Workers: cfg.Batch.Workers}, w, rt.sinks, slog.Default())
	res, err := l.Load(ctx, args)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
