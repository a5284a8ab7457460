package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of every pipeline as JSON",
	Long: `Status reads the store directly and prints what each configured
pipeline has landed, plus the row count of every destination table.
It does not need a running engine, so every stream shows
controller_state STARTING; query GET /v1/pipelines on a running
instance for live controller state.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	for _, s := range cfg.Streams {
		st, err := rt.sinks.StreamStats(ctx, s.Name)
		if err != nil {
			return err
		}
		rt.monitor.RegisterStream(s.Name)
		rt.monitor.Seed(s.Name, st)
	}
	all, err := rt.monitor.All(ctx)
	if err != nil {
		return err
	}
	tables, err := rt.sinks.TableCounts(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"pipelines": all, "tables": tables})
}
