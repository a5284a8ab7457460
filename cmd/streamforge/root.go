package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/streamforge/internal/checkpoint"
	"github.com/gyaneshwarpardhi/streamforge/internal/config"
	"github.com/gyaneshwarpardhi/streamforge/internal/health"
	"github.com/gyaneshwarpardhi/streamforge/internal/sink"
	"github.com/gyaneshwarpardhi/streamforge/internal/store"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "streamforge",
	Short: "Micro-batch ingestion from event streams and transaction files",
	Long: `streamforge lands JSON events from Kafka topics into raw and curated
tables in micro-batches, checkpointing source positions only after both
tables are written. It also loads daily transaction CSV files into the same
store and reports the health of every pipeline.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/streamforge.yaml", "path to YAML config")
}

// loadConfig reads and validates the config file and installs the default
// logger. The returned LevelVar lets the level change on reload.
func loadConfig() (*config.Loader, *slog.LevelVar, error) {
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
	return loader, level, nil
}

// runtime is the storage shared by every command.
type runtime struct {
	db          *sql.DB
	sinks       *sink.SQLStore
	checkpoints checkpoint.Store
	monitor     *health.Monitor
}

func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	rt := &runtime{db: db, sinks: sink.NewSQLStore(db)}
	if err := rt.sinks.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	switch cfg.Checkpoint.Backend {
	case "file":
		fs, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
		if err != nil {
			db.Close()
			return nil, err
		}
		rt.checkpoints = fs
	default:
		cs := checkpoint.NewSQLStore(db)
		if err := cs.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		rt.checkpoints = cs
	}

	rt.monitor = health.NewMonitor(rt.sinks, cfg.Health.RunningThreshold)
	rt.monitor.RegisterBatch(cfg.Batch.PipelineName)
	return rt, nil
}

func (rt *runtime) Close() error { return rt.db.Close() }

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
