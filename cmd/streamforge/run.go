package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gyaneshwarpardhi/streamforge/internal/api"
	"github.com/gyaneshwarpardhi/streamforge/internal/batch"
	"github.com/gyaneshwarpardhi/streamforge/internal/config"
	"github.com/gyaneshwarpardhi/streamforge/internal/engine"
	"github.com/gyaneshwarpardhi/streamforge/internal/health"
	"github.com/gyaneshwarpardhi/streamforge/internal/retry"
	"github.com/gyaneshwarpardhi/streamforge/internal/source"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured stream until interrupted",
	Long: `Run starts one controller per configured stream plus the HTTP status
server (and the gRPC health server when server.grpc_addr is set).

A stream whose writes keep failing halts on its own and waits for
POST /v1/pipelines/{name}/resume. A checkpoint write failure stops the
process with a non-zero exit code.`,
	Args: cobra.NoArgs,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(_ *cobra.Command, _ []string) error {
	loader, level, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := loader.Config()

	ctx, stop := signalContext()
	defer stop()

	// ── Storage ───────────────────────────────────────────────────────────────
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	slog.Info("store ready", "driver", cfg.Store.Driver, "checkpoints", cfg.Checkpoint.Backend)

	// ── Controllers ───────────────────────────────────────────────────────────
	controllers, err := buildControllers(cfg, rt)
	if err != nil {
		return err
	}
	eng := engine.New(controllers, rt.monitor, slog.Default())

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := level.UnmarshalText([]byte(newCfg.Log.Level)); err != nil {
			slog.Warn("hot-reload: log level unchanged", "err", err)
		}
		rt.monitor.SetRunningThreshold(newCfg.Health.RunningThreshold)
		slog.Info("config hot-reloaded",
			"log_level", level.Level().String(),
			"running_threshold", newCfg.Health.RunningThreshold,
		)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	serveErr := make(chan error, 2)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.New(rt.monitor, eng),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("http server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
			stop()
		}
	}()

	// ── gRPC health ───────────────────────────────────────────────────────────
	var (
		gs       *grpc.Server
		reporter *health.GRPCReporter
	)
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", cfg.Server.GRPCAddr, err)
		}
		hs := grpchealth.NewServer()
		reporter = health.NewGRPCReporter(rt.monitor, hs)
		gs = grpc.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		go func() {
			slog.Info("grpc health server starting", "addr", cfg.Server.GRPCAddr)
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("grpc server: %w", err)
				stop()
			}
		}()
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	var runErr error
	if len(controllers) == 0 {
		slog.Warn("no streams configured; serving status only")
		<-ctx.Done()
	} else {
		runErr = eng.Run(ctx)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	if gs != nil {
		// Health Watch streams never end on their own, so GracefulStop would hang.
		reporter.Shutdown()
		gs.Stop()
	}

	select {
	case err := <-serveErr:
		runErr = errors.Join(runErr, err)
	default:
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

func buildControllers(cfg *config.Config, rt *runtime) ([]*engine.Controller, error) {
	if len(cfg.Streams) == 0 {
		return nil, nil
	}
	backoff := retry.Backoff{Base: cfg.Source.Backoff.Base, Max: cfg.Source.Backoff.Max}
	log := source.NewKafkaLog(
		source.KafkaConfig{Brokers: cfg.Kafka.Brokers, ClientID: cfg.Kafka.ClientID},
		source.Options{Backoff: backoff, Logger: slog.Default()},
	)
	slog.Info("kafka source configured", "brokers", strings.Join(cfg.Kafka.Brokers, ","))

	deps := engine.Deps{
		Log:          log,
		Checkpoints:  rt.checkpoints,
		Raw:          rt.sinks.RawEvents(),
		Fact:         rt.sinks.FactEvents(),
		Stats:        rt.sinks,
		Monitor:      rt.monitor,
		SinkAttempts: cfg.Sink.MaxAttempts,
		SinkBackoff:  retry.Backoff{Base: cfg.Sink.Backoff.Base, Max: cfg.Sink.Backoff.Max},
		Logger:       slog.Default(),
	}
	controllers := make([]*engine.Controller, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		start, err := source.ParseStartPolicy(s.Start)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", s.Name, err)
		}
		controllers = append(controllers, engine.NewController(engine.StreamConfig{
			Name:  s.Name,
			Topic: s.Topic,
			Start: start,
			Batch: batch.Config{
				Interval:    s.BatchInterval,
				MaxMessages: s.MaxBatchMessages,
				PollTimeout: s.PollTimeout,
			},
		}, deps))
	}
	return controllers, nil
}

