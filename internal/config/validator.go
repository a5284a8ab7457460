package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for:
//   - Duplicate stream names
//   - Known enum values (log level/format, store driver, checkpoint backend, start policy)
//   - Required fields and positive limits
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: unknown level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: must be text or json, got %q", cfg.Log.Format))
	}
	switch strings.ToLower(cfg.Store.Driver) {
	case "duckdb", "postgres", "postgresql", "pgx":
	default:
		errs = append(errs, fmt.Sprintf("store.driver: unsupported driver %q", cfg.Store.Driver))
	}
	switch cfg.Checkpoint.Backend {
	case "sql":
	case "file":
		if cfg.Checkpoint.Dir == "" {
			errs = append(errs, "checkpoint.dir: required for the file backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("checkpoint.backend: must be sql or file, got %q", cfg.Checkpoint.Backend))
	}
	if cfg.Sink.MaxAttempts < 1 {
		errs = append(errs, "sink.max_attempts: must be at least 1")
	}
	if cfg.Source.Backoff.Base > cfg.Source.Backoff.Max {
		errs = append(errs, "source.backoff: base exceeds max")
	}
	if cfg.Sink.Backoff.Base > cfg.Sink.Backoff.Max {
		errs = append(errs, "sink.backoff: base exceeds max")
	}
	if cfg.Health.RunningThreshold < 0 {
		errs = append(errs, "health.running_threshold: must be positive")
	}
	if cfg.Batch.Workers < 1 {
		errs = append(errs, "batch.workers: must be at least 1")
	}
	if len(cfg.Streams) > 0 && len(cfg.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers: required when streams are configured")
	}

	names := make(map[string]int) // name → index
	for i, s := range cfg.Streams {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("streams[%d]: name is required", i))
			continue
		}
		if prev, ok := names[s.Name]; ok {
			errs = append(errs, fmt.Sprintf("duplicate stream %q (streams[%d] and streams[%d])", s.Name, prev, i))
		} else {
			names[s.Name] = i
		}
		if s.BatchInterval <= 0 {
			errs = append(errs, fmt.Sprintf("stream %s: batch_interval must be positive", s.Name))
		}
		if s.MaxBatchMessages < 1 {
			errs = append(errs, fmt.Sprintf("stream %s: max_batch_messages must be at least 1", s.Name))
		}
		if s.PollTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("stream %s: poll_timeout must be positive", s.Name))
		}
		switch strings.ToLower(s.Start) {
		case "earliest", "latest":
		default:
			errs = append(errs, fmt.Sprintf("stream %s: start must be earliest or latest, got %q", s.Name, s.Start))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
