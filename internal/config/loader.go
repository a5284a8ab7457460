package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file. An invalid file is
// rejected and the current config kept.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document after expanding ${VAR} references from the
// environment, then applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "streamforge"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "duckdb"
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "sql"
	}
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = "checkpoints"
	}
	if cfg.Source.Backoff.Base == 0 {
		cfg.Source.Backoff.Base = 2 * time.Second
	}
	if cfg.Source.Backoff.Max == 0 {
		cfg.Source.Backoff.Max = 30 * time.Second
	}
	if cfg.Sink.MaxAttempts == 0 {
		cfg.Sink.MaxAttempts = 5
	}
	if cfg.Sink.Backoff.Base == 0 {
		cfg.Sink.Backoff.Base = time.Second
	}
	if cfg.Sink.Backoff.Max == 0 {
		cfg.Sink.Backoff.Max = 30 * time.Second
	}
	if cfg.Health.RunningThreshold == 0 {
		cfg.Health.RunningThreshold = 600 * time.Second
	}
	if cfg.Batch.PipelineName == "" {
		cfg.Batch.PipelineName = "daily_transactions"
	}
	if cfg.Batch.Workers == 0 {
		cfg.Batch.Workers = 4
	}
	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		if s.Topic == "" {
			s.Topic = s.Name
		}
		if s.BatchInterval == 0 {
			s.BatchInterval = 10 * time.Second
		}
		if s.MaxBatchMessages == 0 {
			s.MaxBatchMessages = 5000
		}
		if s.PollTimeout == 0 {
			s.PollTimeout = 10 * time.Second
		}
		if s.Start == "" {
			s.Start = "earliest"
		}
	}
}
