package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Log        LogConf        `yaml:"log"`
	Server     ServerConf     `yaml:"server"`
	Kafka      KafkaConf      `yaml:"kafka"`
	Store      StoreConf      `yaml:"store"`
	Checkpoint CheckpointConf `yaml:"checkpoint"`
	Source     SourceConf     `yaml:"source"`
	Sink       SinkConf       `yaml:"sink"`
	Health     HealthConf     `yaml:"health"`
	Batch      BatchConf      `yaml:"batch"`
	Streams    []StreamConf   `yaml:"streams"`
}

// LogConf selects the slog handler. Level is hot-reloadable.
type LogConf struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ServerConf holds the ops listeners. An empty GRPCAddr disables gRPC health.
type ServerConf struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// KafkaConf addresses the log cluster.
type KafkaConf struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"client_id"`
}

// StoreConf is the destination database. Driver is postgres or duckdb.
type StoreConf struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CheckpointConf selects where stream positions are kept: "sql" uses the
// store database, "file" keeps JSON files under Dir.
type CheckpointConf struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// BackoffConf is an exponential backoff schedule.
type BackoffConf struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// SourceConf tunes reconnects to the log.
type SourceConf struct {
	Backoff BackoffConf `yaml:"backoff"`
}

// SinkConf bounds write retries for one batch.
type SinkConf struct {
	MaxAttempts int         `yaml:"max_attempts"`
	Backoff     BackoffConf `yaml:"backoff"`
}

// HealthConf tunes status derivation. RunningThreshold is hot-reloadable.
type HealthConf struct {
	RunningThreshold time.Duration `yaml:"running_threshold"`
}

// BatchConf configures the transaction file loader.
type BatchConf struct {
	PipelineName string `yaml:"pipeline_name"`
	Workers      int    `yaml:"workers"`
}

// StreamConf is one streaming pipeline.
type StreamConf struct {
	Name             string        `yaml:"name"`
	Topic            string        `yaml:"topic"` // defaults to Name
	BatchInterval    time.Duration `yaml:"batch_interval"`
	MaxBatchMessages int           `yaml:"max_batch_messages"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	Start            string        `yaml:"start"` // earliest or latest, used without a checkpoint
}
