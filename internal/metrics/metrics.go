package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesPolled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_messages_polled_total",
		Help: "Total number of raw messages read from the log, labelled by stream.",
	}, []string{"stream"})

	SourceUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_source_unavailable_total",
		Help: "Total number of failed poll attempts absorbed by source backoff.",
	}, []string{"stream"})

	BatchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_batches_committed_total",
		Help: "Total number of micro-batches whose checkpoint was committed.",
	}, []string{"stream"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_decode_errors_total",
		Help: "Total number of records skipped as undecodable.",
	}, []string{"stream"})

	CoercionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_coercion_errors_total",
		Help: "Total number of fields nulled after a failed numeric coercion.",
	}, []string{"stream", "field"})

	RowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_rows_written_total",
		Help: "Total number of rows confirmed by a sink, labelled by pipeline and table.",
	}, []string{"pipeline", "table"})

	RowsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_rows_inserted_total",
		Help: "Total number of rows newly inserted (not deduplicated) by a sink.",
	}, []string{"pipeline", "table"})

	SinkRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamforge_sink_retries_total",
		Help: "Total number of dual-sink write retries.",
	}, []string{"pipeline"})

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamforge_batch_duration_seconds",
		Help:    "Time from batch cut to checkpoint commit.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stream"})

	CheckpointOffset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamforge_checkpoint_offset",
		Help: "Last committed offset per stream partition.",
	}, []string{"stream", "partition"})

	PipelineLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamforge_pipeline_lag_seconds",
		Help: "Seconds since the most recent committed event timestamp.",
	}, []string{"pipeline"})

	ControllerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamforge_controller_state",
		Help: "1 for the current controller state of a stream, 0 otherwise.",
	}, []string{"stream", "state"})
)
