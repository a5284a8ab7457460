package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig addresses the cluster a KafkaLog reads from.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

// KafkaLog consumes topics partition by partition without a consumer group:
// offsets are owned by the caller's checkpoint, never committed to Kafka.
type KafkaLog struct {
	cfg  KafkaConfig
	opts Options
}

// NewKafkaLog returns a Log backed by a Kafka cluster.
func NewKafkaLog(cfg KafkaConfig, opts Options) *KafkaLog {
	return &KafkaLog{cfg: cfg, opts: opts}
}

func (l *KafkaLog) clientOpts(extra ...kgo.Opt) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(l.cfg.Brokers...)}
	if l.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(l.cfg.ClientID))
	}
	return append(opts, extra...)
}

// Open implements Log. Partitions are discovered once; partitions added to the
// topic later are picked up on the next Open.
func (l *KafkaLog) Open(ctx context.Context, stream, topic string, policy StartPolicy) (*StreamHandle, error) {
	var partitions []int32
	err := untilAvailable(ctx, l.opts, stream, topic, func() error {
		p, err := l.partitions(ctx, topic)
		if err != nil {
			return err
		}
		partitions = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	offsets := make(map[int32]kgo.Offset, len(partitions))
	for _, p := range partitions {
		offsets[p] = kafkaOffset(policy, p)
	}
	cl, err := kgo.NewClient(l.clientOpts(
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{topic: offsets}),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client for %s: %w", topic, err)
	}
	l.opts.logger().Info("kafka handle opened", "stream", stream, "topic", topic, "partitions", len(partitions), "start", policy.String())
	return newHandle(stream, topic, &kafkaFetcher{cl: cl}, l.opts), nil
}

func (l *KafkaLog) partitions(ctx context.Context, topic string) ([]int32, error) {
	cl, err := kgo.NewClient(l.clientOpts()...)
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	topics, err := kadm.NewClient(cl).ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list topic %s: %w", topic, err)
	}
	td, ok := topics[topic]
	if !ok {
		return nil, fmt.Errorf("topic %s not found", topic)
	}
	if td.Err != nil {
		return nil, fmt.Errorf("topic %s: %w", topic, td.Err)
	}
	return td.Partitions.Numbers(), nil
}

func kafkaOffset(policy StartPolicy, p int32) kgo.Offset {
	switch policy.Kind {
	case StartLatest:
		return kgo.NewOffset().AtEnd()
	case StartFromPosition:
		if o, ok := policy.Committed[p]; ok {
			return kgo.NewOffset().At(o + 1)
		}
	}
	return kgo.NewOffset().AtStart()
}

type kafkaFetcher struct {
	cl *kgo.Client
}

func (f *kafkaFetcher) fetch(ctx context.Context, maxWait time.Duration, max int) ([]RawMessage, error) {
	pollCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	fetches := f.cl.PollRecords(pollCtx, max)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var failed error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		failed = errors.Join(failed, fmt.Errorf("%s/%d: %w", topic, partition, err))
	})

	msgs := make([]RawMessage, 0, fetches.NumRecords())
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, RawMessage{
			Topic:     r.Topic,
			Position:  Position{Partition: r.Partition, Offset: r.Offset},
			Payload:   r.Value,
			ArrivedAt: r.Timestamp,
		})
	})
	// Records fetched alongside a partition error are still delivered; the
	// error resurfaces on the next poll if it persists.
	if len(msgs) == 0 && failed != nil {
		return nil, failed
	}
	return msgs, nil
}

func (f *kafkaFetcher) close() error {
	f.cl.Close()
	return nil
}
