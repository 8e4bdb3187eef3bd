// Package kafka backs the stream.Log contract with Kafka/Redpanda through
// franz-go. Each tailer is a dedicated client consuming exactly one
// partition from an explicit offset; checkpoints stay in the checkpoint
// store, not in Kafka consumer groups, so the advance-if-greater rule is
// enforced in one place.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hashicorp-forge/streamwork/pkg/stream"
)

// Config holds configuration for the Kafka-backed log.
type Config struct {
	// Brokers are the seed broker addresses.
	Brokers []string

	// TopicPrefix namespaces every stream topic (default "streamwork.").
	TopicPrefix string

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// Log implements stream.Log over Kafka topics.
type Log struct {
	producer *kgo.Client
	admin    *kadm.Client
	brokers  []string
	prefix   string
	logger   hclog.Logger

	mu      sync.Mutex
	tailers []*Tailer
}

// New creates a Kafka-backed log.
func New(cfg Config) (*Log, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "streamwork."
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Log{
		producer: producer,
		admin:    kadm.NewClient(producer),
		brokers:  cfg.Brokers,
		prefix:   cfg.TopicPrefix,
		logger:   cfg.Logger.Named("kafka-log"),
	}, nil
}

func (l *Log) topic(name string) string {
	return l.prefix + name
}

// CreateStream creates the backing topic with the requested partition count.
// An existing topic is accepted as-is.
func (l *Log) CreateStream(ctx context.Context, name string, partitions int) error {
	topic := l.topic(name)
	resp, err := l.admin.CreateTopic(ctx, int32(partitions), 1, nil, topic)
	if err != nil {
		return fmt.Errorf("%w: failed to create topic %q: %v", stream.ErrStreamNotFound, topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("%w: failed to create topic %q: %v", stream.ErrStreamNotFound, topic, resp.Err)
	}
	l.logger.Debug("ensured topic", "topic", topic, "partitions", partitions)
	return nil
}

// Partitions returns the partition count of the backing topic.
func (l *Log) Partitions(ctx context.Context, name string) (int, error) {
	topic := l.topic(name)
	details, err := l.admin.ListTopics(ctx, topic)
	if err != nil {
		return 0, fmt.Errorf("failed to list topic %q: %w", topic, err)
	}
	detail, ok := details[topic]
	if !ok || detail.Err != nil {
		return 0, stream.ErrStreamNotFound
	}
	return len(detail.Partitions), nil
}

// Append produces a record to the partition selected by its key, waiting for
// the broker ack. Producer backpressure applies when the broker is slow.
func (l *Log) Append(ctx context.Context, name string, r stream.Record) (int, int64, error) {
	n, err := l.Partitions(ctx, name)
	if err != nil {
		return 0, 0, err
	}
	partition := stream.Partition(r.Key, n)

	rec := &kgo.Record{
		Topic:     l.topic(name),
		Key:       []byte(r.Key),
		Value:     r.Data,
		Partition: int32(partition),
		Timestamp: r.Watermark,
	}
	produced, err := l.producer.ProduceSync(ctx, rec).First()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to produce to %q: %w", name, err)
	}
	return int(produced.Partition), produced.Offset, nil
}

// Tail opens a dedicated single-partition consumer starting at offset from.
func (l *Log) Tail(name string, partition int, from int64) (stream.Tailer, error) {
	if from < 0 {
		from = 0
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(l.brokers...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			l.topic(name): {int32(partition): kgo.NewOffset().At(from)},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tailer for %q[%d]: %w", name, partition, err)
	}

	t := &Tailer{
		client: client,
		logger: l.logger.With("stream", name, "partition", partition),
	}
	l.mu.Lock()
	l.tailers = append(l.tailers, t)
	l.mu.Unlock()
	return t, nil
}

// Close closes the producer and every open tailer.
func (l *Log) Close() error {
	l.mu.Lock()
	tailers := l.tailers
	l.tailers = nil
	l.mu.Unlock()

	for _, t := range tailers {
		t.Close()
	}
	l.producer.Close()
	return nil
}

// Tailer reads one Kafka partition in append order.
type Tailer struct {
	client *kgo.Client
	logger hclog.Logger

	buffered []*kgo.Record
	closed   bool
	mu       sync.Mutex
}

// Read returns the next record, polling the broker when the local buffer is
// drained.
func (t *Tailer) Read(ctx context.Context) (stream.Record, int64, error) {
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return stream.Record{}, 0, stream.ErrTailerClosed
		}
		if len(t.buffered) > 0 {
			rec := t.buffered[0]
			t.buffered = t.buffered[1:]
			t.mu.Unlock()
			return stream.Record{
				Key:       string(rec.Key),
				Data:      rec.Value,
				Watermark: rec.Timestamp,
			}, rec.Offset, nil
		}
		t.mu.Unlock()

		fetches := t.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			return stream.Record{}, 0, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				t.logger.Error("kafka fetch error", "error", fe.Err)
			}
			continue
		}

		t.mu.Lock()
		fetches.EachRecord(func(rec *kgo.Record) {
			t.buffered = append(t.buffered, rec)
		})
		t.mu.Unlock()
	}
}

// Close releases the tailer's client.
func (t *Tailer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.client.Close()
	return nil
}
