// Package kafka wraps the franz-go client for the export and apply
// pipelines.
//
//   - Export (table → Kafka): [Producer] publishes exported records. Produce
//     calls are synchronous so a watermark only moves after the broker has
//     acknowledged every record before it (at-least-once).
//   - Apply (Kafka → table): [Consumer] reads change messages in a consumer
//     group with auto-commit disabled; the caller commits after a batch has
//     been applied.
//
// Records are encoded either as JSON or as Avro in the Confluent wire format
// (see [Encoder]).
//
// Producer and Consumer are safe for concurrent use.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/RaikaSurendra/servicenow-table-client/internal/config"
)

// Message is a record produced to or consumed from Kafka.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

func toRecord(topic string, m Message) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Key: m.Key, Value: m.Value}
	for k, v := range m.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}

func fromRecord(r *kgo.Record) Message {
	m := Message{
		Topic:     r.Topic,
		Key:       r.Key,
		Value:     r.Value,
		Partition: r.Partition,
		Offset:    r.Offset,
	}
	if len(r.Headers) > 0 {
		m.Headers = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}

// Producer publishes messages with acks=all.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewProducer creates a producer for cfg.Brokers.
func NewProducer(cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryTimeout(30*time.Second),
		kgo.ProducerBatchMaxBytes(1<<20),
	)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka producer client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger.With("component", "kafka-producer"),
	}, nil
}

// ProduceSync sends one message and waits for the broker's acknowledgement.
func (p *Producer) ProduceSync(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	return p.ProduceBatchSync(ctx, topic, []Message{{Key: key, Value: value, Headers: headers}})
}

// ProduceBatchSync sends messages to topic and waits until all of them are
// acknowledged. On error the caller must not advance its offset.
func (p *Producer) ProduceBatchSync(ctx context.Context, topic string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	records := make([]*kgo.Record, len(messages))
	for i, m := range messages {
		records[i] = toRecord(topic, m)
	}

	results := p.client.ProduceSync(ctx, records...)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("producing to %s: %w", topic, err)
	}

	p.logger.Debug("batch produced", "topic", topic, "count", len(messages))
	return nil
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() {
	p.client.Close()
}

// Consumer reads from a consumer group. Offsets are committed explicitly.
type Consumer struct {
	client  *kgo.Client
	maxPoll int
	logger  *slog.Logger
}

// NewConsumer joins groupID and subscribes to topics.
func NewConsumer(cfg config.KafkaConfig, groupID string, topics []string, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, errors.New("consumer group ID is required")
	}
	if len(topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating Kafka consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		maxPoll: 100,
		logger:  logger.With("component", "kafka-consumer", "group", groupID, "topics", strings.Join(topics, ",")),
	}, nil
}

// Poll blocks until messages are available or ctx is done. A cancelled
// context yields no messages and no error.
func (c *Consumer) Poll(ctx context.Context) ([]Message, error) {
	fetches := c.client.PollRecords(ctx, c.maxPoll)
	if ctx.Err() != nil {
		return nil, nil
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		joined := make([]error, 0, len(errs))
		for _, e := range errs {
			joined = append(joined, fmt.Errorf("%s[%d]: %w", e.Topic, e.Partition, e.Err))
		}
		return nil, fmt.Errorf("consumer poll: %w", errors.Join(joined...))
	}

	var messages []Message
	fetches.EachRecord(func(r *kgo.Record) {
		messages = append(messages, fromRecord(r))
	})
	if len(messages) > 0 {
		c.logger.Debug("polled messages", "count", len(messages))
	}
	return messages, nil
}

// CommitOffsets commits everything polled so far.
func (c *Consumer) CommitOffsets(ctx context.Context) error {
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		return fmt.Errorf("committing offsets: %w", err)
	}
	return nil
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
