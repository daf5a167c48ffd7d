// Package kafka carries record change events between processes over a Kafka
// topic. The producer is the outbox relay's publisher; the consumer feeds
// every event it reads into the local hub, which fans it out to sessions.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"storeops/internal/tracking/models"
	"storeops/pkg/platform/sentinel"
)

// Header names carried on every record.
const (
	HeaderKind = "kind"
	HeaderOp   = "op"
)

// Producer implements ports.ChangePublisher. Records are keyed by record key
// so all changes of one record land on one partition, in commit order.
type Producer struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProducer connects to brokers.
func NewProducer(brokers []string, topic string, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	p := &Producer{client: client, topic: topic, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish writes event and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, event models.ChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.Key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderKind, Value: []byte(event.Kind)},
			{Key: HeaderOp, Value: []byte(event.Op)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("%w: produce change event: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka flush on close failed", "error", err)
	}
	p.client.Close()
}
