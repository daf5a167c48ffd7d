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
	"storeops/internal/tracking/ports"
)

// Message is one consumed Kafka record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. Returning an error stops the consumer
// before the offset is committed, so the message is redelivered. Malformed
// messages should be logged and acknowledged with nil.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// StatusReporter receives connection health signals.
type StatusReporter interface {
	Broadcast(status models.Status)
}

// Consumer reads the change topic. Without a consumer group it starts at the
// end of every partition, so each process sees every event produced after it
// started; sessions recover anything older by reloading.
type Consumer struct {
	client    *kgo.Client
	handler   Handler
	status    StatusReporter
	grouped   bool
	heartbeat time.Duration
	logger    *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	group     string
	status    StatusReporter
	heartbeat time.Duration
	logger    *slog.Logger
}

// WithConsumerGroup joins group and commits offsets after each batch.
func WithConsumerGroup(group string) ConsumerOption {
	return func(c *consumerConfig) {
		c.group = group
	}
}

// WithStatusReporter reports connected, heartbeat and error signals.
func WithStatusReporter(r StatusReporter) ConsumerOption {
	return func(c *consumerConfig) {
		c.status = r
	}
}

// WithHeartbeat sets how often an idle consumer reports it is alive.
func WithHeartbeat(d time.Duration) ConsumerOption {
	return func(c *consumerConfig) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer subscribes to topic on brokers.
func NewConsumer(brokers []string, topic string, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	cfg := consumerConfig{heartbeat: 10 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
	}
	if cfg.group != "" {
		kopts = append(kopts,
			kgo.ConsumerGroup(cfg.group),
			kgo.DisableAutoCommit(),
		)
	} else {
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Consumer{
		client:    client,
		handler:   handler,
		status:    cfg.status,
		grouped:   cfg.group != "",
		heartbeat: cfg.heartbeat,
		logger:    cfg.logger,
	}, nil
}

// Run polls until ctx is cancelled or the handler fails.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()

	healthy := false
	report := func(status models.Status) {
		if c.status != nil {
			c.status.Broadcast(status)
		}
		healthy = status.Healthy()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		pollCtx, cancel := context.WithTimeout(ctx, c.heartbeat)
		fetches := c.client.PollFetches(pollCtx)
		cancel()

		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		failed := false
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			failed = true
			c.logger.WarnContext(ctx, "kafka fetch failed",
				"topic", fe.Topic,
				"partition", fe.Partition,
				"error", fe.Err,
			)
		}
		switch {
		case failed:
			report(models.StatusError)
			continue
		case !healthy:
			report(models.StatusConnected)
		default:
			report(models.StatusHeartbeat)
		}

		var handleErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if handleErr != nil {
				return
			}
			handleErr = c.handler.Handle(ctx, toMessage(r))
		})
		if handleErr != nil {
			report(models.StatusError)
			return fmt.Errorf("handle kafka message: %w", handleErr)
		}
		if c.grouped && fetches.NumRecords() > 0 {
			if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "kafka offset commit failed", "error", err)
			}
		}
	}
}

func toMessage(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// ChangeHandler decodes change events and publishes them on the local hub.
type ChangeHandler struct {
	publisher ports.ChangePublisher
	logger    *slog.Logger
}

// NewChangeHandler creates a handler publishing into p.
func NewChangeHandler(p ports.ChangePublisher, logger *slog.Logger) *ChangeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeHandler{publisher: p, logger: logger}
}

// Handle publishes the decoded event. Malformed messages are skipped.
func (h *ChangeHandler) Handle(ctx context.Context, msg *Message) error {
	var event models.ChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.Malformed() {
		h.logger.ErrorContext(ctx, "skipping malformed change event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"error", err,
		)
		return nil
	}
	return h.publisher.Publish(ctx, event)
}
