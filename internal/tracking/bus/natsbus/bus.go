// Package natsbus carries record change events and audit events over NATS
// core subjects. Change events go to "<prefix>.<kind>", audit events to
// "<prefix>.audit.<category>".
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
	audit "storeops/pkg/platform/audit"
	"storeops/pkg/platform/sentinel"
)

// StatusReporter receives connection health signals.
type StatusReporter interface {
	Broadcast(status models.Status)
}

// Bus implements ports.ChangePublisher on a NATS connection, and bridges
// received change events into a local publisher.
type Bus struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	status StatusReporter
	subs   []*nats.Subscription
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStatusReporter reports disconnects and reconnects.
func WithStatusReporter(r StatusReporter) Option {
	return func(b *Bus) {
		b.status = r
	}
}

// Connect dials url. Reconnects are unlimited; disconnects are reported as
// StatusDisconnected so sessions fall back to polling.
func Connect(url, prefix string, opts ...Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if prefix == "" {
		return nil, errors.New("subject prefix is required")
	}
	b := &Bus{prefix: strings.TrimSuffix(prefix, "."), logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	conn, err := nats.Connect(url,
		nats.Name("storeops"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", "error", err)
			b.report(models.StatusDisconnected)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("nats reconnected", "url", c.ConnectedUrl())
			b.report(models.StatusConnected)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Warn("nats async error", "subject", subject, "error", err)
			b.report(models.StatusError)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.conn = conn
	return b, nil
}

func (b *Bus) report(status models.Status) {
	b.mu.Lock()
	r := b.status
	b.mu.Unlock()
	if r != nil {
		r.Broadcast(status)
	}
}

// ChangeSubject is the subject change events of kind are published on.
func (b *Bus) ChangeSubject(kind models.EntityKind) string {
	return b.prefix + "." + string(kind)
}

// AuditSubject is the subject audit events of category are published on.
func (b *Bus) AuditSubject(category audit.EventCategory) string {
	return b.prefix + ".audit." + string(category)
}

// Publish sends event on its kind's subject.
func (b *Bus) Publish(ctx context.Context, event models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	return b.publish(ctx, b.ChangeSubject(event.Key.Kind()), data)
}

// PublishAudit sends an audit event on its category's subject.
func (b *Bus) PublishAudit(ctx context.Context, event audit.Event) error {
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return b.publish(ctx, b.AuditSubject(event.Category), data)
}

func (b *Bus) publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: publish %s: %w", sentinel.ErrUnavailable, subject, err)
	}
	return nil
}

// Bridge subscribes to the change subjects of every kind and publishes what it
// receives into local. Malformed messages are logged and dropped.
func (b *Bus) Bridge(local ports.ChangePublisher) error {
	if local == nil {
		return errors.New("local publisher is required")
	}
	sub, err := b.conn.Subscribe(b.prefix+".*", func(msg *nats.Msg) {
		var event models.ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil || event.Malformed() {
			b.logger.Error("dropping malformed change event", "subject", msg.Subject, "error", err)
			return
		}
		if err := local.Publish(context.Background(), event); err != nil {
			b.logger.Warn("local publish failed", "record_key", event.Key, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s.*: %w", b.prefix, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.report(models.StatusConnected)
	return nil
}

// Ping round-trips to the server.
func (b *Bus) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	timeout := 2 * time.Second
	if ok {
		timeout = time.Until(deadline)
	}
	return b.conn.FlushTimeout(timeout)
}

// Heartbeat reports StatusHeartbeat every interval while connected, until ctx
// is cancelled.
func (b *Bus) Heartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if b.conn.IsConnected() {
				b.report(models.StatusHeartbeat)
			}
		}
	}
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	b.conn.Close()
}
