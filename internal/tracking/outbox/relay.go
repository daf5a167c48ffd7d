// Package outbox forwards rows of the Postgres outbox table to the change bus.
//
// Stores insert an outbox row in the same transaction as the write it
// describes. The relay claims unprocessed rows in insertion order, hands each
// to the handler registered for its aggregate type, and marks it processed.
// A handler failure stops the batch so later rows for the same key are never
// published ahead of an earlier one.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
	audit "storeops/pkg/platform/audit"
	txcontext "storeops/pkg/platform/tx"
)

// Entry is one outbox row.
type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// Handler delivers one entry. Returning an error leaves it unprocessed.
type Handler func(ctx context.Context, entry Entry) error

// Relay is safe to run from several processes; rows are claimed with
// FOR UPDATE SKIP LOCKED.
type Relay struct {
	db        *sql.DB
	handlers  map[string]Handler
	interval  time.Duration
	batch     int
	retention time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// Option configures a Relay.
type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithHandler routes entries of aggregateType to h.
func WithHandler(aggregateType string, h Handler) Option {
	return func(r *Relay) {
		if h != nil {
			r.handlers[aggregateType] = h
		}
	}
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize bounds the rows claimed per poll.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithRetention sets how long processed rows are kept. Zero keeps them.
func WithRetention(d time.Duration) Option {
	return func(r *Relay) {
		r.retention = d
	}
}

// New creates a relay over db.
func New(db *sql.DB, opts ...Option) (*Relay, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	r := &Relay{
		db:        db,
		handlers:  make(map[string]Handler),
		interval:  500 * time.Millisecond,
		batch:     100,
		retention: 24 * time.Hour,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.WarnContext(ctx, "outbox drain failed", "error", err)
				break
			}
			if n < r.batch {
				break
			}
		}
		if r.retention > 0 {
			if err := r.prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "outbox prune failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain processes one batch and returns how many entries were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	delivered := 0
	err := txcontext.Run(ctx, r.db, func(ctx context.Context) error {
		tx, _ := txcontext.From(ctx)
		entries, err := claim(ctx, tx, r.batch)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := r.dispatch(ctx, entry); err != nil {
				r.metrics.IncFailed(entry.AggregateType)
				if delivered == 0 {
					return fmt.Errorf("deliver %s %s: %w", entry.AggregateType, entry.ID, err)
				}
				r.logger.WarnContext(ctx, "outbox delivery failed, retrying next poll",
					"id", entry.ID,
					"aggregate_type", entry.AggregateType,
					"error", err,
				)
				return nil
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET processed_at = now() WHERE id = $1`, entry.ID,
			); err != nil {
				return fmt.Errorf("mark outbox entry processed: %w", err)
			}
			delivered++
			r.metrics.IncDelivered(entry.AggregateType)
			r.metrics.ObserveLag(time.Since(entry.CreatedAt))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return delivered, nil
}

func (r *Relay) dispatch(ctx context.Context, entry Entry) error {
	h, ok := r.handlers[entry.AggregateType]
	if !ok {
		r.logger.DebugContext(ctx, "no outbox handler, marking processed",
			"aggregate_type", entry.AggregateType,
			"id", entry.ID,
		)
		return nil
	}
	return h(ctx, entry)
}

func claim(ctx context.Context, tx *sql.Tx, limit int) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY seq
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

func (r *Relay) prune(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`,
		time.Now().Add(-r.retention),
	)
	return err
}

// PublishRecords decodes record change entries and publishes them. Malformed
// payloads are logged and skipped so they never block the outbox.
func PublishRecords(p ports.ChangePublisher, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, entry Entry) error {
		var event models.ChangeEvent
		if err := json.Unmarshal(entry.Payload, &event); err != nil || event.Malformed() {
			logger.ErrorContext(ctx, "dropping malformed change event",
				"id", entry.ID,
				"record_key", entry.AggregateID,
				"error", err,
			)
			return nil
		}
		return p.Publish(ctx, event)
	}
}

// AuditSink receives audit events relayed from the outbox.
type AuditSink interface {
	PublishAudit(ctx context.Context, event audit.Event) error
}

// PublishAudit decodes audit entries and hands them to sink.
func PublishAudit(sink AuditSink, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, entry Entry) error {
		var event audit.Event
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			logger.ErrorContext(ctx, "dropping malformed audit event",
				"id", entry.ID,
				"subject", entry.AggregateID,
				"error", err,
			)
			return nil
		}
		return sink.PublishAudit(ctx, event)
	}
}
