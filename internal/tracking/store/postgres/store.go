// Package postgres is the durable RecordStore. Every committed write also
// inserts an outbox row carrying the change event in the same transaction; the
// outbox relay publishes those rows onto the change bus.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"storeops/internal/tracking/models"
	"storeops/internal/tracking/ports"
	"storeops/pkg/platform/sentinel"
	txcontext "storeops/pkg/platform/tx"
)

// AggregateType marks record change rows in the outbox.
const AggregateType = "record"

// FieldValidator rejects writes to fields a record kind does not define.
type FieldValidator func(kind models.EntityKind, field models.FieldID) error

// Store implements ports.RecordStore on PostgreSQL.
type Store struct {
	db       *sql.DB
	validate FieldValidator
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithFieldValidator(v FieldValidator) Option {
	return func(s *Store) {
		s.validate = v
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a new PostgreSQL record store.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const selectRecords = `
	SELECT key, kind, store_id, day, fields, audited, audited_by, audited_at, revision
	FROM records
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) ReadRecord(ctx context.Context, key models.Key) (*models.Record, error) {
	rec, err := scanRecord(s.execer(ctx).QueryRowContext(ctx, selectRecords+`WHERE key = $1`, string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", key, classify(err))
	}
	return &rec, nil
}

func (s *Store) PatchRecord(ctx context.Context, key models.Key, patch models.Patch, opts ports.PatchOptions) (uint64, error) {
	if _, _, _, err := models.ParseKey(string(key)); err != nil {
		return 0, fmt.Errorf("%w: %s", models.ErrValidationRejected, err.Error())
	}
	if s.validate != nil {
		for _, field := range patch.FieldIDs() {
			if err := s.validate(key.Kind(), field); err != nil {
				return 0, err
			}
		}
	}

	var revision uint64
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := s.execer(ctx)

		current, err := scanRecord(exec.QueryRowContext(ctx, selectRecords+`WHERE key = $1 FOR UPDATE`, string(key)))
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock record: %w", classify(err))
		}
		if !exists && !opts.CreateIfMissing {
			return sentinel.ErrNotFound
		}
		if opts.ExpectedRevision != 0 && current.Revision != opts.ExpectedRevision {
			return &models.RevisionConflictError{Expected: opts.ExpectedRevision, Current: current.Revision}
		}

		op := models.OpUpdate
		var before *models.Record
		if exists {
			b := current.Clone()
			before = &b
		} else {
			op = models.OpInsert
			current = models.NewEmptyRecord(key)
		}
		next := current.Clone()
		patch.ApplyTo(&next)

		if err := exec.QueryRowContext(ctx, `SELECT nextval('record_revision_seq')`).Scan(&next.Revision); err != nil {
			return fmt.Errorf("next revision: %w", classify(err))
		}
		if err := s.upsert(ctx, exec, next); err != nil {
			return err
		}
		if err := s.enqueue(ctx, exec, models.ChangeEvent{
			Kind:      next.Kind,
			Op:        op,
			Key:       key,
			Before:    before,
			After:     &next,
			Revision:  next.Revision,
			Committed: s.now().UTC(),
		}); err != nil {
			return err
		}
		revision = next.Revision
		return nil
	})
	if err != nil {
		return 0, err
	}
	return revision, nil
}

func (s *Store) ReadRecordsByScope(ctx context.Context, filter models.ScopeFilter) ([]models.Record, error) {
	keys := make([]string, 0, len(filter.Keys))
	for _, k := range filter.Keys {
		keys = append(keys, string(k))
	}
	rows, err := s.db.QueryContext(ctx, selectRecords+`
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR store_id = $2)
		  AND ($3 = '' OR day = '' OR day >= $3)
		  AND ($4 = '' OR day = '' OR day <= $4)
		  AND (COALESCE(cardinality($5::text[]), 0) = 0 OR key = ANY($5::text[]))
		ORDER BY key
	`, string(filter.Kind), filter.StoreID, filter.From, filter.To, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", classify(err))
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", classify(err))
	}
	return out, nil
}

// Put stores rec as-is with the next revision. Used for seeding.
func (s *Store) Put(ctx context.Context, rec models.Record) (uint64, error) {
	if rec.Kind == "" {
		rec = withKeyParts(rec)
	}
	var revision uint64
	err := txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := s.execer(ctx)
		if err := exec.QueryRowContext(ctx, `SELECT nextval('record_revision_seq')`).Scan(&rec.Revision); err != nil {
			return fmt.Errorf("next revision: %w", classify(err))
		}
		if err := s.upsert(ctx, exec, rec); err != nil {
			return err
		}
		after := rec.Clone()
		revision = rec.Revision
		return s.enqueue(ctx, exec, models.ChangeEvent{
			Kind:      rec.Kind,
			Op:        models.OpUpdate,
			Key:       rec.Key,
			After:     &after,
			Revision:  rec.Revision,
			Committed: s.now().UTC(),
		})
	})
	return revision, err
}

func (s *Store) upsert(ctx context.Context, exec dbExecutor, rec models.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: encode fields: %s", models.ErrValidationRejected, err.Error())
	}
	var auditedAt *time.Time
	if rec.Audit.AuditedAt != nil {
		at := rec.Audit.AuditedAt.UTC()
		auditedAt = &at
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO records (
			key, kind, store_id, day, fields,
			audited, audited_by, audited_at, revision, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10)
		ON CONFLICT (key) DO UPDATE SET
			fields = EXCLUDED.fields,
			audited = EXCLUDED.audited,
			audited_by = EXCLUDED.audited_by,
			audited_at = EXCLUDED.audited_at,
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at
	`,
		string(rec.Key),
		string(rec.Kind),
		rec.StoreID,
		rec.Day,
		string(fields),
		rec.Audit.Audited,
		rec.Audit.AuditedBy,
		auditedAt,
		int64(rec.Revision),
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", rec.Key, classify(err))
	}
	return nil
}

func (s *Store) enqueue(ctx context.Context, exec dbExecutor, event models.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`,
		uuid.New(),
		AggregateType,
		string(event.Key),
		string(event.Op),
		string(payload),
		event.Committed,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", classify(err))
	}
	return nil
}

func scanRecord(row rowScanner) (models.Record, error) {
	var (
		rec       models.Record
		key, kind string
		fields    []byte
		auditedAt sql.NullTime
		revision  int64
	)
	err := row.Scan(
		&key,
		&kind,
		&rec.StoreID,
		&rec.Day,
		&fields,
		&rec.Audit.Audited,
		&rec.Audit.AuditedBy,
		&auditedAt,
		&revision,
	)
	if err != nil {
		return models.Record{}, err
	}
	rec.Key = models.Key(key)
	rec.Kind = models.EntityKind(kind)
	rec.Revision = uint64(revision)
	if auditedAt.Valid {
		at := auditedAt.Time.UTC()
		rec.Audit.AuditedAt = &at
	}
	rec.Fields = map[models.FieldID]any{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return models.Record{}, fmt.Errorf("decode fields of %s: %w", key, err)
		}
	}
	return rec, nil
}

func withKeyParts(rec models.Record) models.Record {
	empty := models.NewEmptyRecord(rec.Key)
	rec.Kind = empty.Kind
	if rec.StoreID == "" {
		rec.StoreID = empty.StoreID
	}
	if rec.Day == "" {
		rec.Day = empty.Day
	}
	if rec.Fields == nil {
		rec.Fields = map[models.FieldID]any{}
	}
	return rec
}

// classify maps Postgres error classes onto the store sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01":
		return fmt.Errorf("%w: %w", sentinel.ErrConflict, err)
	case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "42"):
		// Undefined columns land here too. They are rejected, never retried
		// with fewer fields.
		return fmt.Errorf("%w: %w", sentinel.ErrRejected, err)
	case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57"):
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}
