/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres implements storage.Store on Postgres via sqlx.
// Worker mutual exclusion uses row-level locks: SELECT ... FOR UPDATE with an
// optional SKIP LOCKED so competing workers fall through instead of queueing.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to Postgres and runs pending migrations.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Store implements storage.Store. The zero value is unusable; construct with
// New. Inside Tx/WithDeliveryLock the nested Store runs on the transaction.
type Store struct {
	db  *sqlx.DB // nil when this Store wraps an open transaction
	ext sqlx.ExtContext
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, ext: db}
}

var _ storage.Store = (*Store)(nil)

// translate maps driver errors onto the storage sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, pgErr.ConstraintName)
	}
	return err
}

func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	if s.db == nil {
		// Already transactional; Postgres has no nesting we need here.
		return fn(ctx, s)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return fn(ctx, &Store{ext: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) WithDeliveryLock(ctx context.Context, id uuid.UUID, skipLocked bool, fn func(ctx context.Context, tx storage.Store, d *core.Delivery) error) error {
	if s.db == nil {
		return errors.New("delivery lock requested inside an open transaction")
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `SELECT * FROM deliveries WHERE id = $1 FOR UPDATE`
		if skipLocked {
			query += ` SKIP LOCKED`
		}
		d := &core.Delivery{}
		if err := sqlx.GetContext(ctx, tx, d, query, id); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return translate(err)
			}
			if !skipLocked {
				return storage.ErrNotFound
			}
			// SKIP LOCKED hides both missing and contended rows; an
			// unlocked existence probe tells them apart.
			var n int
			if err := sqlx.GetContext(ctx, tx, &n, `SELECT count(*) FROM deliveries WHERE id = $1`, id); err != nil {
				return translate(err)
			}
			if n == 0 {
				return storage.ErrNotFound
			}
			return storage.ErrRowLocked
		}
		return fn(ctx, &Store{ext: tx}, d)
	})
}

func (s *Store) CreateTenant(ctx context.Context, t *core.Tenant) error {
	_, err := sqlx.NamedExecContext(ctx, s.ext,
		`INSERT INTO tenants (id, name, created_at) VALUES (:id, :name, :created_at)`, t)
	return translate(err)
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	t := &core.Tenant{}
	if err := sqlx.GetContext(ctx, s.ext, t, `SELECT * FROM tenants WHERE id = $1`, id); err != nil {
		return nil, translate(err)
	}
	return t, nil
}

func (s *Store) CreateEndpoint(ctx context.Context, e *core.Endpoint) error {
	_, err := sqlx.NamedExecContext(ctx, s.ext,
		`INSERT INTO endpoints (id, tenant_id, name, url, secret, headers, timeout_seconds, status, paused_at, created_at, updated_at)
		 VALUES (:id, :tenant_id, :name, :url, :secret, :headers, :timeout_seconds, :status, :paused_at, :created_at, :updated_at)`, e)
	return translate(err)
}

func (s *Store) GetEndpoint(ctx context.Context, tenantID, id uuid.UUID) (*core.Endpoint, error) {
	e := &core.Endpoint{}
	if err := sqlx.GetContext(ctx, s.ext, e,
		`SELECT * FROM endpoints WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return nil, translate(err)
	}
	return e, nil
}

func (s *Store) GetEndpointByID(ctx context.Context, id uuid.UUID) (*core.Endpoint, error) {
	e := &core.Endpoint{}
	if err := sqlx.GetContext(ctx, s.ext, e, `SELECT * FROM endpoints WHERE id = $1`, id); err != nil {
		return nil, translate(err)
	}
	return e, nil
}

func (s *Store) ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]*core.Endpoint, error) {
	var out []*core.Endpoint
	err := sqlx.SelectContext(ctx, s.ext, &out,
		`SELECT * FROM endpoints WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	return out, translate(err)
}

func (s *Store) EndpointsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*core.Endpoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM endpoints WHERE tenant_id = ? AND id IN (?)`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	var out []*core.Endpoint
	err = sqlx.SelectContext(ctx, s.ext, &out, s.ext.Rebind(query), args...)
	return out, translate(err)
}

func (s *Store) UpdateEndpoint(ctx context.Context, e *core.Endpoint) error {
	res, err := sqlx.NamedExecContext(ctx, s.ext,
		`UPDATE endpoints SET name = :name, url = :url, secret = :secret, headers = :headers,
		        timeout_seconds = :timeout_seconds, status = :status, paused_at = :paused_at, updated_at = :updated_at
		 WHERE id = :id`, e)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res)
}

func (s *Store) DeleteEndpoint(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.ext.ExecContext(ctx,
		`DELETE FROM endpoints WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res)
}

func (s *Store) CreateEvent(ctx context.Context, e *core.Event) error {
	_, err := sqlx.NamedExecContext(ctx, s.ext,
		`INSERT INTO events (id, tenant_id, type, payload_json, payload_hash, created_at)
		 VALUES (:id, :tenant_id, :type, :payload_json, :payload_hash, :created_at)`, e)
	return translate(err)
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*core.Event, error) {
	e := &core.Event{}
	if err := sqlx.GetContext(ctx, s.ext, e, `SELECT * FROM events WHERE id = $1`, id); err != nil {
		return nil, translate(err)
	}
	return e, nil
}

// CreateDelivery reports storage.ErrDuplicateKey when the dedup constraint
// fires. ON CONFLICT DO NOTHING keeps the surrounding transaction usable so
// the caller can re-read the surviving row.
func (s *Store) CreateDelivery(ctx context.Context, d *core.Delivery) error {
	res, err := sqlx.NamedExecContext(ctx, s.ext,
		`INSERT INTO deliveries (id, tenant_id, event_id, endpoint_id, mode, idempotency_key, idempotency_key_hash,
		        idempotency_key_reused, status, attempts_count, next_attempt_at, first_scheduled_at, last_attempt_at,
		        terminal_at, terminal_reason, lease_id, lease_expires_at, cancel_requested, created_at, updated_at)
		 VALUES (:id, :tenant_id, :event_id, :endpoint_id, :mode, :idempotency_key, :idempotency_key_hash,
		        :idempotency_key_reused, :status, :attempts_count, :next_attempt_at, :first_scheduled_at, :last_attempt_at,
		        :terminal_at, :terminal_reason, :lease_id, :lease_expires_at, :cancel_requested, :created_at, :updated_at)
		 ON CONFLICT DO NOTHING`, d)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrDuplicateKey
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (*core.Delivery, error) {
	d := &core.Delivery{}
	if err := sqlx.GetContext(ctx, s.ext, d, `SELECT * FROM deliveries WHERE id = $1`, id); err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (s *Store) GetTenantDelivery(ctx context.Context, tenantID, id uuid.UUID) (*core.Delivery, error) {
	d := &core.Delivery{}
	if err := sqlx.GetContext(ctx, s.ext, d,
		`SELECT * FROM deliveries WHERE tenant_id = $1 AND id = $2`, tenantID, id); err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *core.Delivery) error {
	res, err := sqlx.NamedExecContext(ctx, s.ext,
		`UPDATE deliveries SET status = :status, attempts_count = :attempts_count, next_attempt_at = :next_attempt_at,
		        first_scheduled_at = :first_scheduled_at, last_attempt_at = :last_attempt_at, terminal_at = :terminal_at,
		        terminal_reason = :terminal_reason, lease_id = :lease_id, lease_expires_at = :lease_expires_at,
		        cancel_requested = :cancel_requested, idempotency_key_reused = :idempotency_key_reused, updated_at = :updated_at
		 WHERE id = :id`, d)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res)
}

func (s *Store) FindDeliveryByDedupKey(ctx context.Context, tenantID, endpointID uuid.UUID, keyHash string, since *time.Time) (*core.Delivery, error) {
	query := `SELECT * FROM deliveries WHERE tenant_id = $1 AND endpoint_id = $2 AND idempotency_key_hash = $3`
	args := []any{tenantID, endpointID, keyHash}
	if since != nil {
		query += ` AND created_at >= $4`
		args = append(args, *since)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	d := &core.Delivery{}
	if err := sqlx.GetContext(ctx, s.ext, d, query, args...); err != nil {
		return nil, translate(err)
	}
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, filter storage.DeliveryFilter) ([]*core.Delivery, error) {
	query := `SELECT * FROM deliveries WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if filter.Status != "" {
		add(` AND status = $%d`, filter.Status)
	}
	if filter.EndpointID != nil {
		add(` AND endpoint_id = $%d`, *filter.EndpointID)
	}
	if filter.EventID != nil {
		add(` AND event_id = $%d`, *filter.EventID)
	}
	if filter.CreatedBefore != nil {
		add(` AND created_at < $%d`, *filter.CreatedBefore)
	}
	add(` ORDER BY created_at DESC LIMIT $%d`, filter.Limit)
	var out []*core.Delivery
	err := sqlx.SelectContext(ctx, s.ext, &out, query, args...)
	return out, translate(err)
}

func (s *Store) ListPendingDeliveries(ctx context.Context, limit int) ([]*core.Delivery, error) {
	var out []*core.Delivery
	err := sqlx.SelectContext(ctx, s.ext, &out,
		`SELECT * FROM deliveries WHERE status = $1 ORDER BY created_at LIMIT $2`,
		core.DeliveryStatusPending, limit)
	return out, translate(err)
}

func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*core.Delivery, error) {
	var out []*core.Delivery
	err := sqlx.SelectContext(ctx, s.ext, &out,
		`SELECT * FROM deliveries WHERE status = $1 AND next_attempt_at <= $2 ORDER BY next_attempt_at LIMIT $3`,
		core.DeliveryStatusScheduled, now, limit)
	return out, translate(err)
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*core.Delivery, error) {
	var out []*core.Delivery
	err := sqlx.SelectContext(ctx, s.ext, &out,
		`SELECT * FROM deliveries WHERE status = $1 AND lease_expires_at < $2 ORDER BY lease_expires_at LIMIT $3`,
		core.DeliveryStatusInProgress, now, limit)
	return out, translate(err)
}

func (s *Store) CountInProgress(ctx context.Context, endpointID uuid.UUID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n,
		`SELECT count(*) FROM deliveries WHERE endpoint_id = $1 AND status = $2`,
		endpointID, core.DeliveryStatusInProgress)
	return n, translate(err)
}

func (s *Store) CreateAttempt(ctx context.Context, a *core.Attempt) error {
	_, err := sqlx.NamedExecContext(ctx, s.ext,
		`INSERT INTO attempts (id, tenant_id, delivery_id, attempt_number, started_at, ended_at, latency_ms, outcome,
		        classification, http_status, response_headers, response_body_snippet, error_detail, request_payload_hash, created_at)
		 VALUES (:id, :tenant_id, :delivery_id, :attempt_number, :started_at, :ended_at, :latency_ms, :outcome,
		        :classification, :http_status, :response_headers, :response_body_snippet, :error_detail, :request_payload_hash, :created_at)`, a)
	return translate(err)
}

func (s *Store) ListAttempts(ctx context.Context, deliveryID uuid.UUID) ([]*core.Attempt, error) {
	var out []*core.Attempt
	err := sqlx.SelectContext(ctx, s.ext, &out,
		`SELECT * FROM attempts WHERE delivery_id = $1 ORDER BY attempt_number`, deliveryID)
	return out, translate(err)
}

func (s *Store) CreateBatch(ctx context.Context, b *core.DeliveryBatch) error {
	_, err := sqlx.NamedExecContext(ctx, s.ext,
		`INSERT INTO delivery_batches (id, tenant_id, type, dry_run, requested_at, created_deliveries_count, status)
		 VALUES (:id, :tenant_id, :type, :dry_run, :requested_at, :created_deliveries_count, :status)`, b)
	return translate(err)
}

func (s *Store) UpdateBatch(ctx context.Context, b *core.DeliveryBatch) error {
	res, err := sqlx.NamedExecContext(ctx, s.ext,
		`UPDATE delivery_batches SET created_deliveries_count = :created_deliveries_count, status = :status WHERE id = :id`, b)
	if err != nil {
		return translate(err)
	}
	return mustAffect(res)
}

func (s *Store) CreateBatchItem(ctx context.Context, item *core.DeliveryBatchItem) error {
	_, err := sqlx.NamedExecContext(ctx, s.ext,
		`INSERT INTO delivery_batch_items (id, batch_id, source_delivery_id, endpoint_id, created_delivery_id)
		 VALUES (:id, :batch_id, :source_delivery_id, :endpoint_id, :created_delivery_id)`, item)
	return translate(err)
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
