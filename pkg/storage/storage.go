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

// Package storage defines the durable store contract. The Postgres
// implementation lives in storage/postgres; an in-memory implementation for
// tests lives in pkg/fake.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hookway/hookway/pkg/apis/core"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRowLocked is returned by skip-locked reads when another worker
	// currently holds the row. Callers treat it as a quiet no-op.
	ErrRowLocked = errors.New("row locked by another worker")
	// ErrDuplicateKey is returned when a unique constraint rejects a write.
	ErrDuplicateKey = errors.New("duplicate key")
)

// DeliveryFilter narrows and pages ListDeliveries results.
type DeliveryFilter struct {
	TenantID   uuid.UUID
	Status     core.DeliveryStatus
	EndpointID *uuid.UUID
	EventID    *uuid.UUID
	// CreatedBefore is the cursor: only rows strictly older are returned.
	CreatedBefore *time.Time
	Limit         int
}

// Store is the transactional persistence surface for the delivery pipeline.
//
// All delivery-row mutation flows through WithDeliveryLock, which executes fn
// inside a transaction holding a row-level write lock on the delivery; the
// snapshot passed to fn is private to the closure and must be persisted with
// UpdateDelivery before fn returns. Tx runs fn inside a plain transaction for
// multi-row units such as ingest.
type Store interface {
	Tx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	WithDeliveryLock(ctx context.Context, id uuid.UUID, skipLocked bool, fn func(ctx context.Context, tx Store, d *core.Delivery) error) error

	CreateTenant(ctx context.Context, t *core.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error)

	CreateEndpoint(ctx context.Context, e *core.Endpoint) error
	GetEndpoint(ctx context.Context, tenantID, id uuid.UUID) (*core.Endpoint, error)
	GetEndpointByID(ctx context.Context, id uuid.UUID) (*core.Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]*core.Endpoint, error)
	EndpointsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*core.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *core.Endpoint) error
	DeleteEndpoint(ctx context.Context, tenantID, id uuid.UUID) error

	CreateEvent(ctx context.Context, e *core.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*core.Event, error)

	CreateDelivery(ctx context.Context, d *core.Delivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*core.Delivery, error)
	GetTenantDelivery(ctx context.Context, tenantID, id uuid.UUID) (*core.Delivery, error)
	UpdateDelivery(ctx context.Context, d *core.Delivery) error
	// FindDeliveryByDedupKey returns the newest delivery matching
	// (tenant, endpoint, keyHash) created at or after since; a nil since
	// searches all of history. ErrNotFound when no row matches.
	FindDeliveryByDedupKey(ctx context.Context, tenantID, endpointID uuid.UUID, keyHash string, since *time.Time) (*core.Delivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*core.Delivery, error)
	// ListPendingDeliveries returns up to limit PENDING deliveries, oldest first.
	ListPendingDeliveries(ctx context.Context, limit int) ([]*core.Delivery, error)
	// ListDueDeliveries returns up to limit SCHEDULED deliveries with
	// next_attempt_at <= now, ordered by next_attempt_at.
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*core.Delivery, error)
	// ListExpiredLeases returns up to limit IN_PROGRESS deliveries whose
	// lease_expires_at < now.
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*core.Delivery, error)
	CountInProgress(ctx context.Context, endpointID uuid.UUID) (int, error)

	CreateAttempt(ctx context.Context, a *core.Attempt) error
	ListAttempts(ctx context.Context, deliveryID uuid.UUID) ([]*core.Attempt, error)

	CreateBatch(ctx context.Context, b *core.DeliveryBatch) error
	UpdateBatch(ctx context.Context, b *core.DeliveryBatch) error
	CreateBatchItem(ctx context.Context, item *core.DeliveryBatchItem) error
}
