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

// Package fake provides an in-memory storage.Store and entity factories for
// tests.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/storage"
)

// Store is an in-memory storage.Store. All reads return deep copies so test
// mutations never leak into the stored rows. Locked simulates rows held by a
// concurrent worker: WithDeliveryLock on a Locked id returns ErrRowLocked
// (skipLocked) or blocks-equivalent error behavior is not modeled.
type Store struct {
	mu sync.Mutex

	Tenants    map[uuid.UUID]*core.Tenant
	Endpoints  map[uuid.UUID]*core.Endpoint
	Events     map[uuid.UUID]*core.Event
	Deliveries map[uuid.UUID]*core.Delivery
	Attempts   map[uuid.UUID][]*core.Attempt
	Batches    map[uuid.UUID]*core.DeliveryBatch
	BatchItems map[uuid.UUID][]*core.DeliveryBatchItem

	// Locked marks delivery ids as held by another worker.
	Locked map[uuid.UUID]bool
}

func NewStore() *Store {
	return &Store{
		Tenants:    map[uuid.UUID]*core.Tenant{},
		Endpoints:  map[uuid.UUID]*core.Endpoint{},
		Events:     map[uuid.UUID]*core.Event{},
		Deliveries: map[uuid.UUID]*core.Delivery{},
		Attempts:   map[uuid.UUID][]*core.Attempt{},
		Batches:    map[uuid.UUID]*core.DeliveryBatch{},
		BatchItems: map[uuid.UUID][]*core.DeliveryBatchItem{},
		Locked:     map[uuid.UUID]bool{},
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx storage.Store) error) error {
	// No rollback modeling; tests assert on the error, not partial state.
	return fn(ctx, s)
}

func (s *Store) WithDeliveryLock(ctx context.Context, id uuid.UUID, skipLocked bool, fn func(ctx context.Context, tx storage.Store, d *core.Delivery) error) error {
	s.mu.Lock()
	d, ok := s.Deliveries[id]
	locked := s.Locked[id]
	var snapshot *core.Delivery
	if ok {
		snapshot = copyDelivery(d)
	}
	s.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}
	if locked {
		return storage.ErrRowLocked
	}
	return fn(ctx, s, snapshot)
}

func (s *Store) CreateTenant(ctx context.Context, t *core.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tenants[t.ID] = copyShallow(t)
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*core.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyShallow(t), nil
}

func (s *Store) CreateEndpoint(ctx context.Context, e *core.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Endpoints[e.ID] = copyShallow(e)
	return nil
}

func (s *Store) GetEndpoint(ctx context.Context, tenantID, id uuid.UUID) (*core.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Endpoints[id]
	if !ok || e.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return copyShallow(e), nil
}

func (s *Store) GetEndpointByID(ctx context.Context, id uuid.UUID) (*core.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Endpoints[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyShallow(e), nil
}

func (s *Store) ListEndpoints(ctx context.Context, tenantID uuid.UUID) ([]*core.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.FilterMap(lo.Values(s.Endpoints), func(e *core.Endpoint, _ int) (*core.Endpoint, bool) {
		return copyShallow(e), e.TenantID == tenantID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) EndpointsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*core.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Endpoint
	for _, id := range ids {
		if e, ok := s.Endpoints[id]; ok && e.TenantID == tenantID {
			out = append(out, copyShallow(e))
		}
	}
	return out, nil
}

func (s *Store) UpdateEndpoint(ctx context.Context, e *core.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Endpoints[e.ID]; !ok {
		return storage.ErrNotFound
	}
	s.Endpoints[e.ID] = copyShallow(e)
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Endpoints[id]
	if !ok || e.TenantID != tenantID {
		return storage.ErrNotFound
	}
	delete(s.Endpoints, id)
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, e *core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events[e.ID] = copyShallow(e)
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.Events[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyShallow(e), nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *core.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.IdempotencyKeyHash != nil {
		for _, other := range s.Deliveries {
			if other.TenantID == d.TenantID && other.EndpointID == d.EndpointID &&
				other.IdempotencyKeyHash != nil && *other.IdempotencyKeyHash == *d.IdempotencyKeyHash {
				return storage.ErrDuplicateKey
			}
		}
	}
	s.Deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (*core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Deliveries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyDelivery(d), nil
}

func (s *Store) GetTenantDelivery(ctx context.Context, tenantID, id uuid.UUID) (*core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	return copyDelivery(d), nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *core.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Deliveries[d.ID]; !ok {
		return storage.ErrNotFound
	}
	s.Deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (s *Store) FindDeliveryByDedupKey(ctx context.Context, tenantID, endpointID uuid.UUID, keyHash string, since *time.Time) (*core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *core.Delivery
	for _, d := range s.Deliveries {
		if d.TenantID != tenantID || d.EndpointID != endpointID {
			continue
		}
		if d.IdempotencyKeyHash == nil || *d.IdempotencyKeyHash != keyHash {
			continue
		}
		if since != nil && d.CreatedAt.Before(*since) {
			continue
		}
		if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
			newest = d
		}
	}
	if newest == nil {
		return nil, storage.ErrNotFound
	}
	return copyDelivery(newest), nil
}

func (s *Store) ListDeliveries(ctx context.Context, filter storage.DeliveryFilter) ([]*core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.FilterMap(lo.Values(s.Deliveries), func(d *core.Delivery, _ int) (*core.Delivery, bool) {
		if d.TenantID != filter.TenantID {
			return nil, false
		}
		if filter.Status != "" && d.Status != filter.Status {
			return nil, false
		}
		if filter.EndpointID != nil && d.EndpointID != *filter.EndpointID {
			return nil, false
		}
		if filter.EventID != nil && d.EventID != *filter.EventID {
			return nil, false
		}
		if filter.CreatedBefore != nil && !d.CreatedAt.Before(*filter.CreatedBefore) {
			return nil, false
		}
		return copyDelivery(d), true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ListPendingDeliveries(ctx context.Context, limit int) ([]*core.Delivery, error) {
	return s.listByStatus(core.DeliveryStatusPending, limit, func(d *core.Delivery) bool { return true },
		func(a, b *core.Delivery) bool { return a.CreatedAt.Before(b.CreatedAt) })
}

func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*core.Delivery, error) {
	return s.listByStatus(core.DeliveryStatusScheduled, limit,
		func(d *core.Delivery) bool { return d.NextAttemptAt != nil && !d.NextAttemptAt.After(now) },
		func(a, b *core.Delivery) bool { return a.NextAttemptAt.Before(*b.NextAttemptAt) })
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*core.Delivery, error) {
	return s.listByStatus(core.DeliveryStatusInProgress, limit,
		func(d *core.Delivery) bool { return d.LeaseExpiresAt != nil && d.LeaseExpiresAt.Before(now) },
		func(a, b *core.Delivery) bool { return a.LeaseExpiresAt.Before(*b.LeaseExpiresAt) })
}

func (s *Store) listByStatus(status core.DeliveryStatus, limit int, match func(*core.Delivery) bool, less func(a, b *core.Delivery) bool) ([]*core.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.FilterMap(lo.Values(s.Deliveries), func(d *core.Delivery, _ int) (*core.Delivery, bool) {
		return copyDelivery(d), d.Status == status && match(d)
	})
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountInProgress(ctx context.Context, endpointID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.CountBy(lo.Values(s.Deliveries), func(d *core.Delivery) bool {
		return d.EndpointID == endpointID && d.Status == core.DeliveryStatusInProgress
	}), nil
}

func (s *Store) CreateAttempt(ctx context.Context, a *core.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Attempts[a.DeliveryID] {
		if existing.AttemptNumber == a.AttemptNumber {
			return storage.ErrDuplicateKey
		}
	}
	s.Attempts[a.DeliveryID] = append(s.Attempts[a.DeliveryID], copyShallow(a))
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, deliveryID uuid.UUID) ([]*core.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Map(s.Attempts[deliveryID], func(a *core.Attempt, _ int) *core.Attempt { return copyShallow(a) })
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (s *Store) CreateBatch(ctx context.Context, b *core.DeliveryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches[b.ID] = copyShallow(b)
	return nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *core.DeliveryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Batches[b.ID]; !ok {
		return storage.ErrNotFound
	}
	s.Batches[b.ID] = copyShallow(b)
	return nil
}

func (s *Store) CreateBatchItem(ctx context.Context, item *core.DeliveryBatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchItems[item.BatchID] = append(s.BatchItems[item.BatchID], copyShallow(item))
	return nil
}

func copyShallow[T any](v *T) *T {
	c := *v
	return &c
}

func copyDelivery(d *core.Delivery) *core.Delivery {
	c := *d
	c.IdempotencyKey = copyPtr(d.IdempotencyKey)
	c.IdempotencyKeyHash = copyPtr(d.IdempotencyKeyHash)
	c.NextAttemptAt = copyPtr(d.NextAttemptAt)
	c.FirstScheduledAt = copyPtr(d.FirstScheduledAt)
	c.LastAttemptAt = copyPtr(d.LastAttemptAt)
	c.TerminalAt = copyPtr(d.TerminalAt)
	c.TerminalReason = copyPtr(d.TerminalReason)
	c.LeaseID = copyPtr(d.LeaseID)
	c.LeaseExpiresAt = copyPtr(d.LeaseExpiresAt)
	return &c
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
