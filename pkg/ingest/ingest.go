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

// Package ingest validates producer submissions and materializes one pending
// delivery per (event, endpoint), applying the dedup and idempotency rules.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/metrics"
	"github.com/hookway/hookway/pkg/storage"
)

// ErrPayloadTooLarge rejects submissions whose canonical form exceeds the
// configured limit.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// ConflictError reports an idempotency key reused with a different payload in
// RELIABLE mode. The API surfaces it as IDEMPOTENCY_KEY_CONFLICT.
type ConflictError struct {
	IdempotencyKey string
	EndpointID     uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key reused with different payload for endpoint %s", e.EndpointID)
}

// EndpointsNotFoundError lists requested endpoint ids that do not belong to
// the tenant.
type EndpointsNotFoundError struct {
	Missing []uuid.UUID
}

func (e *EndpointsNotFoundError) Error() string {
	return fmt.Sprintf("endpoints not found: %s", strings.Join(lo.Map(e.Missing, func(id uuid.UUID, _ int) string { return id.String() }), ", "))
}

// Config bounds ingest behavior.
type Config struct {
	MaxPayloadSize int
	DedupWindow    time.Duration
}

// Request is one producer submission.
type Request struct {
	TenantID       uuid.UUID
	Type           string
	Payload        []byte
	EndpointIDs    []uuid.UUID
	IdempotencyKey string
}

// DeliveryResult is the per-endpoint outcome of a submission.
type DeliveryResult struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	EndpointID uuid.UUID `json:"endpoint_id"`
	Created    bool      `json:"created"`
}

// Result is the accepted-submission response.
type Result struct {
	EventID    uuid.UUID        `json:"event_id"`
	Deliveries []DeliveryResult `json:"deliveries"`
}

// Service performs event ingest.
type Service struct {
	store storage.Store
	clock clock.Clock
	cfg   Config
	log   *zap.Logger
}

func NewService(store storage.Store, clk clock.Clock, cfg Config, log *zap.Logger) *Service {
	return &Service{store: store, clock: clk, cfg: cfg, log: log.Named("ingest")}
}

// Ingest canonicalizes and persists the event, then gets-or-creates one
// delivery per endpoint under the dedup rules. The whole submission is one
// transaction: a conflict on any endpoint aborts the event and every
// delivery.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	canonical, err := core.CanonicalizeJSON(req.Payload)
	if err != nil {
		return nil, err
	}
	if len(canonical) > s.cfg.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrPayloadTooLarge, len(canonical), s.cfg.MaxPayloadSize)
	}
	payloadHash := core.HashBytes(canonical)

	endpoints, err := s.store.EndpointsByIDs(ctx, req.TenantID, req.EndpointIDs)
	if err != nil {
		return nil, err
	}
	found := lo.SliceToMap(endpoints, func(ep *core.Endpoint) (uuid.UUID, *core.Endpoint) { return ep.ID, ep })
	missing := lo.Filter(req.EndpointIDs, func(id uuid.UUID, _ int) bool { _, ok := found[id]; return !ok })
	if len(missing) > 0 {
		return nil, &EndpointsNotFoundError{Missing: missing}
	}

	now := s.clock.Now()
	result := &Result{}
	err = s.store.Tx(ctx, func(ctx context.Context, tx storage.Store) error {
		event := &core.Event{
			ID:          uuid.New(),
			TenantID:    req.TenantID,
			Type:        req.Type,
			PayloadJSON: canonical,
			PayloadHash: payloadHash,
			CreatedAt:   now,
		}
		if err := tx.CreateEvent(ctx, event); err != nil {
			return err
		}
		result.EventID = event.ID

		for _, id := range req.EndpointIDs {
			dr, err := s.materialize(ctx, tx, event, found[id], req.IdempotencyKey, now)
			if err != nil {
				return err
			}
			result.Deliveries = append(result.Deliveries, *dr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EventsIngested.Inc()
	s.log.Info("event ingested",
		zap.String("event_id", result.EventID.String()),
		zap.String("type", req.Type),
		zap.Int("deliveries", len(result.Deliveries)))
	return result, nil
}

// materialize gets-or-creates the delivery for one endpoint. The partial
// unique constraint on (tenant, endpoint, idempotency_key_hash) is the
// arbiter: concurrent submissions race past the lookup, but only one insert
// lands and the loser collapses onto the winner.
func (s *Service) materialize(ctx context.Context, tx storage.Store, event *core.Event, ep *core.Endpoint, idempotencyKey string, now time.Time) (*DeliveryResult, error) {
	mode := core.ModeBasic
	keyHash := core.BasicDedupKey(event.TenantID, ep.ID, event.Type, event.PayloadHash)
	var keyPtr *string
	if idempotencyKey != "" {
		mode = core.ModeReliable
		keyHash = core.HashString(idempotencyKey)
		keyPtr = &idempotencyKey
	}

	windowStart := now.Add(-s.cfg.DedupWindow)
	existing, err := tx.FindDeliveryByDedupKey(ctx, event.TenantID, ep.ID, keyHash, &windowStart)
	switch {
	case err == nil:
		if mode == core.ModeReliable {
			if err := s.checkPayload(ctx, tx, existing, event, idempotencyKey, ep); err != nil {
				return nil, err
			}
		}
		metrics.DeliveriesDeduplicated.Inc()
		return &DeliveryResult{DeliveryID: existing.ID, EndpointID: ep.ID, Created: false}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	// The constraint admits one row per key regardless of age, so a match
	// outside the window collapses onto the survivor too; the reuse is
	// recorded on that row instead of a second one.
	prior, err := tx.FindDeliveryByDedupKey(ctx, event.TenantID, ep.ID, keyHash, nil)
	switch {
	case err == nil:
		if !prior.IdempotencyKeyReused {
			prior.IdempotencyKeyReused = true
			prior.UpdatedAt = now
			if err := tx.UpdateDelivery(ctx, prior); err != nil {
				return nil, err
			}
		}
		metrics.DeliveriesDeduplicated.Inc()
		return &DeliveryResult{DeliveryID: prior.ID, EndpointID: ep.ID, Created: false}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	d := &core.Delivery{
		ID:                 uuid.New(),
		TenantID:           event.TenantID,
		EventID:            event.ID,
		EndpointID:         ep.ID,
		Mode:               mode,
		IdempotencyKey:     keyPtr,
		IdempotencyKeyHash: &keyHash,
		Status:             core.DeliveryStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.CreateDelivery(ctx, d); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return nil, err
		}
		// Lost the insert race to a concurrent submission.
		winner, lerr := tx.FindDeliveryByDedupKey(ctx, event.TenantID, ep.ID, keyHash, nil)
		if lerr != nil {
			return nil, lerr
		}
		if mode == core.ModeReliable {
			if cerr := s.checkPayload(ctx, tx, winner, event, idempotencyKey, ep); cerr != nil {
				return nil, cerr
			}
		}
		metrics.DeliveriesDeduplicated.Inc()
		return &DeliveryResult{DeliveryID: winner.ID, EndpointID: ep.ID, Created: false}, nil
	}
	return &DeliveryResult{DeliveryID: d.ID, EndpointID: ep.ID, Created: true}, nil
}

// checkPayload rejects a RELIABLE key reuse whose payload differs from the
// delivery that holds the key.
func (s *Service) checkPayload(ctx context.Context, tx storage.Store, existing *core.Delivery, event *core.Event, idempotencyKey string, ep *core.Endpoint) error {
	prior, err := tx.GetEvent(ctx, existing.EventID)
	if err != nil {
		return err
	}
	if prior.PayloadHash != event.PayloadHash {
		return &ConflictError{IdempotencyKey: idempotencyKey, EndpointID: ep.ID}
	}
	return nil
}
