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

// Package replay re-materializes deliveries on demand: each source delivery
// gets a fresh PENDING delivery for the same event and endpoint, bypassing
// dedup. Attempt history of the source is never touched.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/storage"
)

// ErrBatchTooLarge rejects requests over the batch cap. The API surfaces it
// as BATCH_TOO_LARGE.
var ErrBatchTooLarge = errors.New("replay batch exceeds maximum size")

// DeliveriesNotFoundError lists requested delivery ids that do not belong to
// the tenant.
type DeliveriesNotFoundError struct {
	Missing []uuid.UUID
}

func (e *DeliveriesNotFoundError) Error() string {
	return fmt.Sprintf("deliveries not found: %s", strings.Join(lo.Map(e.Missing, func(id uuid.UUID, _ int) string { return id.String() }), ", "))
}

// Config bounds replay behavior.
type Config struct {
	MaxBatchSize int
}

// Request asks for a replay of the named deliveries. DryRun reports what
// would be created without creating anything.
type Request struct {
	TenantID    uuid.UUID
	DeliveryIDs []uuid.UUID
	DryRun      bool
}

// Result describes the batch outcome.
type Result struct {
	BatchID                uuid.UUID   `json:"batch_id"`
	DryRun                 bool        `json:"dry_run"`
	CreatedDeliveriesCount int         `json:"created_deliveries_count"`
	CreatedDeliveryIDs     []uuid.UUID `json:"created_delivery_ids,omitempty"`
}

// Service executes replay batches.
type Service struct {
	store storage.Store
	clock clock.Clock
	cfg   Config
	log   *zap.Logger
}

func NewService(store storage.Store, clk clock.Clock, cfg Config, log *zap.Logger) *Service {
	return &Service{store: store, clock: clk, cfg: cfg, log: log.Named("replay")}
}

// Replay validates the batch and creates one PENDING delivery per source
// delivery inside a single transaction.
func (s *Service) Replay(ctx context.Context, req Request) (*Result, error) {
	if len(req.DeliveryIDs) > s.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d deliveries > %d", ErrBatchTooLarge, len(req.DeliveryIDs), s.cfg.MaxBatchSize)
	}

	sources := make([]*core.Delivery, 0, len(req.DeliveryIDs))
	var missing []uuid.UUID
	for _, id := range req.DeliveryIDs {
		d, err := s.store.GetTenantDelivery(ctx, req.TenantID, id)
		if errors.Is(err, storage.ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		sources = append(sources, d)
	}
	if len(missing) > 0 {
		return nil, &DeliveriesNotFoundError{Missing: missing}
	}

	now := s.clock.Now()
	result := &Result{DryRun: req.DryRun}
	err := s.store.Tx(ctx, func(ctx context.Context, tx storage.Store) error {
		batch := &core.DeliveryBatch{
			ID:          uuid.New(),
			TenantID:    req.TenantID,
			Type:        "REPLAY",
			DryRun:      req.DryRun,
			RequestedAt: now,
			Status:      core.BatchStatusCreated,
		}
		if err := tx.CreateBatch(ctx, batch); err != nil {
			return err
		}
		result.BatchID = batch.ID

		for _, src := range sources {
			item := &core.DeliveryBatchItem{
				ID:               uuid.New(),
				BatchID:          batch.ID,
				SourceDeliveryID: src.ID,
				EndpointID:       src.EndpointID,
			}
			if !req.DryRun {
				d := &core.Delivery{
					ID:         uuid.New(),
					TenantID:   src.TenantID,
					EventID:    src.EventID,
					EndpointID: src.EndpointID,
					Mode:       src.Mode,
					Status:     core.DeliveryStatusPending,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := tx.CreateDelivery(ctx, d); err != nil {
					return err
				}
				item.CreatedDeliveryID = &d.ID
				result.CreatedDeliveryIDs = append(result.CreatedDeliveryIDs, d.ID)
			}
			if err := tx.CreateBatchItem(ctx, item); err != nil {
				return err
			}
		}

		batch.CreatedDeliveriesCount = len(result.CreatedDeliveryIDs)
		if req.DryRun {
			batch.CreatedDeliveriesCount = len(sources)
		}
		batch.Status = core.BatchStatusCompleted
		result.CreatedDeliveriesCount = batch.CreatedDeliveriesCount
		return tx.UpdateBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("replay batch completed",
		zap.String("batch_id", result.BatchID.String()),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("deliveries", result.CreatedDeliveriesCount))
	return result, nil
}
