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

// Package leaserecovery sweeps IN_PROGRESS deliveries whose lease expired
// without an outcome, which happens when a worker dies mid-attempt. Each is
// charged a synthetic failed attempt and returned to SCHEDULED after a short
// delay, so a crash loop cannot retry forever.
package leaserecovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/metrics"
	"github.com/hookway/hookway/pkg/state"
	"github.com/hookway/hookway/pkg/storage"
)

const crashErrorDetail = "Worker crashed or lease expired"

// Config bounds one sweep.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Controller is the lease recoverer.
type Controller struct {
	store   storage.Store
	machine *state.Machine
	clock   clock.WithTicker
	cfg     Config
	log     *zap.Logger
}

func NewController(store storage.Store, machine *state.Machine, clk clock.WithTicker, cfg Config, log *zap.Logger) *Controller {
	return &Controller{store: store, machine: machine, clock: clk, cfg: cfg, log: log.Named("leaserecovery")}
}

// Run sweeps every Interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		if err := c.Tick(ctx); err != nil {
			c.log.Error("sweep failed", zap.Error(err))
		}
	}
}

// Tick recovers every expired lease in the batch.
func (c *Controller) Tick(ctx context.Context) error {
	start := c.clock.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues("leaserecovery").Observe(c.clock.Since(start).Seconds())
	}()
	expired, err := c.store.ListExpiredLeases(ctx, start, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing expired leases: %w", err)
	}
	for _, d := range expired {
		if err := c.recover(ctx, d.ID); err != nil {
			c.log.Error("recovering lease", zap.String("delivery_id", d.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// recover charges the crash as a synthetic attempt and reschedules. A row
// that settled between the sweep read and the lock is left alone.
func (c *Controller) recover(ctx context.Context, id uuid.UUID) error {
	return c.store.WithDeliveryLock(ctx, id, false, func(ctx context.Context, tx storage.Store, d *core.Delivery) error {
		now := c.clock.Now()
		if d.Status != core.DeliveryStatusInProgress || d.LeaseExpiresAt == nil || !d.LeaseExpiresAt.Before(now) {
			return nil
		}
		event, err := tx.GetEvent(ctx, d.EventID)
		if err != nil {
			return err
		}
		number := d.AttemptsCount + 1
		classification := core.ClassificationWorkerCrash
		attempt := &core.Attempt{
			ID:                 uuid.New(),
			TenantID:           d.TenantID,
			DeliveryID:         d.ID,
			AttemptNumber:      number,
			StartedAt:          d.UpdatedAt,
			EndedAt:            &now,
			Outcome:            core.OutcomeRetryableFailure,
			Classification:     &classification,
			ErrorDetail:        ptr(crashErrorDetail),
			RequestPayloadHash: event.PayloadHash,
			CreatedAt:          now,
		}
		if err := tx.CreateAttempt(ctx, attempt); err != nil {
			// The worker may have recorded this attempt number right before
			// dying; the synthetic record then loses and the row still
			// reschedules below.
			if !errors.Is(err, storage.ErrDuplicateKey) {
				return err
			}
		}
		if err := c.machine.RecoverLease(d, number); err != nil {
			return err
		}
		d.UpdatedAt = now
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		metrics.LeasesRecovered.Inc()
		c.log.Warn("expired lease recovered",
			zap.String("delivery_id", d.ID.String()),
			zap.Int("attempt", number))
		return nil
	})
}

func ptr[T any](v T) *T { return &v }
