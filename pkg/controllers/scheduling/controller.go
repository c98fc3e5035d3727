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

// Package scheduling runs the periodic sweep that moves deliveries toward
// execution: promoting fresh PENDING rows to SCHEDULED and handing due
// SCHEDULED rows to workers through the queue.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/cache"
	"github.com/hookway/hookway/pkg/killswitch"
	"github.com/hookway/hookway/pkg/metrics"
	"github.com/hookway/hookway/pkg/queue"
	"github.com/hookway/hookway/pkg/state"
	"github.com/hookway/hookway/pkg/storage"
)

// Config bounds one sweep.
type Config struct {
	Interval               time.Duration
	BatchSize              int
	MaxEndpointConcurrency int
}

// Controller is the scheduler. One replica sweeping at a time is the intended
// deployment, but every decision re-validates under the row lock, so extra
// replicas only waste work.
type Controller struct {
	store      storage.Store
	machine    *state.Machine
	queue      queue.Queue
	endpoints  *cache.Endpoints
	killSwitch *killswitch.Switch
	clock      clock.WithTicker
	cfg        Config
	log        *zap.Logger
}

func NewController(store storage.Store, machine *state.Machine, q queue.Queue, endpoints *cache.Endpoints,
	ks *killswitch.Switch, clk clock.WithTicker, cfg Config, log *zap.Logger) *Controller {
	return &Controller{
		store:      store,
		machine:    machine,
		queue:      q,
		endpoints:  endpoints,
		killSwitch: ks,
		clock:      clk,
		cfg:        cfg,
		log:        log.Named("scheduler"),
	}
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

// Tick runs one sweep: promote, then dispatch. Skipped entirely while the
// kill switch is engaged.
func (c *Controller) Tick(ctx context.Context) error {
	if c.killSwitch.Active(ctx) {
		metrics.KillSwitchSkips.WithLabelValues("scheduler").Inc()
		c.log.Warn("kill switch engaged, skipping sweep")
		return nil
	}
	start := c.clock.Now()
	defer func() {
		metrics.TickDuration.WithLabelValues("scheduler").Observe(c.clock.Since(start).Seconds())
	}()
	if err := c.promote(ctx); err != nil {
		return err
	}
	return c.dispatch(ctx)
}

// promote moves PENDING deliveries to SCHEDULED. Deliveries to paused
// endpoints stay PENDING and are picked up again once the endpoint resumes.
func (c *Controller) promote(ctx context.Context) error {
	pending, err := c.store.ListPendingDeliveries(ctx, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing pending deliveries: %w", err)
	}
	for _, d := range pending {
		ep, err := c.endpoints.Get(ctx, d.EndpointID)
		if err != nil {
			c.log.Error("resolving endpoint", zap.String("delivery_id", d.ID.String()), zap.Error(err))
			continue
		}
		if !ep.Active() {
			continue
		}
		err = c.store.WithDeliveryLock(ctx, d.ID, true, func(ctx context.Context, tx storage.Store, d *core.Delivery) error {
			if d.Status != core.DeliveryStatusPending {
				return nil
			}
			if err := c.machine.Schedule(d); err != nil {
				return err
			}
			d.UpdatedAt = c.clock.Now()
			return tx.UpdateDelivery(ctx, d)
		})
		switch {
		case errors.Is(err, storage.ErrRowLocked):
		case err != nil:
			c.log.Error("promoting delivery", zap.String("delivery_id", d.ID.String()), zap.Error(err))
		default:
			metrics.DeliveriesPromoted.Inc()
		}
	}
	return nil
}

// dispatch enqueues due SCHEDULED deliveries, honoring endpoint pauses and
// the per-endpoint concurrency cap. Both checks are advisory; the worker
// re-validates under the row lock before leasing.
func (c *Controller) dispatch(ctx context.Context) error {
	due, err := c.store.ListDueDeliveries(ctx, c.clock.Now(), c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing due deliveries: %w", err)
	}
	inFlight := map[string]int{}
	for _, d := range due {
		ep, err := c.endpoints.Get(ctx, d.EndpointID)
		if err != nil {
			c.log.Error("resolving endpoint", zap.String("delivery_id", d.ID.String()), zap.Error(err))
			continue
		}
		if !ep.Active() {
			metrics.DispatchSkips.WithLabelValues("endpoint_paused").Inc()
			continue
		}
		key := ep.ID.String()
		if _, counted := inFlight[key]; !counted {
			n, err := c.store.CountInProgress(ctx, ep.ID)
			if err != nil {
				return fmt.Errorf("counting in-progress deliveries: %w", err)
			}
			inFlight[key] = n
		}
		if inFlight[key] >= c.cfg.MaxEndpointConcurrency {
			metrics.DispatchSkips.WithLabelValues("endpoint_saturated").Inc()
			continue
		}
		// Transient queue hiccups retry in place rather than stalling the
		// delivery until the next sweep.
		err = retry.Do(func() error { return c.queue.Enqueue(ctx, d.ID) },
			retry.Attempts(3), retry.Delay(50*time.Millisecond), retry.LastErrorOnly(true))
		if err != nil {
			c.log.Error("enqueueing delivery", zap.String("delivery_id", d.ID.String()), zap.Error(err))
			continue
		}
		inFlight[key]++
		metrics.DeliveriesDispatched.Inc()
	}
	return nil
}
