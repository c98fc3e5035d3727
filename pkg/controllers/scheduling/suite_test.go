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

package scheduling_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	clock "k8s.io/utils/clock/testing"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/backoff"
	"github.com/hookway/hookway/pkg/cache"
	"github.com/hookway/hookway/pkg/controllers/scheduling"
	"github.com/hookway/hookway/pkg/fake"
	"github.com/hookway/hookway/pkg/killswitch"
	"github.com/hookway/hookway/pkg/queue"
	"github.com/hookway/hookway/pkg/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestScheduling(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduling")
}

const maxEndpointConcurrency = 2

var (
	ctx        context.Context
	store      *fake.Store
	fakeClock  *clock.FakeClock
	server     *miniredis.Miniredis
	client     *redis.Client
	q          *queue.RedisQueue
	ks         *killswitch.Switch
	controller *scheduling.Controller
	tenant     *core.Tenant
	endpoint   *core.Endpoint
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	store = fake.NewStore()
	fakeClock = clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	server = miniredis.RunT(GinkgoT())
	client = redis.NewClient(&redis.Options{Addr: server.Addr()})
	q = queue.NewRedisQueue(client, "")
	ks = killswitch.New(client, zap.NewNop())

	machine := state.NewMachine(fakeClock, backoff.New(), state.Config{
		LeaseDuration:      time.Minute,
		LeaseRecoveryDelay: 30 * time.Second,
		MaxAttempts:        12,
		MaxDeliveryTTL:     24 * time.Hour,
	})
	controller = scheduling.NewController(store, machine, q, cache.NewEndpoints(store), ks, fakeClock, scheduling.Config{
		Interval:               time.Second,
		BatchSize:              100,
		MaxEndpointConcurrency: maxEndpointConcurrency,
	}, zap.NewNop())

	tenant = fake.Tenant()
	Expect(store.CreateTenant(ctx, tenant)).To(Succeed())
	endpoint = fake.Endpoint(tenant.ID)
	Expect(store.CreateEndpoint(ctx, endpoint)).To(Succeed())
})

var _ = AfterEach(func() {
	Expect(client.Close()).To(Succeed())
})

func seedDelivery(overrides ...core.Delivery) *core.Delivery {
	event := fake.Event(tenant.ID)
	Expect(store.CreateEvent(ctx, event)).To(Succeed())
	d := fake.Delivery(event, endpoint.ID, overrides...)
	Expect(store.CreateDelivery(ctx, d)).To(Succeed())
	return d
}

var _ = Describe("Promote", func() {
	It("should move pending deliveries to SCHEDULED and make them due", func() {
		d := seedDelivery()
		Expect(controller.Tick(ctx)).To(Succeed())

		got, err := store.GetDelivery(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(core.DeliveryStatusScheduled))
		Expect(got.NextAttemptAt).To(HaveValue(Equal(fakeClock.Now())))
		Expect(got.FirstScheduledAt).ToNot(BeNil())
	})

	It("should leave deliveries to paused endpoints pending", func() {
		endpoint.Pause(fakeClock.Now())
		Expect(store.UpdateEndpoint(ctx, endpoint)).To(Succeed())
		d := seedDelivery()
		Expect(controller.Tick(ctx)).To(Succeed())

		got, err := store.GetDelivery(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(core.DeliveryStatusPending))
	})

	It("should skip rows locked by another worker", func() {
		d := seedDelivery()
		store.Locked[d.ID] = true
		Expect(controller.Tick(ctx)).To(Succeed())

		got, err := store.GetDelivery(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(core.DeliveryStatusPending))
	})
})

var _ = Describe("Dispatch", func() {
	It("should dispatch a freshly promoted delivery in the same sweep", func() {
		d := seedDelivery()
		Expect(controller.Tick(ctx)).To(Succeed())

		id, ok, err := q.Dequeue(ctx, 50*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(id).To(Equal(d.ID))
		Expect(q.Len(ctx)).To(Equal(int64(0)))
	})

	It("should not dispatch deliveries that are not yet due", func() {
		due := fakeClock.Now().Add(time.Hour)
		seedDelivery(core.Delivery{Status: core.DeliveryStatusScheduled, NextAttemptAt: &due})
		Expect(controller.Tick(ctx)).To(Succeed())

		Expect(q.Len(ctx)).To(Equal(int64(0)))
	})

	It("should not dispatch to paused endpoints", func() {
		now := fakeClock.Now()
		seedDelivery(core.Delivery{Status: core.DeliveryStatusScheduled, NextAttemptAt: &now})
		endpoint.Pause(now)
		Expect(store.UpdateEndpoint(ctx, endpoint)).To(Succeed())

		Expect(controller.Tick(ctx)).To(Succeed())
		Expect(q.Len(ctx)).To(Equal(int64(0)))
	})

	It("should cap dispatches at the per-endpoint concurrency limit", func() {
		now := fakeClock.Now()
		for i := 0; i < maxEndpointConcurrency; i++ {
			seedDelivery(core.Delivery{Status: core.DeliveryStatusInProgress})
		}
		for i := 0; i < 3; i++ {
			seedDelivery(core.Delivery{Status: core.DeliveryStatusScheduled, NextAttemptAt: &now})
		}
		Expect(controller.Tick(ctx)).To(Succeed())
		Expect(q.Len(ctx)).To(Equal(int64(0)))
	})

	It("should fill remaining endpoint capacity within one sweep", func() {
		now := fakeClock.Now()
		seedDelivery(core.Delivery{Status: core.DeliveryStatusInProgress})
		for i := 0; i < 3; i++ {
			seedDelivery(core.Delivery{Status: core.DeliveryStatusScheduled, NextAttemptAt: &now})
		}
		Expect(controller.Tick(ctx)).To(Succeed())
		// One in-flight plus one dispatched reaches the cap of two.
		Expect(q.Len(ctx)).To(Equal(int64(1)))
	})
})

var _ = Describe("KillSwitch", func() {
	It("should skip the whole sweep while engaged", func() {
		d := seedDelivery()
		Expect(ks.Activate(ctx)).To(Succeed())
		Expect(controller.Tick(ctx)).To(Succeed())

		got, err := store.GetDelivery(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(core.DeliveryStatusPending))
		Expect(q.Len(ctx)).To(Equal(int64(0)))

		Expect(ks.Deactivate(ctx)).To(Succeed())
		Expect(controller.Tick(ctx)).To(Succeed())
		got, err = store.GetDelivery(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(core.DeliveryStatusScheduled))
	})
})
