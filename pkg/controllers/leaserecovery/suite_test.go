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

package leaserecovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	clock "k8s.io/utils/clock/testing"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/backoff"
	"github.com/hookway/hookway/pkg/controllers/leaserecovery"
	"github.com/hookway/hookway/pkg/fake"
	"github.com/hookway/hookway/pkg/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestLeaseRecovery(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "LeaseRecovery")
}

const (
	leaseRecoveryDelay = 30 * time.Second
	maxAttempts        = 12
)

var (
	ctx        context.Context
	store      *fake.Store
	fakeClock  *clock.FakeClock
	controller *leaserecovery.Controller
	tenant     *core.Tenant
	endpoint   *core.Endpoint
	event      *core.Event
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	store = fake.NewStore()
	fakeClock = clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	machine := state.NewMachine(fakeClock, backoff.New(), state.Config{
		LeaseDuration:      time.Minute,
		LeaseRecoveryDelay: leaseRecoveryDelay,
		MaxAttempts:        maxAttempts,
		MaxDeliveryTTL:     24 * time.Hour,
	})
	controller = leaserecovery.NewController(store, machine, fakeClock, leaserecovery.Config{
		Interval:  10 * time.Second,
		BatchSize: 100,
	}, zap.NewNop())

	tenant = fake.Tenant()
	Expect(store.CreateTenant(ctx, tenant)).To(Succeed())
	endpoint = fake.Endpoint(tenant.ID)
	Expect(store.CreateEndpoint(ctx, endpoint)).To(Succeed())
	event = fake.Event(tenant.ID)
	Expect(store.CreateEvent(ctx, event)).To(Succeed())
})

func seedLeased(attempts int, expires time.Time) *core.Delivery {
	lease := uuid.New()
	d := fake.Delivery(event, endpoint.ID, core.Delivery{
		Status:         core.DeliveryStatusInProgress,
		AttemptsCount:  attempts,
		LeaseID:        &lease,
		LeaseExpiresAt: &expires,
	})
	Expect(store.CreateDelivery(ctx, d)).To(Succeed())
	return d
}

var _ = Describe("Tick", func() {
	It("should charge a synthetic attempt and reschedule the delivery", func() {
		d := seedLeased(0, fakeClock.Now().Add(-time.Minute))
		Expect(controller.Tick(ctx)).To(Succeed())

		got, err := store.GetDelivery(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Status).To(Equal(core.DeliveryStatusScheduled))
		Expect(got.AttemptsCount).To(Equal(1))
		Expect(got.NextAttemptAt).To(HaveValue(Equal(fakeClock.Now().Add(leaseRecoveryDelay))))
		Expect(got.LeaseID).To(BeNil())
		Expect(got.LeaseExpiresAt).To(BeNil())

		attempts, err := store.ListAttempts(ctx, d.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(attempts).To(HaveLen(1))
		Expect(attempts[0].AttemptNumber).To(Equal(1))
		Expect(attempts[0].Outcome).To(Equal(core.OutcomeRetryableFailure))
		Expect(attempts[0].Classification).To(HaveValue(Equal(core.ClassificationWorkerCrash)))
		Expect(attempts[0].ErrorDetail).To(HaveValue(Equal("Worker crashed or lease expired")))
		Expect(attempts[0].StartedAt).To(Equal(d.UpdatedAt))
		Expect(attempts[0].RequestPayloadHash).To(Equal(event.PayloadHash))
	})

	It("should keep attempt numbering dense across prior attempts", func() {
		d := seedLeased(3, fakeClock.Now().Add(-time.Minute))
		Expect(controller.Tick(ctx)).To(Succeed())

		got, _ := store.GetDelivery(ctx, d.ID)
		Expect(got.AttemptsCount).To(Equal(4))
		attempts, _ := store.ListAttempts(ctx, d.ID)
		Expect(attempts[0].AttemptNumber).To(Equal(4))
	})

	It("should fail the delivery when the crash spends the last attempt", func() {
		d := seedLeased(maxAttempts-1, fakeClock.Now().Add(-time.Minute))
		Expect(controller.Tick(ctx)).To(Succeed())

		got, _ := store.GetDelivery(ctx, d.ID)
		Expect(got.Status).To(Equal(core.DeliveryStatusFailed))
		Expect(got.AttemptsCount).To(Equal(maxAttempts))
	})

	It("should leave live leases alone", func() {
		d := seedLeased(0, fakeClock.Now().Add(time.Minute))
		Expect(controller.Tick(ctx)).To(Succeed())

		got, _ := store.GetDelivery(ctx, d.ID)
		Expect(got.Status).To(Equal(core.DeliveryStatusInProgress))
		attempts, _ := store.ListAttempts(ctx, d.ID)
		Expect(attempts).To(BeEmpty())
	})

	It("should leave deliveries that settled between read and lock alone", func() {
		d := seedLeased(1, fakeClock.Now().Add(-time.Minute))
		// Simulate the worker settling first.
		settled, _ := store.GetDelivery(ctx, d.ID)
		settled.Status = core.DeliveryStatusDelivered
		Expect(store.UpdateDelivery(ctx, settled)).To(Succeed())

		Expect(controller.Tick(ctx)).To(Succeed())
		got, _ := store.GetDelivery(ctx, d.ID)
		Expect(got.Status).To(Equal(core.DeliveryStatusDelivered))
	})
})
