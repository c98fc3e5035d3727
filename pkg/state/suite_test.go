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

package state_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	clock "k8s.io/utils/clock/testing"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/backoff"
	"github.com/hookway/hookway/pkg/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestState(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "StateMachine")
}

var (
	fakeClock *clock.FakeClock
	machine   *state.Machine
	delivery  *core.Delivery
	endpoint  *core.Endpoint
)

const (
	leaseDuration      = time.Minute
	leaseRecoveryDelay = 30 * time.Second
	maxAttempts        = 12
	maxDeliveryTTL     = 24 * time.Hour
)

var _ = BeforeEach(func() {
	fakeClock = clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	machine = state.NewMachine(fakeClock, backoff.New(), state.Config{
		LeaseDuration:      leaseDuration,
		LeaseRecoveryDelay: leaseRecoveryDelay,
		MaxAttempts:        maxAttempts,
		MaxDeliveryTTL:     maxDeliveryTTL,
	})
	delivery = &core.Delivery{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Status:   core.DeliveryStatusPending,
	}
	endpoint = &core.Endpoint{ID: uuid.New(), Status: core.EndpointStatusActive}
})

func schedule() {
	ExpectWithOffset(1, machine.Schedule(delivery)).To(Succeed())
}

func lease() {
	schedule()
	ExpectWithOffset(1, machine.AcquireLease(delivery, endpoint)).To(Succeed())
}

var _ = Describe("Schedule", func() {
	It("should make a pending delivery immediately due", func() {
		schedule()
		Expect(delivery.Status).To(Equal(core.DeliveryStatusScheduled))
		Expect(delivery.NextAttemptAt).To(HaveValue(Equal(fakeClock.Now())))
		Expect(delivery.FirstScheduledAt).To(HaveValue(Equal(fakeClock.Now())))
	})

	It("should not restamp first_scheduled_at on later schedules", func() {
		schedule()
		first := *delivery.FirstScheduledAt
		fakeClock.Step(time.Hour)
		delivery.Status = core.DeliveryStatusPending
		schedule()
		Expect(delivery.FirstScheduledAt).To(HaveValue(Equal(first)))
	})

	It("should reject non-pending deliveries", func() {
		delivery.Status = core.DeliveryStatusDelivered
		err := machine.Schedule(delivery)
		Expect(err).To(BeAssignableToTypeOf(&state.TransitionError{}))
	})
})

var _ = Describe("AcquireLease", func() {
	It("should lease a scheduled delivery", func() {
		lease()
		Expect(delivery.Status).To(Equal(core.DeliveryStatusInProgress))
		Expect(delivery.LeaseID).ToNot(BeNil())
		Expect(delivery.LeaseExpiresAt).To(HaveValue(Equal(fakeClock.Now().Add(leaseDuration))))
		Expect(delivery.NextAttemptAt).To(BeNil())
	})

	It("should refuse to lease against a paused endpoint", func() {
		schedule()
		endpoint.Pause(fakeClock.Now())
		Expect(machine.AcquireLease(delivery, endpoint)).ToNot(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusScheduled))
	})

	It("should refuse to lease a delivery that is not scheduled", func() {
		Expect(machine.AcquireLease(delivery, endpoint)).ToNot(Succeed())
	})
})

var _ = Describe("CompleteSuccess", func() {
	It("should finalize as DELIVERED with dense attempt accounting", func() {
		lease()
		Expect(machine.CompleteSuccess(delivery, 1)).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusDelivered))
		Expect(delivery.AttemptsCount).To(Equal(1))
		Expect(delivery.TerminalReason).To(HaveValue(Equal("Delivered successfully")))
		Expect(delivery.TerminalAt).To(HaveValue(Equal(fakeClock.Now())))
		Expect(delivery.LeaseID).To(BeNil())
		Expect(delivery.NextAttemptAt).To(BeNil())
	})
})

var _ = Describe("CompleteNonRetryable", func() {
	It("should finalize as FAILED with the classification reason", func() {
		lease()
		Expect(machine.CompleteNonRetryable(delivery, 1, "HTTP_4XX_PERMANENT: HTTP 400")).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusFailed))
		Expect(delivery.TerminalReason).To(HaveValue(Equal("HTTP_4XX_PERMANENT: HTTP 400")))
		Expect(delivery.AttemptsCount).To(Equal(1))
	})
})

var _ = Describe("CompleteRetryable", func() {
	It("should reschedule with a backoff delay and release the lease", func() {
		lease()
		Expect(machine.CompleteRetryable(delivery, 1, endpoint)).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusScheduled))
		Expect(delivery.AttemptsCount).To(Equal(1))
		Expect(delivery.LeaseID).To(BeNil())
		Expect(delivery.NextAttemptAt).ToNot(BeNil())
		// Attempt 2 backs off by at most 30s.
		Expect(*delivery.NextAttemptAt).To(BeTemporally(">=", fakeClock.Now()))
		Expect(*delivery.NextAttemptAt).To(BeTemporally("<=", fakeClock.Now().Add(30*time.Second)))
	})

	It("should finalize as FAILED when the attempt budget is spent", func() {
		lease()
		Expect(machine.CompleteRetryable(delivery, maxAttempts, endpoint)).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusFailed))
		Expect(delivery.TerminalReason).To(HaveValue(Equal("Max attempts (12) reached")))
	})

	It("should finalize as EXPIRED once the TTL is exceeded", func() {
		lease()
		fakeClock.Step(maxDeliveryTTL + time.Minute)
		Expect(machine.CompleteRetryable(delivery, 3, endpoint)).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusExpired))
		Expect(delivery.TerminalReason).To(HaveValue(Equal("TTL exceeded")))
	})

	It("should not burn TTL budget during the endpoint's current pause", func() {
		lease()
		// Endpoint paused right after scheduling; the whole elapsed window
		// is pause time, so the delivery survives past the nominal TTL.
		pausedAt := fakeClock.Now()
		fakeClock.Step(maxDeliveryTTL + time.Hour)
		endpoint.Pause(pausedAt)
		Expect(machine.CompleteRetryable(delivery, 3, endpoint)).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusScheduled))
	})
})

var _ = Describe("Cancel", func() {
	It("should cancel a non-terminal delivery", func() {
		schedule()
		Expect(machine.Cancel(delivery, "Cancelled by tenant")).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusCancelled))
		Expect(delivery.TerminalReason).To(HaveValue(Equal("Cancelled by tenant")))
	})

	It("should reject cancelling a terminal delivery", func() {
		lease()
		Expect(machine.CompleteSuccess(delivery, 1)).To(Succeed())
		Expect(machine.Cancel(delivery, "Cancelled by tenant")).ToNot(Succeed())
	})
})

var _ = Describe("RecoverLease", func() {
	It("should return the delivery to SCHEDULED after the recovery delay", func() {
		lease()
		Expect(machine.RecoverLease(delivery, 1)).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusScheduled))
		Expect(delivery.AttemptsCount).To(Equal(1))
		Expect(delivery.NextAttemptAt).To(HaveValue(Equal(fakeClock.Now().Add(leaseRecoveryDelay))))
		Expect(delivery.LeaseID).To(BeNil())
		Expect(delivery.LeaseExpiresAt).To(BeNil())
	})

	It("should finalize as FAILED when the crash spends the last attempt", func() {
		lease()
		Expect(machine.RecoverLease(delivery, maxAttempts)).To(Succeed())
		Expect(delivery.Status).To(Equal(core.DeliveryStatusFailed))
	})

	It("should reject recovering a delivery that already settled", func() {
		lease()
		Expect(machine.CompleteSuccess(delivery, 1)).To(Succeed())
		Expect(machine.RecoverLease(delivery, 2)).ToNot(Succeed())
	})
})
