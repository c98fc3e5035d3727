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

// Package state guards every mutation of a delivery row. Transitions validate
// the current status, mutate the locked snapshot in place, and leave
// persistence to the caller holding the row lock.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/backoff"
)

// TransitionError reports a transition requested against an illegal current
// status. The API surfaces it as INVALID_STATE.
type TransitionError struct {
	Transition string
	Status     core.DeliveryStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s delivery in %s state", e.Transition, e.Status)
}

// Config bounds the retry lifecycle driven by the machine.
type Config struct {
	LeaseDuration      time.Duration
	LeaseRecoveryDelay time.Duration
	MaxAttempts        int
	MaxDeliveryTTL     time.Duration
}

// Machine applies delivery state transitions. One instance is shared by the
// scheduler, workers, recoverer and API; it holds no per-delivery state.
type Machine struct {
	clock   clock.Clock
	backoff *backoff.Policy
	cfg     Config
}

func NewMachine(clk clock.Clock, policy *backoff.Policy, cfg Config) *Machine {
	return &Machine{clock: clk, backoff: policy, cfg: cfg}
}

// Schedule transitions PENDING → SCHEDULED, making the delivery immediately
// due and stamping first_scheduled_at on the first pass.
func (m *Machine) Schedule(d *core.Delivery) error {
	if d.Status != core.DeliveryStatusPending {
		return &TransitionError{Transition: "schedule", Status: d.Status}
	}
	now := m.clock.Now()
	d.Status = core.DeliveryStatusScheduled
	d.NextAttemptAt = &now
	if d.FirstScheduledAt == nil {
		d.FirstScheduledAt = &now
	}
	return nil
}

// AcquireLease transitions SCHEDULED → IN_PROGRESS under a fresh lease.
// Rejected when the endpoint is not ACTIVE.
func (m *Machine) AcquireLease(d *core.Delivery, ep *core.Endpoint) error {
	if d.Status != core.DeliveryStatusScheduled {
		return &TransitionError{Transition: "acquire lease for", Status: d.Status}
	}
	if !ep.Active() {
		return &TransitionError{Transition: "acquire lease against paused endpoint for", Status: d.Status}
	}
	now := m.clock.Now()
	lease := uuid.New()
	expires := now.Add(m.cfg.LeaseDuration)
	d.Status = core.DeliveryStatusInProgress
	d.LeaseID = &lease
	d.LeaseExpiresAt = &expires
	d.NextAttemptAt = nil
	return nil
}

// CompleteSuccess transitions IN_PROGRESS → DELIVERED.
func (m *Machine) CompleteSuccess(d *core.Delivery, attemptNumber int) error {
	if d.Status != core.DeliveryStatusInProgress {
		return &TransitionError{Transition: "mark delivered", Status: d.Status}
	}
	now := m.clock.Now()
	d.AttemptsCount = attemptNumber
	d.LastAttemptAt = &now
	m.finalize(d, core.DeliveryStatusDelivered, "Delivered successfully", now)
	return nil
}

// CompleteNonRetryable transitions IN_PROGRESS → FAILED with the given reason.
func (m *Machine) CompleteNonRetryable(d *core.Delivery, attemptNumber int, reason string) error {
	if d.Status != core.DeliveryStatusInProgress {
		return &TransitionError{Transition: "fail", Status: d.Status}
	}
	now := m.clock.Now()
	d.AttemptsCount = attemptNumber
	d.LastAttemptAt = &now
	m.finalize(d, core.DeliveryStatusFailed, reason, now)
	return nil
}

// CompleteRetryable records a failed attempt and decides the next state:
// FAILED once the attempt budget is spent, EXPIRED once the TTL is exceeded,
// otherwise SCHEDULED with a jittered backoff delay.
func (m *Machine) CompleteRetryable(d *core.Delivery, attemptNumber int, ep *core.Endpoint) error {
	if d.Status != core.DeliveryStatusInProgress {
		return &TransitionError{Transition: "retry", Status: d.Status}
	}
	now := m.clock.Now()
	d.AttemptsCount = attemptNumber
	d.LastAttemptAt = &now
	d.LeaseID = nil
	d.LeaseExpiresAt = nil

	switch {
	case d.AttemptsCount >= m.cfg.MaxAttempts:
		m.finalize(d, core.DeliveryStatusFailed, fmt.Sprintf("Max attempts (%d) reached", m.cfg.MaxAttempts), now)
	case m.ttlExceeded(d, ep, now):
		m.finalize(d, core.DeliveryStatusExpired, "TTL exceeded", now)
	default:
		next := m.backoff.NextAttemptAt(now, d.AttemptsCount+1)
		d.Status = core.DeliveryStatusScheduled
		d.NextAttemptAt = &next
	}
	return nil
}

// Expire transitions any non-terminal delivery to EXPIRED.
func (m *Machine) Expire(d *core.Delivery, reason string) error {
	if d.Terminal() {
		return &TransitionError{Transition: "expire", Status: d.Status}
	}
	m.finalize(d, core.DeliveryStatusExpired, reason, m.clock.Now())
	return nil
}

// Cancel transitions any non-terminal delivery to CANCELLED.
func (m *Machine) Cancel(d *core.Delivery, reason string) error {
	if d.Terminal() {
		return &TransitionError{Transition: "cancel", Status: d.Status}
	}
	m.finalize(d, core.DeliveryStatusCancelled, reason, m.clock.Now())
	return nil
}

// RecoverLease returns a crashed IN_PROGRESS delivery to SCHEDULED after a
// recovery delay. attemptNumber is the synthetic crash attempt's number; it
// is persisted into attempts_count so numbering stays dense and the crash
// debits the retry budget like a silently timed-out attempt.
func (m *Machine) RecoverLease(d *core.Delivery, attemptNumber int) error {
	if d.Status != core.DeliveryStatusInProgress {
		return &TransitionError{Transition: "recover lease for", Status: d.Status}
	}
	now := m.clock.Now()
	d.AttemptsCount = attemptNumber
	d.LastAttemptAt = &now
	if d.AttemptsCount >= m.cfg.MaxAttempts {
		m.finalize(d, core.DeliveryStatusFailed, fmt.Sprintf("Max attempts (%d) reached", m.cfg.MaxAttempts), now)
		return nil
	}
	next := now.Add(m.cfg.LeaseRecoveryDelay)
	d.Status = core.DeliveryStatusScheduled
	d.NextAttemptAt = &next
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
	return nil
}

func (m *Machine) finalize(d *core.Delivery, status core.DeliveryStatus, reason string, now time.Time) {
	d.Status = status
	d.TerminalAt = &now
	d.TerminalReason = &reason
	d.NextAttemptAt = nil
	d.LeaseID = nil
	d.LeaseExpiresAt = nil
}

// ttlExceeded reports whether the delivery outlived MAX_DELIVERY_TTL.
// Time spent in the endpoint's current pause segment does not burn budget;
// historical pauses are not tracked and therefore not subtracted.
func (m *Machine) ttlExceeded(d *core.Delivery, ep *core.Endpoint, now time.Time) bool {
	if d.FirstScheduledAt == nil {
		return false
	}
	elapsed := now.Sub(*d.FirstScheduledAt)
	if ep != nil && ep.PausedAt != nil {
		elapsed -= now.Sub(*ep.PausedAt)
	}
	return elapsed > m.cfg.MaxDeliveryTTL
}
