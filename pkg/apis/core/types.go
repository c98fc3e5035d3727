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

// Package core defines the durable domain model shared by every subsystem:
// tenants, endpoints, events, deliveries, attempts, and their enumerations.
package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EndpointStatus is the lifecycle state of a webhook destination.
type EndpointStatus string

const (
	EndpointStatusActive EndpointStatus = "ACTIVE"
	EndpointStatusPaused EndpointStatus = "PAUSED"
)

// DeliveryMode selects the dedup contract applied at ingest.
type DeliveryMode string

const (
	// ModeReliable is used when the producer supplied an idempotency key.
	ModeReliable DeliveryMode = "RELIABLE"
	// ModeBasic derives a key from the submission itself, collapsing identical re-submissions.
	ModeBasic DeliveryMode = "BASIC"
)

// DeliveryStatus is the state-machine position of a delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "PENDING"
	DeliveryStatusScheduled  DeliveryStatus = "SCHEDULED"
	DeliveryStatusInProgress DeliveryStatus = "IN_PROGRESS"
	DeliveryStatusDelivered  DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed     DeliveryStatus = "FAILED"
	DeliveryStatusExpired    DeliveryStatus = "EXPIRED"
	DeliveryStatusCancelled  DeliveryStatus = "CANCELLED"
)

// Terminal reports whether the status is final. Terminal deliveries are immutable.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusExpired, DeliveryStatusCancelled:
		return true
	}
	return false
}

// AttemptOutcome is the worker's verdict on a single HTTP attempt.
type AttemptOutcome string

const (
	OutcomeSuccess             AttemptOutcome = "SUCCESS"
	OutcomeRetryableFailure    AttemptOutcome = "RETRYABLE_FAILURE"
	OutcomeNonRetryableFailure AttemptOutcome = "NON_RETRYABLE_FAILURE"
)

// Classification tags an attempt with the reason behind its outcome.
type Classification string

const (
	ClassificationNetworkError     Classification = "NETWORK_ERROR"
	ClassificationDNSError         Classification = "DNS_ERROR"
	ClassificationTLSError         Classification = "TLS_ERROR"
	ClassificationTimeout          Classification = "TIMEOUT"
	ClassificationHTTP4xxPermanent Classification = "HTTP_4XX_PERMANENT"
	ClassificationHTTP5xxRetryable Classification = "HTTP_5XX_RETRYABLE"
	ClassificationRateLimited      Classification = "RATE_LIMITED"
	ClassificationWorkerCrash      Classification = "WORKER_CRASH_OR_UNKNOWN"
	ClassificationOther            Classification = "OTHER"
)

// Headers is a flat header map stored as JSON in the database.
type Headers map[string]string

// Value implements driver.Valuer.
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return nil, nil
	}
	return json.Marshal(h)
}

// Scan implements sql.Scanner.
func (h *Headers) Scan(src any) error {
	if src == nil {
		*h = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("cannot scan %T into Headers", src)
	}
}

// Tenant is the identity and ownership root for all other entities.
type Tenant struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Endpoint is a webhook destination owned by a tenant.
type Endpoint struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	TenantID       uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	Name           string         `db:"name" json:"name"`
	URL            string         `db:"url" json:"url"`
	Secret         []byte         `db:"secret" json:"-"`
	Headers        Headers        `db:"headers" json:"headers,omitempty"`
	TimeoutSeconds int            `db:"timeout_seconds" json:"timeout_seconds"`
	Status         EndpointStatus `db:"status" json:"status"`
	PausedAt       *time.Time     `db:"paused_at" json:"paused_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// Active reports whether the endpoint accepts dispatches.
func (e *Endpoint) Active() bool {
	return e.Status == EndpointStatusActive
}

// Pause transitions the endpoint to PAUSED, stamping paused_at to preserve
// the status=PAUSED ⇔ paused_at≠nil invariant.
func (e *Endpoint) Pause(now time.Time) {
	e.Status = EndpointStatusPaused
	e.PausedAt = &now
}

// Resume transitions the endpoint back to ACTIVE and clears paused_at.
func (e *Endpoint) Resume() {
	e.Status = EndpointStatusActive
	e.PausedAt = nil
}

// Event is an immutable payload submitted by a producer. PayloadJSON holds
// the canonical serialization (sorted keys, no insignificant whitespace) and
// PayloadHash its SHA-256 hex digest.
type Event struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Type        string    `db:"type" json:"type"`
	PayloadJSON []byte    `db:"payload_json" json:"-"`
	PayloadHash string    `db:"payload_hash" json:"payload_hash"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Delivery is the durable record of intent to deliver one event to one endpoint.
type Delivery struct {
	ID                   uuid.UUID      `db:"id" json:"id"`
	TenantID             uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	EventID              uuid.UUID      `db:"event_id" json:"event_id"`
	EndpointID           uuid.UUID      `db:"endpoint_id" json:"endpoint_id"`
	Mode                 DeliveryMode   `db:"mode" json:"mode"`
	IdempotencyKey       *string        `db:"idempotency_key" json:"idempotency_key,omitempty"`
	IdempotencyKeyHash   *string        `db:"idempotency_key_hash" json:"-"`
	IdempotencyKeyReused bool           `db:"idempotency_key_reused" json:"idempotency_key_reused"`
	Status               DeliveryStatus `db:"status" json:"status"`
	AttemptsCount        int            `db:"attempts_count" json:"attempts_count"`
	NextAttemptAt        *time.Time     `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	FirstScheduledAt     *time.Time     `db:"first_scheduled_at" json:"first_scheduled_at,omitempty"`
	LastAttemptAt        *time.Time     `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	TerminalAt           *time.Time     `db:"terminal_at" json:"terminal_at,omitempty"`
	TerminalReason       *string        `db:"terminal_reason" json:"terminal_reason,omitempty"`
	LeaseID              *uuid.UUID     `db:"lease_id" json:"-"`
	LeaseExpiresAt       *time.Time     `db:"lease_expires_at" json:"-"`
	CancelRequested      bool           `db:"cancel_requested" json:"cancel_requested"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the delivery has reached a final state.
func (d *Delivery) Terminal() bool {
	return d.Status.Terminal()
}

// Attempt is the observation record of one HTTP call for a delivery.
// Numbers are dense per delivery: 1..attempts_count.
type Attempt struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	TenantID            uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	DeliveryID          uuid.UUID       `db:"delivery_id" json:"delivery_id"`
	AttemptNumber       int             `db:"attempt_number" json:"attempt_number"`
	StartedAt           time.Time       `db:"started_at" json:"started_at"`
	EndedAt             *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
	LatencyMs           *int64          `db:"latency_ms" json:"latency_ms,omitempty"`
	Outcome             AttemptOutcome  `db:"outcome" json:"outcome"`
	Classification      *Classification `db:"classification" json:"classification,omitempty"`
	HTTPStatus          *int            `db:"http_status" json:"http_status,omitempty"`
	ResponseHeaders     Headers         `db:"response_headers" json:"response_headers,omitempty"`
	ResponseBodySnippet *string         `db:"response_body_snippet" json:"response_body_snippet,omitempty"`
	ErrorDetail         *string         `db:"error_detail" json:"error_detail,omitempty"`
	RequestPayloadHash  string          `db:"request_payload_hash" json:"request_payload_hash"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// DeliveryBatch groups deliveries re-materialized by a replay request.
type DeliveryBatch struct {
	ID                     uuid.UUID   `db:"id" json:"id"`
	TenantID               uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	Type                   string      `db:"type" json:"type"`
	DryRun                 bool        `db:"dry_run" json:"dry_run"`
	RequestedAt            time.Time   `db:"requested_at" json:"requested_at"`
	CreatedDeliveriesCount int         `db:"created_deliveries_count" json:"created_deliveries_count"`
	Status                 BatchStatus `db:"status" json:"status"`
}

// BatchStatus is the lifecycle state of a replay batch.
type BatchStatus string

const (
	BatchStatusCreated   BatchStatus = "CREATED"
	BatchStatusCompleted BatchStatus = "COMPLETED"
)

// DeliveryBatchItem records one source delivery inside a replay batch and,
// unless the batch was a dry run, the delivery it produced.
type DeliveryBatchItem struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	BatchID           uuid.UUID  `db:"batch_id" json:"batch_id"`
	SourceDeliveryID  uuid.UUID  `db:"source_delivery_id" json:"source_delivery_id"`
	EndpointID        uuid.UUID  `db:"endpoint_id" json:"endpoint_id"`
	CreatedDeliveryID *uuid.UUID `db:"created_delivery_id" json:"created_delivery_id,omitempty"`
}
