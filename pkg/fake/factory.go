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

package fake

import (
	"fmt"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/hookway/hookway/pkg/apis/core"
)

// Tenant returns a populated tenant, applying any overrides in order.
func Tenant(overrides ...core.Tenant) *core.Tenant {
	options := mergeOverrides(overrides)
	return &core.Tenant{
		ID:        firstOr(options.ID, uuid.New()),
		Name:      firstOrStr(options.Name, randomdata.SillyName()),
		CreatedAt: firstOrTime(options.CreatedAt, time.Now().UTC()),
	}
}

// Endpoint returns an ACTIVE endpoint for the tenant.
func Endpoint(tenantID uuid.UUID, overrides ...core.Endpoint) *core.Endpoint {
	options := mergeOverrides(overrides)
	now := time.Now().UTC()
	ep := &core.Endpoint{
		ID:             firstOr(options.ID, uuid.New()),
		TenantID:       tenantID,
		Name:           firstOrStr(options.Name, randomdata.SillyName()),
		URL:            firstOrStr(options.URL, fmt.Sprintf("https://%s.example.com/hooks", randomdata.Noun())),
		Secret:         []byte(randomdata.Alphanumeric(32)),
		TimeoutSeconds: 30,
		Status:         core.EndpointStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if options.Secret != nil {
		ep.Secret = options.Secret
	}
	if options.Headers != nil {
		ep.Headers = options.Headers
	}
	if options.TimeoutSeconds != 0 {
		ep.TimeoutSeconds = options.TimeoutSeconds
	}
	if options.Status != "" {
		ep.Status = options.Status
		ep.PausedAt = options.PausedAt
	}
	return ep
}

// Event returns an event with a canonical payload and matching hash.
func Event(tenantID uuid.UUID, overrides ...core.Event) *core.Event {
	options := mergeOverrides(overrides)
	payload := options.PayloadJSON
	if payload == nil {
		canonical, _ := core.CanonicalizeJSON([]byte(fmt.Sprintf(`{"id":%d,"noun":%q}`, randomdata.Number(1, 1_000_000), randomdata.Noun())))
		payload = canonical
	}
	return &core.Event{
		ID:          firstOr(options.ID, uuid.New()),
		TenantID:    tenantID,
		Type:        firstOrStr(options.Type, "order.created"),
		PayloadJSON: payload,
		PayloadHash: firstOrStr(options.PayloadHash, core.HashBytes(payload)),
		CreatedAt:   firstOrTime(options.CreatedAt, time.Now().UTC()),
	}
}

// Delivery returns a PENDING delivery binding the event to the endpoint.
func Delivery(event *core.Event, endpointID uuid.UUID, overrides ...core.Delivery) *core.Delivery {
	options := mergeOverrides(overrides)
	now := time.Now().UTC()
	d := &core.Delivery{
		ID:         firstOr(options.ID, uuid.New()),
		TenantID:   event.TenantID,
		EventID:    event.ID,
		EndpointID: endpointID,
		Mode:       core.ModeBasic,
		Status:     core.DeliveryStatusPending,
		CreatedAt:  firstOrTime(options.CreatedAt, now),
		UpdatedAt:  firstOrTime(options.CreatedAt, now),
	}
	if options.Mode != "" {
		d.Mode = options.Mode
	}
	if options.Status != "" {
		d.Status = options.Status
	}
	d.IdempotencyKey = options.IdempotencyKey
	d.IdempotencyKeyHash = options.IdempotencyKeyHash
	if d.IdempotencyKeyHash == nil {
		hash := core.BasicDedupKey(event.TenantID, endpointID, event.Type, event.PayloadHash)
		if d.IdempotencyKey != nil {
			hash = core.HashString(*d.IdempotencyKey)
		}
		d.IdempotencyKeyHash = &hash
	}
	d.AttemptsCount = options.AttemptsCount
	d.NextAttemptAt = options.NextAttemptAt
	d.FirstScheduledAt = options.FirstScheduledAt
	d.LastAttemptAt = options.LastAttemptAt
	d.LeaseID = options.LeaseID
	d.LeaseExpiresAt = options.LeaseExpiresAt
	d.CancelRequested = options.CancelRequested
	return d
}

func mergeOverrides[T any](overrides []T) T {
	return lo.LastOr(overrides, lo.Empty[T]())
}

func firstOr(v uuid.UUID, fallback uuid.UUID) uuid.UUID {
	if v != uuid.Nil {
		return v
	}
	return fallback
}

func firstOrStr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func firstOrTime(v time.Time, fallback time.Time) time.Time {
	if !v.IsZero() {
		return v
	}
	return fallback
}
