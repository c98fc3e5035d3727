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

package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	clock "k8s.io/utils/clock/testing"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/apiserver"
	"github.com/hookway/hookway/pkg/backoff"
	"github.com/hookway/hookway/pkg/cache"
	"github.com/hookway/hookway/pkg/fake"
	"github.com/hookway/hookway/pkg/ingest"
	"github.com/hookway/hookway/pkg/killswitch"
	"github.com/hookway/hookway/pkg/replay"
	"github.com/hookway/hookway/pkg/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestAPIServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "APIServer")
}

var (
	ctx      context.Context
	store    *fake.Store
	client   *redis.Client
	api      *httptest.Server
	tenant   *core.Tenant
	endpoint *core.Endpoint
)

var _ = BeforeEach(func() {
	ctx = context.Background()
	store = fake.NewStore()
	fakeClock := clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	mr := miniredis.RunT(GinkgoT())
	client = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	machine := state.NewMachine(fakeClock, backoff.New(), state.Config{
		LeaseDuration:      time.Minute,
		LeaseRecoveryDelay: 30 * time.Second,
		MaxAttempts:        12,
		MaxDeliveryTTL:     24 * time.Hour,
	})
	ingestSvc := ingest.NewService(store, fakeClock, ingest.Config{MaxPayloadSize: 1024, DedupWindow: 24 * time.Hour}, zap.NewNop())
	replaySvc := replay.NewService(store, fakeClock, replay.Config{MaxBatchSize: 10}, zap.NewNop())
	server := apiserver.NewServer(store, ingestSvc, replaySvc, machine, cache.NewEndpoints(store),
		killswitch.New(client, zap.NewNop()), fakeClock, zap.NewNop())
	api = httptest.NewServer(server.Router())

	tenant = fake.Tenant()
	Expect(store.CreateTenant(ctx, tenant)).To(Succeed())
	endpoint = fake.Endpoint(tenant.ID)
	Expect(store.CreateEndpoint(ctx, endpoint)).To(Succeed())
})

var _ = AfterEach(func() {
	api.Close()
	Expect(client.Close()).To(Succeed())
})

func do(method, path string, body any, tenantID string) (*http.Response, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		ExpectWithOffset(1, json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	req, err := http.NewRequest(method, api.URL+path, &buf)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	if tenantID != "" {
		req.Header.Set(apiserver.TenantHeader, tenantID)
	}
	resp, err := http.DefaultClient.Do(req)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func asTenant(method, path string, body any) (*http.Response, map[string]any) {
	return do(method, path, body, tenant.ID.String())
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

var _ = Describe("Tenant resolution", func() {
	It("should reject requests without a tenant header", func() {
		resp, body := do(http.MethodGet, "/v1/deliveries", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(errorCode(body)).To(Equal("TENANT_REQUIRED"))
	})

	It("should reject malformed tenant ids", func() {
		resp, body := do(http.MethodGet, "/v1/deliveries", nil, "nope")
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(errorCode(body)).To(Equal("INVALID_TENANT"))
	})

	It("should reject unknown tenants", func() {
		resp, body := do(http.MethodGet, "/v1/deliveries", nil, uuid.NewString())
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(errorCode(body)).To(Equal("UNKNOWN_TENANT"))
	})
})

var _ = Describe("POST /v1/events", func() {
	It("should accept a submission and report created deliveries", func() {
		resp, body := asTenant(http.MethodPost, "/v1/events", map[string]any{
			"type":         "order.created",
			"payload":      map[string]any{"order": 1},
			"endpoint_ids": []string{endpoint.ID.String()},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		Expect(body["event_id"]).ToNot(BeEmpty())
		deliveries := body["deliveries"].([]any)
		Expect(deliveries).To(HaveLen(1))
		Expect(deliveries[0].(map[string]any)["created"]).To(BeTrue())
	})

	It("should 409 on an idempotency key conflict", func() {
		submit := func(order int) (*http.Response, map[string]any) {
			return asTenant(http.MethodPost, "/v1/events", map[string]any{
				"type":            "order.created",
				"payload":         map[string]any{"order": order},
				"endpoint_ids":    []string{endpoint.ID.String()},
				"idempotency_key": "key-1",
			})
		}
		resp, _ := submit(1)
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		resp, body := submit(2)
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(errorCode(body)).To(Equal("IDEMPOTENCY_KEY_CONFLICT"))
	})

	It("should 404 on unknown endpoints", func() {
		resp, body := asTenant(http.MethodPost, "/v1/events", map[string]any{
			"type":         "order.created",
			"payload":      map[string]any{"order": 1},
			"endpoint_ids": []string{uuid.NewString()},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(errorCode(body)).To(Equal("NOT_FOUND"))
	})

	It("should 400 on validation failures", func() {
		resp, body := asTenant(http.MethodPost, "/v1/events", map[string]any{
			"payload":      map[string]any{"order": 1},
			"endpoint_ids": []string{endpoint.ID.String()},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(errorCode(body)).To(Equal("VALIDATION_FAILED"))
	})
})

var _ = Describe("Deliveries", func() {
	var delivery *core.Delivery

	BeforeEach(func() {
		event := fake.Event(tenant.ID)
		Expect(store.CreateEvent(ctx, event)).To(Succeed())
		delivery = fake.Delivery(event, endpoint.ID)
		Expect(store.CreateDelivery(ctx, delivery)).To(Succeed())
	})

	It("should list the tenant's deliveries", func() {
		resp, body := asTenant(http.MethodGet, "/v1/deliveries", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["deliveries"].([]any)).To(HaveLen(1))
	})

	It("should filter by status", func() {
		resp, body := asTenant(http.MethodGet, "/v1/deliveries?status=DELIVERED", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["deliveries"].([]any)).To(BeEmpty())
	})

	It("should return a delivery with its attempt timeline", func() {
		Expect(store.CreateAttempt(ctx, &core.Attempt{
			ID:                 uuid.New(),
			TenantID:           tenant.ID,
			DeliveryID:         delivery.ID,
			AttemptNumber:      1,
			StartedAt:          time.Now(),
			Outcome:            core.OutcomeRetryableFailure,
			RequestPayloadHash: "abc",
		})).To(Succeed())

		resp, body := asTenant(http.MethodGet, "/v1/deliveries/"+delivery.ID.String(), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["id"]).To(Equal(delivery.ID.String()))
		Expect(body["attempts"].([]any)).To(HaveLen(1))
	})

	It("should not expose another tenant's delivery", func() {
		other := fake.Tenant()
		Expect(store.CreateTenant(ctx, other)).To(Succeed())
		resp, _ := do(http.MethodGet, "/v1/deliveries/"+delivery.ID.String(), nil, other.ID.String())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should cancel a queued delivery", func() {
		resp, body := asTenant(http.MethodPost, "/v1/deliveries/"+delivery.ID.String()+"/cancel", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["status"]).To(Equal("cancelled"))

		got, _ := store.GetDelivery(ctx, delivery.ID)
		Expect(got.Status).To(Equal(core.DeliveryStatusCancelled))
	})

	It("should cancel an in-flight delivery directly", func() {
		lease := uuid.New()
		expires := time.Now().Add(time.Minute)
		got, _ := store.GetDelivery(ctx, delivery.ID)
		got.Status = core.DeliveryStatusInProgress
		got.LeaseID = &lease
		got.LeaseExpiresAt = &expires
		Expect(store.UpdateDelivery(ctx, got)).To(Succeed())

		resp, body := asTenant(http.MethodPost, "/v1/deliveries/"+delivery.ID.String()+"/cancel", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["status"]).To(Equal("cancelled"))

		got, _ = store.GetDelivery(ctx, delivery.ID)
		Expect(got.Status).To(Equal(core.DeliveryStatusCancelled))
		Expect(got.LeaseID).To(BeNil())
		Expect(got.TerminalReason).To(HaveValue(Equal("Cancelled by tenant")))
	})

	It("should 409 when cancelling a terminal delivery", func() {
		got, _ := store.GetDelivery(ctx, delivery.ID)
		got.Status = core.DeliveryStatusDelivered
		Expect(store.UpdateDelivery(ctx, got)).To(Succeed())

		resp, body := asTenant(http.MethodPost, "/v1/deliveries/"+delivery.ID.String()+"/cancel", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(errorCode(body)).To(Equal("INVALID_STATE"))
	})
})

var _ = Describe("Endpoints", func() {
	It("should create, pause and resume an endpoint", func() {
		resp, body := asTenant(http.MethodPost, "/v1/endpoints", map[string]any{
			"name":   "orders",
			"url":    "https://hooks.example.com/orders",
			"secret": "super-secret-value-123",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		id := body["id"].(string)

		resp, body = asTenant(http.MethodPost, "/v1/endpoints/"+id+"/pause", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["status"]).To(Equal("PAUSED"))
		Expect(body["paused_at"]).ToNot(BeNil())

		resp, body = asTenant(http.MethodPost, "/v1/endpoints/"+id+"/resume", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["status"]).To(Equal("ACTIVE"))
	})

	It("should reject weak secrets", func() {
		resp, body := asTenant(http.MethodPost, "/v1/endpoints", map[string]any{
			"name":   "orders",
			"url":    "https://hooks.example.com/orders",
			"secret": "short",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(errorCode(body)).To(Equal("VALIDATION_FAILED"))
	})

	It("should patch endpoint fields", func() {
		resp, body := asTenant(http.MethodPatch, "/v1/endpoints/"+endpoint.ID.String(), map[string]any{
			"url": "https://hooks.example.com/v2",
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["url"]).To(Equal("https://hooks.example.com/v2"))
	})

	It("should delete an endpoint", func() {
		resp, _ := asTenant(http.MethodDelete, "/v1/endpoints/"+endpoint.ID.String(), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		resp, _ = asTenant(http.MethodGet, "/v1/endpoints/"+endpoint.ID.String(), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should never serialize the signing secret", func() {
		resp, body := asTenant(http.MethodGet, "/v1/endpoints/"+endpoint.ID.String(), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body).ToNot(HaveKey("secret"))
	})
})

var _ = Describe("Replays", func() {
	It("should 400 on oversized batches", func() {
		ids := make([]string, 11)
		for i := range ids {
			ids[i] = uuid.NewString()
		}
		resp, body := asTenant(http.MethodPost, "/v1/replays", map[string]any{"delivery_ids": ids})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(errorCode(body)).To(Equal("BATCH_TOO_LARGE"))
	})

	It("should replay a delivery", func() {
		event := fake.Event(tenant.ID)
		Expect(store.CreateEvent(ctx, event)).To(Succeed())
		d := fake.Delivery(event, endpoint.ID, core.Delivery{Status: core.DeliveryStatusFailed})
		Expect(store.CreateDelivery(ctx, d)).To(Succeed())

		resp, body := asTenant(http.MethodPost, "/v1/replays", map[string]any{
			"delivery_ids": []string{d.ID.String()},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		Expect(body["created_deliveries_count"]).To(BeEquivalentTo(1))
	})
})

var _ = Describe("Kill switch", func() {
	It("should toggle and report the switch", func() {
		resp, body := do(http.MethodGet, "/v1/kill-switch", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["active"]).To(BeFalse())

		resp, body = do(http.MethodPost, "/v1/kill-switch", map[string]any{"active": true}, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["active"]).To(BeTrue())

		resp, body = do(http.MethodGet, "/v1/kill-switch", nil, "")
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["active"]).To(BeTrue())
	})
})

var _ = Describe("Pagination", func() {
	It("should page deliveries by created_at cursor", func() {
		base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			event := fake.Event(tenant.ID)
			Expect(store.CreateEvent(ctx, event)).To(Succeed())
			d := fake.Delivery(event, endpoint.ID, core.Delivery{CreatedAt: base.Add(time.Duration(i) * time.Hour)})
			d.ID = uuid.New()
			Expect(store.CreateDelivery(ctx, d)).To(Succeed())
		}

		resp, body := asTenant(http.MethodGet, "/v1/deliveries?limit=2", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["deliveries"].([]any)).To(HaveLen(2))
		Expect(body["next_cursor"]).ToNot(BeNil())

		cursor := body["next_cursor"].(string)
		resp, body = asTenant(http.MethodGet, fmt.Sprintf("/v1/deliveries?limit=2&cursor=%s", cursor), nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(body["deliveries"].([]any)).To(HaveLen(1))
	})
})
