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

package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/ingest"
	"github.com/hookway/hookway/pkg/replay"
	"github.com/hookway/hookway/pkg/state"
	"github.com/hookway/hookway/pkg/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type createTenantRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !s.decode(w, r, &req) {
		return
	}
	t := &core.Tenant{ID: uuid.New(), Name: req.Name, CreatedAt: s.clock.Now()}
	if err := s.store.CreateTenant(r.Context(), t); err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

type ingestRequest struct {
	Type           string          `json:"type" validate:"required,max=255"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	EndpointIDs    []uuid.UUID     `json:"endpoint_ids" validate:"required,min=1"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=255"`
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.ingest.Ingest(r.Context(), ingest.Request{
		TenantID:       tenantID(r),
		Type:           req.Type,
		Payload:        req.Payload,
		EndpointIDs:    req.EndpointIDs,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		var conflict *ingest.ConflictError
		var notFound *ingest.EndpointsNotFoundError
		switch {
		case errors.As(err, &conflict):
			s.writeError(w, http.StatusConflict, "IDEMPOTENCY_KEY_CONFLICT", conflict.Error(), nil)
		case errors.As(err, &notFound):
			s.writeError(w, http.StatusNotFound, "NOT_FOUND", notFound.Error(), nil)
		case errors.Is(err, ingest.ErrPayloadTooLarge):
			s.writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error(), nil)
		case errors.Is(err, core.ErrInvalidJSON):
			s.writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error(), nil)
		default:
			s.internalError(w, err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.DeliveryFilter{TenantID: tenantID(r), Limit: defaultPageSize}

	if v := q.Get("status"); v != "" {
		filter.Status = core.DeliveryStatus(v)
	}
	for param, dst := range map[string]**uuid.UUID{"endpoint_id": &filter.EndpointID, "event_id": &filter.EventID} {
		if v := q.Get(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "INVALID_FILTER", "malformed "+param, nil)
				return
			}
			*dst = &id
		}
	}
	if v := q.Get("cursor"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "cursor must be an RFC 3339 timestamp", nil)
			return
		}
		filter.CreatedBefore = &t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageSize {
			s.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 200", nil)
			return
		}
		filter.Limit = limit
	}

	deliveries, err := s.store.ListDeliveries(r.Context(), filter)
	if err != nil {
		s.internalError(w, err)
		return
	}
	resp := struct {
		Deliveries []*core.Delivery `json:"deliveries"`
		NextCursor *time.Time       `json:"next_cursor,omitempty"`
	}{Deliveries: deliveries}
	if len(deliveries) == filter.Limit {
		resp.NextCursor = &deliveries[len(deliveries)-1].CreatedAt
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, s)
	if !ok {
		return
	}
	d, err := s.store.GetTenantDelivery(r.Context(), tenantID(r), id)
	if err != nil {
		s.notFoundOrInternal(w, err, "delivery not found")
		return
	}
	attempts, err := s.store.ListAttempts(r.Context(), d.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		*core.Delivery
		Attempts []*core.Attempt `json:"attempts"`
	}{Delivery: d, Attempts: attempts})
}

// cancelDelivery finalizes any non-terminal delivery, IN_PROGRESS included.
// An in-flight HTTP call is not aborted; the worker re-reads the row after
// the call, finds it CANCELLED, and keeps the attempt without a transition.
func (s *Server) cancelDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, s)
	if !ok {
		return
	}
	if _, err := s.store.GetTenantDelivery(r.Context(), tenantID(r), id); err != nil {
		s.notFoundOrInternal(w, err, "delivery not found")
		return
	}
	err := s.store.WithDeliveryLock(r.Context(), id, false, func(ctx context.Context, tx storage.Store, d *core.Delivery) error {
		if err := s.machine.Cancel(d, "Cancelled by tenant"); err != nil {
			return err
		}
		d.UpdatedAt = s.clock.Now()
		return tx.UpdateDelivery(ctx, d)
	})
	if err != nil {
		var te *state.TransitionError
		if errors.As(err, &te) {
			s.writeError(w, http.StatusConflict, "INVALID_STATE", te.Error(), nil)
			return
		}
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "delivery_id": id})
}

type endpointRequest struct {
	Name           string            `json:"name" validate:"required,max=255"`
	URL            string            `json:"url" validate:"required,url"`
	Secret         string            `json:"secret" validate:"required,min=16"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !s.decode(w, r, &req) {
		return
	}
	now := s.clock.Now()
	ep := &core.Endpoint{
		ID:             uuid.New(),
		TenantID:       tenantID(r),
		Name:           req.Name,
		URL:            req.URL,
		Secret:         []byte(req.Secret),
		Headers:        req.Headers,
		TimeoutSeconds: req.TimeoutSeconds,
		Status:         core.EndpointStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateEndpoint(r.Context(), ep); err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ep)
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.store.ListEndpoints(r.Context(), tenantID(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, s)
	if !ok {
		return
	}
	ep, err := s.store.GetEndpoint(r.Context(), tenantID(r), id)
	if err != nil {
		s.notFoundOrInternal(w, err, "endpoint not found")
		return
	}
	s.writeJSON(w, http.StatusOK, ep)
}

type endpointPatch struct {
	Name           *string           `json:"name" validate:"omitempty,max=255"`
	URL            *string           `json:"url" validate:"omitempty,url"`
	Secret         *string           `json:"secret" validate:"omitempty,min=16"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds *int              `json:"timeout_seconds" validate:"omitempty,min=1,max=300"`
}

func (s *Server) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, s)
	if !ok {
		return
	}
	var req endpointPatch
	if !s.decode(w, r, &req) {
		return
	}
	ep, err := s.store.GetEndpoint(r.Context(), tenantID(r), id)
	if err != nil {
		s.notFoundOrInternal(w, err, "endpoint not found")
		return
	}
	if req.Name != nil {
		ep.Name = *req.Name
	}
	if req.URL != nil {
		ep.URL = *req.URL
	}
	if req.Secret != nil {
		ep.Secret = []byte(*req.Secret)
	}
	if req.Headers != nil {
		ep.Headers = req.Headers
	}
	if req.TimeoutSeconds != nil {
		ep.TimeoutSeconds = *req.TimeoutSeconds
	}
	ep.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateEndpoint(r.Context(), ep); err != nil {
		s.internalError(w, err)
		return
	}
	s.endpoints.Invalidate(ep.ID)
	s.writeJSON(w, http.StatusOK, ep)
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, s)
	if !ok {
		return
	}
	if err := s.store.DeleteEndpoint(r.Context(), tenantID(r), id); err != nil {
		s.notFoundOrInternal(w, err, "endpoint not found")
		return
	}
	s.endpoints.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointStatus(w, r, func(ep *core.Endpoint) { ep.Pause(s.clock.Now()) })
}

func (s *Server) resumeEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointStatus(w, r, func(ep *core.Endpoint) { ep.Resume() })
}

func (s *Server) setEndpointStatus(w http.ResponseWriter, r *http.Request, mutate func(*core.Endpoint)) {
	id, ok := pathID(w, r, s)
	if !ok {
		return
	}
	ep, err := s.store.GetEndpoint(r.Context(), tenantID(r), id)
	if err != nil {
		s.notFoundOrInternal(w, err, "endpoint not found")
		return
	}
	mutate(ep)
	ep.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateEndpoint(r.Context(), ep); err != nil {
		s.internalError(w, err)
		return
	}
	s.endpoints.Invalidate(ep.ID)
	s.writeJSON(w, http.StatusOK, ep)
}

type replayRequest struct {
	DeliveryIDs []uuid.UUID `json:"delivery_ids" validate:"required,min=1"`
	DryRun      bool        `json:"dry_run"`
}

func (s *Server) createReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.replay.Replay(r.Context(), replay.Request{
		TenantID:    tenantID(r),
		DeliveryIDs: req.DeliveryIDs,
		DryRun:      req.DryRun,
	})
	if err != nil {
		var notFound *replay.DeliveriesNotFoundError
		switch {
		case errors.Is(err, replay.ErrBatchTooLarge):
			s.writeError(w, http.StatusBadRequest, "BATCH_TOO_LARGE", err.Error(), nil)
		case errors.As(err, &notFound):
			s.writeError(w, http.StatusNotFound, "NOT_FOUND", notFound.Error(), nil)
		default:
			s.internalError(w, err)
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) getKillSwitch(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"active": s.killSwitch.Active(r.Context())})
}

type killSwitchRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (s *Server) setKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if !s.decode(w, r, &req) {
		return
	}
	var err error
	if *req.Active {
		err = s.killSwitch.Activate(r.Context())
		s.log.Warn("kill switch activated")
	} else {
		err = s.killSwitch.Deactivate(r.Context())
		s.log.Warn("kill switch deactivated")
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"active": *req.Active})
}

func (s *Server) notFoundOrInternal(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", message, nil)
		return
	}
	s.internalError(w, err)
}
