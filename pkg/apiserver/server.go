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

// Package apiserver exposes the tenant-facing HTTP API: event ingest,
// delivery inspection and cancellation, endpoint management, replays, and the
// kill switch.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/cache"
	"github.com/hookway/hookway/pkg/ingest"
	"github.com/hookway/hookway/pkg/killswitch"
	"github.com/hookway/hookway/pkg/replay"
	"github.com/hookway/hookway/pkg/state"
	"github.com/hookway/hookway/pkg/storage"
)

// TenantHeader carries the caller's tenant id on every tenant-scoped route.
const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

// Server wires the HTTP handlers to the services.
type Server struct {
	store      storage.Store
	ingest     *ingest.Service
	replay     *replay.Service
	machine    *state.Machine
	endpoints  *cache.Endpoints
	killSwitch *killswitch.Switch
	clock      clock.Clock
	validate   *validator.Validate
	log        *zap.Logger
}

func NewServer(store storage.Store, ing *ingest.Service, rep *replay.Service, machine *state.Machine,
	endpoints *cache.Endpoints, ks *killswitch.Switch, clk clock.Clock, log *zap.Logger) *Server {
	return &Server{
		store:      store,
		ingest:     ing,
		replay:     rep,
		machine:    machine,
		endpoints:  endpoints,
		killSwitch: ks,
		clock:      clk,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		log:        log.Named("api"),
	}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", TenantHeader},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		// Operator surface, not tenant-scoped.
		r.Post("/tenants", s.createTenant)
		r.Get("/kill-switch", s.getKillSwitch)
		r.Post("/kill-switch", s.setKillSwitch)

		r.Group(func(r chi.Router) {
			r.Use(s.tenantMiddleware)

			r.Post("/events", s.ingestEvent)

			r.Get("/deliveries", s.listDeliveries)
			r.Get("/deliveries/{id}", s.getDelivery)
			r.Post("/deliveries/{id}/cancel", s.cancelDelivery)

			r.Post("/endpoints", s.createEndpoint)
			r.Get("/endpoints", s.listEndpoints)
			r.Get("/endpoints/{id}", s.getEndpoint)
			r.Patch("/endpoints/{id}", s.updateEndpoint)
			r.Delete("/endpoints/{id}", s.deleteEndpoint)
			r.Post("/endpoints/{id}/pause", s.pauseEndpoint)
			r.Post("/endpoints/{id}/resume", s.resumeEndpoint)

			r.Post("/replays", s.createReplay)
		})
	})
	return r
}

// tenantMiddleware resolves and verifies the caller's tenant.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(TenantHeader)
		if raw == "" {
			s.writeError(w, http.StatusUnauthorized, "TENANT_REQUIRED", "missing "+TenantHeader+" header", nil)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_TENANT", "malformed tenant id", nil)
			return
		}
		if _, err := s.store.GetTenant(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.writeError(w, http.StatusUnauthorized, "UNKNOWN_TENANT", "tenant not found", nil)
				return
			}
			s.internalError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, id)))
	})
}

func tenantID(r *http.Request) uuid.UUID {
	return r.Context().Value(tenantKey{}).(uuid.UUID)
}

func pathID(w http.ResponseWriter, r *http.Request, s *Server) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_ID", "malformed id in path", nil)
		return uuid.Nil, false
	}
	return id, true
}

// decode unmarshals and validates the request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed JSON body", map[string]string{"detail": err.Error()})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		s.writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "request failed validation", details)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", zap.Error(err))
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, details any) {
	s.writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("request failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}
