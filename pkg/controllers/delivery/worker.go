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

// Package delivery executes webhook attempts. Workers drain the queue, lease
// the delivery row, perform exactly one signed HTTP POST outside any lock or
// transaction, then re-lock the row to record the outcome.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/classify"
	"github.com/hookway/hookway/pkg/killswitch"
	"github.com/hookway/hookway/pkg/metrics"
	"github.com/hookway/hookway/pkg/queue"
	"github.com/hookway/hookway/pkg/state"
	"github.com/hookway/hookway/pkg/storage"
)

const (
	// dequeueTimeout bounds each blocking pop so shutdown stays responsive.
	dequeueTimeout = time.Second
	// snippetLimit caps the stored response body excerpt.
	snippetLimit = 1024
)

// Config bounds worker behavior.
type Config struct {
	// DefaultAttemptTimeout applies when the endpoint sets no timeout.
	DefaultAttemptTimeout time.Duration
}

// Worker processes deliveries from the queue. Run several per process; each
// handles one delivery at a time.
type Worker struct {
	store      storage.Store
	machine    *state.Machine
	queue      queue.Queue
	killSwitch *killswitch.Switch
	client     *http.Client
	clock      clock.Clock
	cfg        Config
	log        *zap.Logger
}

func NewWorker(store storage.Store, machine *state.Machine, q queue.Queue, ks *killswitch.Switch,
	clk clock.Clock, cfg Config, log *zap.Logger) *Worker {
	return &Worker{
		store:      store,
		machine:    machine,
		queue:      q,
		killSwitch: ks,
		client: &http.Client{
			// A redirect is the destination declining to accept the event;
			// following it would re-sign for a URL the tenant never vetted.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		clock: clk,
		cfg:   cfg,
		log:   log.Named("worker"),
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, ok, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("dequeue failed", zap.Error(err))
			w.clock.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		if err := w.Process(ctx, id); err != nil {
			w.log.Error("processing delivery failed", zap.String("delivery_id", id.String()), zap.Error(err))
		}
	}
}

// attemptContext is the leased snapshot carried across the unlocked HTTP call.
type attemptContext struct {
	delivery *core.Delivery
	endpoint *core.Endpoint
	event    *core.Event
	number   int
}

// Process runs one attempt for the delivery. Stale queue messages (already
// terminal, re-leased elsewhere, or not yet due again) exit quietly.
func (w *Worker) Process(ctx context.Context, id uuid.UUID) error {
	if w.killSwitch.Active(ctx) {
		metrics.KillSwitchSkips.WithLabelValues("worker").Inc()
		return nil
	}

	ac, err := w.lease(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrRowLocked) || errors.Is(err, errNotLeasable) {
			return nil
		}
		return err
	}

	attempt := w.attempt(ctx, ac)
	if err := w.store.CreateAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	metrics.Attempts.WithLabelValues(string(attempt.Outcome), string(deref(attempt.Classification))).Inc()
	if attempt.LatencyMs != nil {
		metrics.AttemptLatency.Observe(float64(*attempt.LatencyMs) / 1000)
	}

	return w.settle(ctx, ac, attempt)
}

// errNotLeasable marks deliveries that cannot be leased right now; the queue
// message is simply dropped.
var errNotLeasable = errors.New("delivery not leasable")

// lease transitions the row to IN_PROGRESS and snapshots everything the HTTP
// call needs, so the attempt runs without holding the lock.
func (w *Worker) lease(ctx context.Context, id uuid.UUID) (*attemptContext, error) {
	ac := &attemptContext{}
	err := w.store.WithDeliveryLock(ctx, id, true, func(ctx context.Context, tx storage.Store, d *core.Delivery) error {
		if d.Status != core.DeliveryStatusScheduled {
			return errNotLeasable
		}
		ep, err := tx.GetEndpointByID(ctx, d.EndpointID)
		if err != nil {
			return err
		}
		if !ep.Active() {
			// Stays SCHEDULED; the scheduler stops dispatching it until the
			// endpoint resumes. No attempt is recorded.
			return errNotLeasable
		}
		if err := w.machine.AcquireLease(d, ep); err != nil {
			return err
		}
		d.UpdatedAt = w.clock.Now()
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		event, err := tx.GetEvent(ctx, d.EventID)
		if err != nil {
			return err
		}
		ac.delivery = d
		ac.endpoint = ep
		ac.event = event
		ac.number = d.AttemptsCount + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// attempt performs the HTTP POST and returns the fully populated observation
// record. It never returns an error: every failure mode becomes an outcome.
func (w *Worker) attempt(ctx context.Context, ac *attemptContext) *core.Attempt {
	timeout := w.cfg.DefaultAttemptTimeout
	if ac.endpoint.TimeoutSeconds > 0 {
		timeout = time.Duration(ac.endpoint.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := w.clock.Now()
	a := &core.Attempt{
		ID:                 uuid.New(),
		TenantID:           ac.delivery.TenantID,
		DeliveryID:         ac.delivery.ID,
		AttemptNumber:      ac.number,
		StartedAt:          started,
		RequestPayloadHash: ac.event.PayloadHash,
		CreatedAt:          started,
	}

	req, err := w.buildRequest(callCtx, ac, started)
	if err != nil {
		finish(a, w.clock.Now(), classify.Response(err, 0))
		a.ErrorDetail = ptr(err.Error())
		return a
	}

	resp, err := w.client.Do(req)
	ended := w.clock.Now()
	if err != nil {
		finish(a, ended, classify.Response(err, 0))
		a.ErrorDetail = ptr(err.Error())
		return a
	}
	defer resp.Body.Close()

	finish(a, ended, classify.Response(nil, resp.StatusCode))
	a.HTTPStatus = &resp.StatusCode
	a.ResponseHeaders = flattenHeaders(resp.Header)
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	if len(snippet) > 0 {
		a.ResponseBodySnippet = ptr(string(snippet))
	}
	return a
}

// buildRequest assembles the signed POST. Endpoint headers override the
// built-in metadata headers, but the signature is computed and attached last
// so it can never be spoofed by endpoint configuration.
func (w *Worker) buildRequest(ctx context.Context, ac *attemptContext, now time.Time) (*http.Request, error) {
	body := ac.event.PayloadJSON
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", ac.event.Type)
	req.Header.Set("X-Webhook-Delivery", ac.delivery.ID.String())
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(ac.number))
	req.Header.Set("X-Webhook-Timestamp", ts)
	for k, v := range ac.endpoint.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Webhook-Signature", Signature(ac.endpoint.Secret, ts, body))
	return req, nil
}

// settle re-locks the row and applies the attempt outcome. A delivery that is
// no longer IN_PROGRESS under our lease (cancelled mid-flight, or recovered
// after a long stall) keeps the attempt record but skips the transition.
func (w *Worker) settle(ctx context.Context, ac *attemptContext, attempt *core.Attempt) error {
	return w.store.WithDeliveryLock(ctx, ac.delivery.ID, false, func(ctx context.Context, tx storage.Store, d *core.Delivery) error {
		if d.Status != core.DeliveryStatusInProgress || d.LeaseID == nil || ac.delivery.LeaseID == nil || *d.LeaseID != *ac.delivery.LeaseID {
			w.log.Info("delivery changed state mid-attempt, outcome recorded without transition",
				zap.String("delivery_id", d.ID.String()), zap.String("status", string(d.Status)))
			return nil
		}
		var err error
		switch attempt.Outcome {
		case core.OutcomeSuccess:
			err = w.machine.CompleteSuccess(d, attempt.AttemptNumber)
		case core.OutcomeNonRetryableFailure:
			err = w.machine.CompleteNonRetryable(d, attempt.AttemptNumber, terminalReason(attempt))
		default:
			// Re-read the endpoint under the lock: a pause that began while
			// the HTTP call was in flight must count into the TTL arithmetic.
			var ep *core.Endpoint
			if ep, err = tx.GetEndpointByID(ctx, d.EndpointID); err == nil {
				err = w.machine.CompleteRetryable(d, attempt.AttemptNumber, ep)
			}
		}
		if err != nil {
			return err
		}
		d.UpdatedAt = w.clock.Now()
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return err
		}
		w.log.Info("attempt settled",
			zap.String("delivery_id", d.ID.String()),
			zap.Int("attempt", attempt.AttemptNumber),
			zap.String("outcome", string(attempt.Outcome)),
			zap.String("status", string(d.Status)))
		return nil
	})
}

func terminalReason(a *core.Attempt) string {
	detail := "request rejected"
	if a.ErrorDetail != nil {
		detail = *a.ErrorDetail
	} else if a.HTTPStatus != nil {
		detail = fmt.Sprintf("HTTP %d", *a.HTTPStatus)
	}
	return fmt.Sprintf("%s: %s", deref(a.Classification), detail)
}

func finish(a *core.Attempt, ended time.Time, res classify.Result) {
	latency := ended.Sub(a.StartedAt).Milliseconds()
	a.EndedAt = &ended
	a.LatencyMs = &latency
	a.Outcome = res.Outcome
	if res.Classification != "" {
		a.Classification = &res.Classification
	}
}

func flattenHeaders(h http.Header) core.Headers {
	out := core.Headers{}
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func deref(c *core.Classification) core.Classification {
	if c == nil {
		return ""
	}
	return *c
}
