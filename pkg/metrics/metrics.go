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

// Package metrics holds the prometheus collectors for the delivery pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookway"

// Registry collects every pipeline metric; the operator serves it on the
// metrics port.
var Registry = prometheus.NewRegistry()

var (
	EventsIngested = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Events accepted by ingest.",
	})
	DeliveriesDeduplicated = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "deliveries_deduplicated_total",
		Help:      "Ingest requests answered with an existing delivery inside the dedup window.",
	})
	DeliveriesPromoted = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "deliveries_promoted_total",
		Help:      "Deliveries promoted from PENDING to SCHEDULED.",
	})
	DeliveriesDispatched = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "deliveries_dispatched_total",
		Help:      "Due deliveries enqueued for workers.",
	})
	DispatchSkips = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "dispatch_skips_total",
		Help:      "Due deliveries skipped during dispatch, by reason.",
	}, []string{"reason"})
	TickDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of periodic sweeps, by controller.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"controller"})
	Attempts = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "attempts_total",
		Help:      "Delivery attempts by outcome and classification.",
	}, []string{"outcome", "classification"})
	AttemptLatency = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "attempt_latency_seconds",
		Help:      "Wall-clock latency of outbound HTTP attempts.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})
	LeasesRecovered = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "leases_recovered_total",
		Help:      "Expired leases returned to SCHEDULED by the sweeper.",
	})
	KillSwitchSkips = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kill_switch_skips_total",
		Help:      "Passes skipped because the kill switch was engaged, by component.",
	}, []string{"component"})
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry in prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
