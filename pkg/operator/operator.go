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

// Package operator assembles the process: storage, queue, state machine,
// controllers, workers and the HTTP servers, with coordinated shutdown.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/hookway/hookway/pkg/apiserver"
	"github.com/hookway/hookway/pkg/backoff"
	"github.com/hookway/hookway/pkg/cache"
	deliveryworker "github.com/hookway/hookway/pkg/controllers/delivery"
	"github.com/hookway/hookway/pkg/controllers/leaserecovery"
	"github.com/hookway/hookway/pkg/controllers/scheduling"
	"github.com/hookway/hookway/pkg/ingest"
	"github.com/hookway/hookway/pkg/killswitch"
	"github.com/hookway/hookway/pkg/metrics"
	"github.com/hookway/hookway/pkg/operator/options"
	"github.com/hookway/hookway/pkg/queue"
	"github.com/hookway/hookway/pkg/replay"
	"github.com/hookway/hookway/pkg/state"
	"github.com/hookway/hookway/pkg/storage/postgres"
)

const shutdownGrace = 10 * time.Second

// Operator owns every long-lived component of the process.
type Operator struct {
	opts       *options.Options
	log        *zap.Logger
	store      *postgres.Store
	redis      *redis.Client
	scheduler  *scheduling.Controller
	recoverer  *leaserecovery.Controller
	workers    []*deliveryworker.Worker
	api        *apiserver.Server
}

// New connects the backing services and wires the components.
func New(ctx context.Context, opts *options.Options, log *zap.Logger) (*Operator, error) {
	db, err := postgres.Open(ctx, opts.PostgresDSN)
	if err != nil {
		return nil, err
	}
	store := postgres.New(db)

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	clk := clock.RealClock{}
	machine := state.NewMachine(clk, backoff.New(), state.Config{
		LeaseDuration:      opts.LeaseDuration(),
		LeaseRecoveryDelay: opts.LeaseRecoveryDelay(),
		MaxAttempts:        opts.MaxAttempts,
		MaxDeliveryTTL:     opts.MaxDeliveryTTL(),
	})
	q := queue.NewRedisQueue(redisClient, queue.DefaultKey)
	ks := killswitch.New(redisClient, log)
	endpoints := cache.NewEndpoints(store)

	ingestSvc := ingest.NewService(store, clk, ingest.Config{
		MaxPayloadSize: opts.MaxPayloadSize,
		DedupWindow:    opts.DedupWindow(),
	}, log)
	replaySvc := replay.NewService(store, clk, replay.Config{MaxBatchSize: opts.MaxReplayBatchSize}, log)

	o := &Operator{
		opts:  opts,
		log:   log,
		store: store,
		redis: redisClient,
		scheduler: scheduling.NewController(store, machine, q, endpoints, ks, clk, scheduling.Config{
			Interval:               opts.SchedulerInterval(),
			BatchSize:              opts.SchedulerBatchSize,
			MaxEndpointConcurrency: opts.MaxEndpointConcurrency,
		}, log),
		recoverer: leaserecovery.NewController(store, machine, clk, leaserecovery.Config{
			Interval:  opts.RecoveryInterval(),
			BatchSize: opts.SchedulerBatchSize,
		}, log),
		api: apiserver.NewServer(store, ingestSvc, replaySvc, machine, endpoints, ks, clk, log),
	}
	for i := 0; i < opts.WorkerCount; i++ {
		o.workers = append(o.workers, deliveryworker.NewWorker(store, machine, q, ks, clk, deliveryworker.Config{
			DefaultAttemptTimeout: opts.AttemptTimeout(),
		}, log))
	}
	return o, nil
}

// Start runs every component until a termination signal, then drains.
func (o *Operator) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			o.log.Info("component stopped", zap.String("component", name))
		}()
	}

	run("scheduler", o.scheduler.Run)
	run("leaserecovery", o.recoverer.Run)
	for i, w := range o.workers {
		run(fmt.Sprintf("worker-%d", i), w.Run)
	}

	apiSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", o.opts.APIPort),
		Handler: o.api.Router(),
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", o.opts.MetricsPort),
		Handler: metrics.Handler(),
	}
	for name, srv := range map[string]*http.Server{"api": apiSrv, "metrics": metricsSrv} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.log.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				o.log.Error("server failed", zap.String("server", name), zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	o.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	return o.redis.Close()
}
