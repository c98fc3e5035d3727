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

package options

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/hookway/hookway/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet

	// Service
	APIPort     int
	MetricsPort int
	PostgresDSN string
	RedisURL    string
	ConfigFile  string

	// Delivery lifecycle
	MaxPayloadSize         int
	MaxAttempts            int
	MaxDeliveryTTLHours    int
	LeaseDurationSeconds   int
	LeaseRecoverySeconds   int
	MaxEndpointConcurrency int
	DedupWindowHours       int
	AttemptTimeoutSeconds  int
	MaxReplayBatchSize     int

	// Workers and sweeps
	WorkerCount         int
	SchedulerIntervalMS int
	RecoveryIntervalMS  int
	SchedulerBatchSize  int
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("hookway", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.APIPort, "api-port", env.WithDefaultInt("API_PORT", 8080), "The port the tenant API binds to")
	f.IntVar(&opts.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8081), "The port the metrics endpoint binds to")
	f.StringVar(&opts.PostgresDSN, "postgres-dsn", env.WithDefaultString("POSTGRES_DSN", ""), "The Postgres connection string for the durable store")
	f.StringVar(&opts.RedisURL, "redis-url", env.WithDefaultString("REDIS_URL", "redis://localhost:6379"), "The Redis URL for the work queue and kill switch")
	f.StringVar(&opts.ConfigFile, "config-file", env.WithDefaultString("CONFIG_FILE", ""), "Optional TOML file with option overrides; explicit flags win")

	f.IntVar(&opts.MaxPayloadSize, "max-payload-size", env.WithDefaultInt("MAX_PAYLOAD_SIZE", 256*1024), "Maximum canonical payload size in bytes accepted at ingest")
	f.IntVar(&opts.MaxAttempts, "max-attempts", env.WithDefaultInt("MAX_ATTEMPTS", 12), "Maximum delivery attempts before a delivery is marked FAILED")
	f.IntVar(&opts.MaxDeliveryTTLHours, "max-delivery-ttl-hours", env.WithDefaultInt("MAX_DELIVERY_TTL_HOURS", 24), "Hours after first scheduling before a delivery is marked EXPIRED")
	f.IntVar(&opts.LeaseDurationSeconds, "lease-duration-seconds", env.WithDefaultInt("LEASE_DURATION_SECONDS", 60), "Seconds a worker lease on a delivery remains valid")
	f.IntVar(&opts.LeaseRecoverySeconds, "lease-recovery-delay-seconds", env.WithDefaultInt("LEASE_RECOVERY_DELAY_SECONDS", 30), "Seconds a recovered delivery waits before becoming due again")
	f.IntVar(&opts.MaxEndpointConcurrency, "max-endpoint-concurrency", env.WithDefaultInt("MAX_ENDPOINT_CONCURRENCY", 10), "Maximum simultaneous in-flight deliveries per endpoint")
	f.IntVar(&opts.DedupWindowHours, "dedup-window-hours", env.WithDefaultInt("DEDUP_WINDOW_HOURS", 24), "Hours inside which resubmissions collapse onto the existing delivery")
	f.IntVar(&opts.AttemptTimeoutSeconds, "attempt-timeout-seconds", env.WithDefaultInt("DEFAULT_ATTEMPT_TIMEOUT_SECONDS", 30), "Default per-attempt HTTP timeout when the endpoint sets none")
	f.IntVar(&opts.MaxReplayBatchSize, "max-replay-batch-size", env.WithDefaultInt("MAX_REPLAY_BATCH_SIZE", 1000), "Maximum deliveries per replay batch")

	f.IntVar(&opts.WorkerCount, "worker-count", env.WithDefaultInt("WORKER_COUNT", 8), "Delivery workers to run in this process")
	f.IntVar(&opts.SchedulerIntervalMS, "scheduler-interval-ms", env.WithDefaultInt("SCHEDULER_INTERVAL_MS", 1000), "Milliseconds between scheduler sweeps")
	f.IntVar(&opts.RecoveryIntervalMS, "recovery-interval-ms", env.WithDefaultInt("RECOVERY_INTERVAL_MS", 5000), "Milliseconds between lease recovery sweeps")
	f.IntVar(&opts.SchedulerBatchSize, "scheduler-batch-size", env.WithDefaultInt("SCHEDULER_BATCH_SIZE", 500), "Maximum deliveries touched per scheduler sweep phase")
	return opts
}

// MustParse reads the user passed flags, environment variables, config file,
// and default values. Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if o.ConfigFile != "" {
		if err := o.loadConfigFile(os.Args[1:]); err != nil {
			panic(err)
		}
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

// loadConfigFile applies TOML overrides, then re-parses the command line so
// explicit flags keep the last word.
func (o *Options) loadConfigFile(args []string) error {
	raw, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(raw, o); err != nil {
		return fmt.Errorf("parsing config file %q: %w", o.ConfigFile, err)
	}
	return o.Parse(args)
}

func (o Options) Validate() (err error) {
	if o.PostgresDSN == "" {
		err = multierr.Append(err, fmt.Errorf("POSTGRES_DSN is required"))
	}
	err = multierr.Append(err, o.validateRedisURL())
	if o.MaxAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("max-attempts must be at least 1"))
	}
	if o.MaxEndpointConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("max-endpoint-concurrency must be at least 1"))
	}
	if o.MaxPayloadSize < 1 {
		err = multierr.Append(err, fmt.Errorf("max-payload-size must be positive"))
	}
	if o.WorkerCount < 1 {
		err = multierr.Append(err, fmt.Errorf("worker-count must be at least 1"))
	}
	return err
}

func (o Options) validateRedisURL() error {
	u, err := url.Parse(o.RedisURL)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q not a valid REDIS_URL", o.RedisURL)
	}
	return nil
}

func (o Options) LeaseDuration() time.Duration {
	return time.Duration(o.LeaseDurationSeconds) * time.Second
}

func (o Options) LeaseRecoveryDelay() time.Duration {
	return time.Duration(o.LeaseRecoverySeconds) * time.Second
}

func (o Options) MaxDeliveryTTL() time.Duration {
	return time.Duration(o.MaxDeliveryTTLHours) * time.Hour
}

func (o Options) DedupWindow() time.Duration {
	return time.Duration(o.DedupWindowHours) * time.Hour
}

func (o Options) AttemptTimeout() time.Duration {
	return time.Duration(o.AttemptTimeoutSeconds) * time.Second
}

func (o Options) SchedulerInterval() time.Duration {
	return time.Duration(o.SchedulerIntervalMS) * time.Millisecond
}

func (o Options) RecoveryInterval() time.Duration {
	return time.Duration(o.RecoveryIntervalMS) * time.Millisecond
}
