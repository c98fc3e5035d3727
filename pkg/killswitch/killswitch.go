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

// Package killswitch exposes the process-wide emergency stop. The flag lives
// in the shared cache so one activation halts scheduling and worker entry
// across every replica; in-flight HTTP calls are never aborted.
package killswitch

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key is the shared cache key holding the flag.
const Key = "kill_switch"

const activeValue = "1"

// Switch reads and toggles the shared kill switch.
type Switch struct {
	client redis.UniversalClient
	log    *zap.Logger
}

func New(client redis.UniversalClient, log *zap.Logger) *Switch {
	return &Switch{client: client, log: log.Named("killswitch")}
}

// Active reports whether the switch is engaged. Read errors are logged and
// treated as inactive so a cache outage cannot halt delivery.
func (s *Switch) Active(ctx context.Context) bool {
	val, err := s.client.Get(ctx, Key).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.log.Warn("kill switch read failed, assuming inactive", zap.Error(err))
		return false
	}
	return val == activeValue
}

// Activate engages the switch with no expiry; it stays on until cleared.
func (s *Switch) Activate(ctx context.Context) error {
	return s.client.Set(ctx, Key, activeValue, 0).Err()
}

// Deactivate clears the switch.
func (s *Switch) Deactivate(ctx context.Context) error {
	return s.client.Del(ctx, Key).Err()
}
