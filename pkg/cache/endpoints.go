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

// Package cache provides a short-TTL read-through cache for endpoint rows on
// the scheduler hot path. Only advisory decisions (pause skips, concurrency
// pre-checks) read through it; lease acquisition always re-reads the row
// inside the transaction, so staleness here can over-dispatch but never
// violate the endpoint precondition.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/hookway/hookway/pkg/apis/core"
	"github.com/hookway/hookway/pkg/storage"
)

const (
	// EndpointTTL bounds how stale an advisory pause check can be.
	EndpointTTL     = 5 * time.Second
	cleanupInterval = time.Minute
)

// Endpoints caches endpoint rows by id.
type Endpoints struct {
	store storage.Store
	cache *cache.Cache
}

func NewEndpoints(store storage.Store) *Endpoints {
	return &Endpoints{
		store: store,
		cache: cache.New(EndpointTTL, cleanupInterval),
	}
}

// Get returns the endpoint, from cache when fresh.
func (c *Endpoints) Get(ctx context.Context, id uuid.UUID) (*core.Endpoint, error) {
	if cached, found := c.cache.Get(id.String()); found {
		return cached.(*core.Endpoint), nil
	}
	ep, err := c.store.GetEndpointByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(id.String(), ep)
	return ep, nil
}

// Invalidate drops a cached endpoint, forcing the next Get to re-read.
func (c *Endpoints) Invalidate(id uuid.UUID) {
	c.cache.Delete(id.String())
}
