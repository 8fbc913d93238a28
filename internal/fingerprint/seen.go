// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fingerprint

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultSeenTTL is how long a fingerprint stays in the fast-path
	// filter. Source windows overlap by days, not weeks, so 7 days is safe.
	DefaultSeenTTL = 7 * 24 * time.Hour

	// seenKeyPrefix namespaces filter keys in Redis.
	seenKeyPrefix = "pulse:seen:"
)

// SeenFilter tracks which fingerprints have already been through intake.
// It is a fast path only; the change store remains the source of truth
// for merging.
type SeenFilter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSeenFilter creates a fingerprint filter backed by Redis.
func NewSeenFilter(rdb *redis.Client) *SeenFilter {
	return &SeenFilter{
		rdb: rdb,
		ttl: DefaultSeenTTL,
	}
}

// IsNew returns true if the fingerprint has NOT been seen before.
// If true, the fingerprint is marked as seen atomically (SETNX).
func (f *SeenFilter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, seenKeyPrefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("seen filter SETNX: %w", err)
	}
	return set, nil
}
