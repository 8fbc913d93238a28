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

package governor

import "sync"

// defaultMaxCacheEntries bounds the embedding cache at roughly
// 10k vectors × 1536 dims × 4 bytes ≈ 60 MB.
const defaultMaxCacheEntries = 10_000

// embeddingCache maps content hash -> embedding with evict-oldest-on-full
// semantics. Insertion order is tracked in a ring of keys.
type embeddingCache struct {
	mu      sync.Mutex
	max     int
	entries map[string][]float32
	order   []string // insertion order, oldest first
}

func newEmbeddingCache(max int) *embeddingCache {
	if max <= 0 {
		max = defaultMaxCacheEntries
	}
	return &embeddingCache{
		max:     max,
		entries: make(map[string][]float32),
	}
}

func (c *embeddingCache) get(hash string) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[hash]
}

func (c *embeddingCache) put(hash string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[hash]; exists {
		c.entries[hash] = vec
		return
	}

	if len(c.entries) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[hash] = vec
	c.order = append(c.order, hash)
}

func (c *embeddingCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
