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

// Package vectorindex provides an in-memory cosine-similarity index with a
// durable backing store. Memory is a cache; the store is the source of
// truth: every mutation writes through before it becomes visible, and the
// in-memory copy is rebuilt from the store on startup.
package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// Collection names the two logical vector collections.
type Collection string

const (
	CollectionContracts Collection = "contract_chunks"
	CollectionChanges   Collection = "change_records"
)

// Metadata describes the owner and scope of an entry, used for filtering.
type Metadata struct {
	Owner        string // contract id or change fingerprint
	UserID       string
	Area         string
	ChunkIndex   int
	TotalChunks  int
	ContractName string
	ContractType string
}

// Entry is one indexed vector with its source text and metadata.
type Entry struct {
	ID     string
	Vector []float32
	Text   string
	Meta   Metadata
}

// Result is one ranked query hit.
type Result struct {
	Entry Entry
	Score float64
}

// Filter restricts query candidates. Zero-value fields match everything.
type Filter struct {
	UserID string
	Area   string
	Owner  string
}

// Store is the durable side of the index.
type Store interface {
	Load(ctx context.Context, collection Collection) ([]Entry, error)
	Upsert(ctx context.Context, collection Collection, entries []Entry) error
	DeleteByOwner(ctx context.Context, collection Collection, owner string) ([]string, error)
}

// DimensionError reports a vector whose length differs from the index
// dimensionality. Heterogeneous dimensions are a hard error, never
// silently truncated or padded.
type DimensionError struct {
	ID        string
	Want, Got int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("vector %q has dimension %d, index requires %d", e.ID, e.Got, e.Want)
}

// Index holds both collections in memory over a durable store.
//
// Queries run a linear cosine scan, O(n·d) per query. At the expected
// corpus size (tens of thousands of chunks) this is an intentional scale
// boundary; a larger deployment would swap an approximate-nearest-neighbor
// structure in behind the same interface.
type Index struct {
	store Store
	dims  int

	mu   sync.RWMutex
	data map[Collection]map[string]Entry
}

// New creates an index for vectors of the given dimensionality.
func New(store Store, dims int) *Index {
	return &Index{
		store: store,
		dims:  dims,
		data: map[Collection]map[string]Entry{
			CollectionContracts: {},
			CollectionChanges:   {},
		},
	}
}

// Warm loads both collections from the durable store into memory. It must
// complete before the index serves queries.
func (ix *Index) Warm(ctx context.Context) error {
	for _, collection := range []Collection{CollectionContracts, CollectionChanges} {
		entries, err := ix.store.Load(ctx, collection)
		if err != nil {
			return fmt.Errorf("load %s: %w", collection, err)
		}

		ix.mu.Lock()
		m := make(map[string]Entry, len(entries))
		for _, e := range entries {
			if len(e.Vector) != ix.dims {
				ix.mu.Unlock()
				return &DimensionError{ID: e.ID, Want: ix.dims, Got: len(e.Vector)}
			}
			m[e.ID] = e
		}
		ix.data[collection] = m
		ix.mu.Unlock()

		slog.Info("vector collection loaded", "collection", collection, "entries", len(entries))
	}
	return nil
}

// Upsert validates and persists a batch, then publishes it to memory. An
// id already present is replaced atomically in both layers; a write that
// fails durable persistence never becomes visible to queries.
func (ix *Index) Upsert(ctx context.Context, collection Collection, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != ix.dims {
			return &DimensionError{ID: e.ID, Want: ix.dims, Got: len(e.Vector)}
		}
	}

	if err := ix.store.Upsert(ctx, collection, entries); err != nil {
		return fmt.Errorf("persist %d entries to %s: %w", len(entries), collection, err)
	}

	ix.mu.Lock()
	for _, e := range entries {
		ix.data[collection][e.ID] = e
	}
	ix.mu.Unlock()

	return nil
}

// Query ranks every entry passing the filter by cosine similarity to the
// query vector and returns the topK best, descending.
func (ix *Index) Query(collection Collection, vector []float32, topK int, filter Filter) ([]Result, error) {
	if len(vector) != ix.dims {
		return nil, &DimensionError{ID: "query", Want: ix.dims, Got: len(vector)}
	}
	if topK <= 0 {
		topK = 10
	}

	ix.mu.RLock()
	results := make([]Result, 0, topK)
	for _, e := range ix.data[collection] {
		if !filter.matches(e.Meta) {
			continue
		}
		results = append(results, Result{Entry: e, Score: CosineSimilarity(vector, e.Vector)})
	}
	ix.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteByOwner removes every entry whose metadata owner matches, from the
// durable store first, then from memory.
func (ix *Index) DeleteByOwner(ctx context.Context, collection Collection, owner string) error {
	deleted, err := ix.store.DeleteByOwner(ctx, collection, owner)
	if err != nil {
		return fmt.Errorf("delete %s entries for owner %s: %w", collection, owner, err)
	}

	ix.mu.Lock()
	for _, id := range deleted {
		delete(ix.data[collection], id)
	}
	// The store enumerates what it deleted; drop anything it missed too so
	// memory never serves entries the store no longer has.
	for id, e := range ix.data[collection] {
		if e.Meta.Owner == owner {
			delete(ix.data[collection], id)
		}
	}
	ix.mu.Unlock()

	slog.Info("vector entries deleted", "collection", collection, "owner", owner, "count", len(deleted))
	return nil
}

// Size returns the number of entries in a collection.
func (ix *Index) Size(collection Collection) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.data[collection])
}

func (f Filter) matches(m Metadata) bool {
	if f.UserID != "" && m.UserID != f.UserID {
		return false
	}
	if f.Area != "" && m.Area != f.Area {
		return false
	}
	if f.Owner != "" && m.Owner != f.Owner {
		return false
	}
	return true
}

// CosineSimilarity returns dot(a,b)/(‖a‖·‖b‖), or 0 when either norm is 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
