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

// Package governor gates every AI call behind per-class rate windows and
// running cost accounting, and fronts the embedding path with a bounded
// content-hash cache.
package governor

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Class identifies an API capability class with its own rate window.
type Class string

const (
	ClassEmbedding  Class = "embedding"
	ClassCompletion Class = "completion"
)

// windowDuration is the fixed rate-limit bucket size. Counters reset on
// window expiry.
const windowDuration = 60 * time.Second

// Decision is the outcome of a CheckLimit call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string // "requests_limit" or "tokens_limit" when rejected
}

// Budget is the outcome of a CheckBudget call.
type Budget struct {
	Exceeded    bool
	Projected   float64 // projected monthly cost in USD
	Remaining   float64
	PercentUsed float64
}

// ClassLimits caps one capability class per window.
type ClassLimits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Pricing is USD per token for one model, split by direction.
type Pricing struct {
	InputPerToken  float64
	OutputPerToken float64
}

type window struct {
	limits   ClassLimits
	requests int
	tokens   int
	start    time.Time
}

type classCost struct {
	requests         int
	promptTokens     int
	completionTokens int
	cost             float64
}

// Governor enforces rate windows and tracks cumulative cost. All methods
// are safe for concurrent use; when two workers race on the last slot in
// a window, at most one proceeds.
type Governor struct {
	mu      sync.Mutex
	windows map[Class]*window
	pricing map[string]Pricing

	costs     map[Class]*classCost
	totalCost float64
	lastReset time.Time

	cache *embeddingCache

	now func() time.Time // test override
}

// Config holds governor construction parameters.
type Config struct {
	Limits  map[Class]ClassLimits
	Pricing map[string]Pricing // keyed by model name
	// MaxCacheEntries bounds the embedding cache; 0 uses the default.
	MaxCacheEntries int
}

// DefaultLimits mirror conservative provider allowances.
var DefaultLimits = map[Class]ClassLimits{
	ClassEmbedding:  {RequestsPerMinute: 500, TokensPerMinute: 1_000_000},
	ClassCompletion: {RequestsPerMinute: 100, TokensPerMinute: 200_000},
}

// New creates a governor. Missing limits fall back to DefaultLimits.
func New(cfg Config) *Governor {
	g := &Governor{
		windows: make(map[Class]*window),
		pricing: cfg.Pricing,
		costs: map[Class]*classCost{
			ClassEmbedding:  {},
			ClassCompletion: {},
		},
		lastReset: time.Now(),
		cache:     newEmbeddingCache(cfg.MaxCacheEntries),
		now:       time.Now,
	}
	if g.pricing == nil {
		g.pricing = map[string]Pricing{}
	}

	for class, def := range DefaultLimits {
		limits := def
		if cfg.Limits != nil {
			if l, ok := cfg.Limits[class]; ok {
				limits = l
			}
		}
		g.windows[class] = &window{limits: limits}
	}
	return g
}

// CheckLimit reports whether a call of the given class with the estimated
// unit count may proceed now. Rejected callers must back off for
// RetryAfter and never bypass the limit. Allowed calls reserve one
// request slot immediately so concurrent checks cannot both take the
// last one.
func (g *Governor) CheckLimit(class Class, estimatedUnits int) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[class]
	if !ok {
		return Decision{Allowed: true}
	}

	now := g.now()
	if w.start.IsZero() || now.Sub(w.start) >= windowDuration {
		w.requests = 0
		w.tokens = 0
		w.start = now
	}

	if w.requests >= w.limits.RequestsPerMinute {
		return Decision{
			Allowed:    false,
			RetryAfter: retryAfter(now, w.start),
			Reason:     "requests_limit",
		}
	}
	if w.tokens+estimatedUnits > w.limits.TokensPerMinute {
		return Decision{
			Allowed:    false,
			RetryAfter: retryAfter(now, w.start),
			Reason:     "tokens_limit",
		}
	}

	w.requests++
	return Decision{Allowed: true}
}

func retryAfter(now, start time.Time) time.Duration {
	remaining := windowDuration - now.Sub(start)
	if remaining <= 0 {
		return time.Second
	}
	// Round up to whole seconds so callers never retry a hair too early.
	return time.Duration(math.Ceil(remaining.Seconds())) * time.Second
}

// Record accounts the actual unit consumption of a completed call, keeping
// the window accurate when actuals differ from estimates.
func (g *Governor) Record(class Class, actualUnits int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if w, ok := g.windows[class]; ok {
		w.tokens += actualUnits
	}
}

// TrackCost adds the cost of one call to the running totals.
func (g *Governor) TrackCost(class Class, model string, promptTokens, completionTokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := g.pricing[model]
	cost := float64(promptTokens)*p.InputPerToken + float64(completionTokens)*p.OutputPerToken

	c := g.costs[class]
	if c == nil {
		c = &classCost{}
		g.costs[class] = c
	}
	c.requests++
	c.promptTokens += promptTokens
	c.completionTokens += completionTokens
	c.cost += cost
	g.totalCost += cost
}

// Stats is a snapshot of cumulative cost accounting.
type Stats struct {
	TotalCost            float64
	CostPerHour          float64
	ProjectedMonthlyCost float64
	EmbeddingRequests    int
	CompletionRequests   int
	CacheSize            int
}

// Stats returns the current cost snapshot with an hourly-rate projection.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{
		TotalCost: g.totalCost,
		CacheSize: g.cache.len(),
	}
	if c := g.costs[ClassEmbedding]; c != nil {
		s.EmbeddingRequests = c.requests
	}
	if c := g.costs[ClassCompletion]; c != nil {
		s.CompletionRequests = c.requests
	}

	hours := g.now().Sub(g.lastReset).Hours()
	if hours > 0 {
		s.CostPerHour = g.totalCost / hours
		s.ProjectedMonthlyCost = s.CostPerHour * 24 * 30
	}
	return s
}

// CheckBudget compares the hourly-rate monthly projection against the
// given ceiling. Callers seeing Exceeded must delay or skip, never
// silently exceed.
func (g *Governor) CheckBudget(monthlyLimit float64) Budget {
	s := g.Stats()

	b := Budget{
		Projected: s.ProjectedMonthlyCost,
		Remaining: monthlyLimit - s.ProjectedMonthlyCost,
		Exceeded:  s.ProjectedMonthlyCost > monthlyLimit,
	}
	if monthlyLimit > 0 {
		b.PercentUsed = s.ProjectedMonthlyCost / monthlyLimit * 100
	}
	return b
}

// ResetCosts zeroes the running totals, e.g. at a monthly boundary.
func (g *Governor) ResetCosts() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for class := range g.costs {
		g.costs[class] = &classCost{}
	}
	g.totalCost = 0
	g.lastReset = g.now()
}

// HashText returns the cache key for a text: a collision-resistant hash of
// the exact content, not a similarity hash.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CacheGet returns the cached embedding for a content hash, or nil.
func (g *Governor) CacheGet(hash string) []float32 {
	return g.cache.get(hash)
}

// CachePut stores an embedding under its content hash, evicting the oldest
// entry when full.
func (g *Governor) CachePut(hash string, vec []float32) {
	g.cache.put(hash, vec)
}
