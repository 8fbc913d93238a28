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

// Package pipeline ties the stages together: change intake with
// fingerprint deduplication, the periodic scan that matches changes
// against contract chunks and raises notifications, and contract
// re-indexing.
package pipeline

import (
	"context"
	"time"

	"github.com/lexwatch/pulse/internal/models"
	"github.com/lexwatch/pulse/internal/scoring"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

// ChangeStore persists change records. detector.Store satisfies it.
type ChangeStore interface {
	Save(ctx context.Context, r models.ChangeRecord) error
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.ChangeRecord, error)
	ListPublishedBetween(ctx context.Context, from, to time.Time) ([]models.ChangeRecord, error)
}

// SeenChecker is the Redis fast path for already-ingested fingerprints.
type SeenChecker interface {
	IsNew(ctx context.Context, key string) (bool, error)
}

// Embedder produces vectors for texts. embedding.Service satisfies it.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the slice of the index the pipeline uses.
type VectorIndex interface {
	Upsert(ctx context.Context, collection vectorindex.Collection, entries []vectorindex.Entry) error
	Query(collection vectorindex.Collection, vector []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Result, error)
	DeleteByOwner(ctx context.Context, collection vectorindex.Collection, owner string) error
}

// ChangeSource yields the changes a scan pass works through.
type ChangeSource interface {
	DetectChanges(ctx context.Context, sinceDays int) ([]models.ChangeRecord, error)
}

// Scorer judges the impact of a change on a contract.
type Scorer interface {
	Score(ctx context.Context, change models.ChangeRecord, contract scoring.ContractInfo, matchedText string, relevance float64) models.ImpactScore
}

// NotificationSink receives the notifications a scan raises.
type NotificationSink interface {
	Create(ctx context.Context, n models.Notification) (bool, error)
	ExistsForChange(ctx context.Context, userID, contractID, fingerprint string) (bool, error)
}

// Config tunes the matching pipeline.
type Config struct {
	// SimilarityThreshold is the minimum cosine score for a match.
	SimilarityThreshold float64
	// TopK bounds how many chunks one change is compared against.
	TopK int
	// ChunkMaxWords and ChunkOverlap shape contract chunking.
	ChunkMaxWords int
	ChunkOverlap  int
	// NotificationTTL expires unresolved notifications.
	NotificationTTL time.Duration
}

// DefaultConfig mirrors the tuned production values.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		TopK:                30,
		ChunkMaxWords:       500,
		ChunkOverlap:        50,
		NotificationTTL:     30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = def.SimilarityThreshold
	}
	if c.TopK == 0 {
		c.TopK = def.TopK
	}
	if c.ChunkMaxWords == 0 {
		c.ChunkMaxWords = def.ChunkMaxWords
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = def.ChunkOverlap
	}
	if c.NotificationTTL == 0 {
		c.NotificationTTL = def.NotificationTTL
	}
	return c
}
