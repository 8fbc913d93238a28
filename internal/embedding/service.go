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

package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexwatch/pulse/internal/ai"
	"github.com/lexwatch/pulse/internal/governor"
)

// interBatchDelay spaces consecutive provider calls within one EmbedTexts
// invocation to respect throughput limits.
const interBatchDelay = 100 * time.Millisecond

// Embedder is the slice of the AI client the service needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, ai.Usage, error)
	EmbeddingModel() string
}

// Service coordinates the embedding path: cache in front, governor gate,
// batched provider calls behind.
type Service struct {
	client   Embedder
	governor *governor.Governor

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates an embedding service.
func NewService(client Embedder, gov *governor.Governor) *Service {
	return &Service{
		client:   client,
		governor: gov,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmbedText embeds a single text via the batch path.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts returns one vector per input text, in order. Cached texts are
// served without a provider call; the remainder is embedded in provider
// batches gated by the rate governor. A governor rejection blocks for the
// indicated backoff and retries once before giving up. Provider errors
// propagate: a silently missing embedding would corrupt similarity
// ranking downstream.
func (s *Service) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))

	// Cache pass.
	var missing []int
	for i, text := range texts {
		if vec := s.governor.CacheGet(governor.HashText(text)); vec != nil {
			out[i] = vec
		} else {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	for start := 0; start < len(missing); start += ai.MaxBatchInputs {
		end := start + ai.MaxBatchInputs
		if end > len(missing) {
			end = len(missing)
		}
		idx := missing[start:end]

		batch := make([]string, len(idx))
		tokens := 0
		for j, i := range idx {
			batch[j] = texts[i]
			tokens += EstimateTokens(texts[i])
		}

		if err := s.waitForSlot(ctx, tokens); err != nil {
			return nil, err
		}

		vecs, usage, err := s.client.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch of %d: %w", len(batch), err)
		}

		actual := usage.TotalTokens
		if actual == 0 {
			actual = tokens
		}
		s.governor.Record(governor.ClassEmbedding, actual)
		s.governor.TrackCost(governor.ClassEmbedding, s.client.EmbeddingModel(), actual, 0)

		for j, i := range idx {
			out[i] = vecs[j]
			s.governor.CachePut(governor.HashText(texts[i]), vecs[j])
		}

		if end < len(missing) {
			if err := s.sleep(ctx, interBatchDelay); err != nil {
				return nil, err
			}
		}
	}

	return out, nil
}

// waitForSlot checks the governor, sleeping through one rejection.
func (s *Service) waitForSlot(ctx context.Context, estTokens int) error {
	d := s.governor.CheckLimit(governor.ClassEmbedding, estTokens)
	if d.Allowed {
		return nil
	}

	slog.Warn("embedding rate limit reached, backing off",
		"retry_after", d.RetryAfter,
		"reason", d.Reason,
	)
	if err := s.sleep(ctx, d.RetryAfter); err != nil {
		return err
	}

	d = s.governor.CheckLimit(governor.ClassEmbedding, estTokens)
	if !d.Allowed {
		return fmt.Errorf("embedding rate limit still exceeded after backoff (%s)", d.Reason)
	}
	return nil
}
