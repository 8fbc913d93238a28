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
	"sync"
	"testing"
	"time"

	"github.com/lexwatch/pulse/internal/ai"
	"github.com/lexwatch/pulse/internal/governor"
)

// mockEmbedder returns deterministic vectors and counts provider calls.
type mockEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, ai.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.fail != nil {
		return nil, ai.Usage{}, m.fail
	}

	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1}
	}
	return vecs, ai.Usage{TotalTokens: 10 * len(texts)}, nil
}

func (m *mockEmbedder) EmbeddingModel() string { return "test-embedding-model" }

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestService(mock *mockEmbedder) *Service {
	gov := governor.New(governor.Config{})
	svc := NewService(mock, gov)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc
}

func TestEmbedTexts_ReturnsVectorPerInput(t *testing.T) {
	mock := &mockEmbedder{}
	svc := newTestService(mock)

	vecs, err := svc.EmbedTexts(context.Background(), []string{"eins", "zwei", "drei"})
	if err != nil {
		t.Fatalf("EmbedTexts failed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if v == nil {
			t.Errorf("vector %d is nil", i)
		}
	}
}

func TestEmbedTexts_CacheAvoidsSecondCall(t *testing.T) {
	mock := &mockEmbedder{}
	svc := newTestService(mock)
	ctx := context.Background()

	if _, err := svc.EmbedTexts(ctx, []string{"identischer text"}); err != nil {
		t.Fatalf("first embed failed: %v", err)
	}
	if _, err := svc.EmbedTexts(ctx, []string{"identischer text"}); err != nil {
		t.Fatalf("second embed failed: %v", err)
	}

	if mock.callCount() != 1 {
		t.Errorf("provider called %d times, want 1 (second hit must come from cache)", mock.callCount())
	}
}

func TestEmbedTexts_ProviderErrorPropagates(t *testing.T) {
	mock := &mockEmbedder{fail: fmt.Errorf("provider down")}
	svc := newTestService(mock)

	_, err := svc.EmbedTexts(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("provider errors must propagate, not degrade to empty vectors")
	}
}

func TestEmbedTexts_GovernorRejectionRetriesOnce(t *testing.T) {
	mock := &mockEmbedder{}
	gov := governor.New(governor.Config{
		Limits: map[governor.Class]governor.ClassLimits{
			// One request per window: the first EmbedTexts consumes the slot.
			governor.ClassEmbedding: {RequestsPerMinute: 1, TokensPerMinute: 1_000_000},
		},
	})
	svc := NewService(mock, gov)

	slept := 0
	svc.sleep = func(context.Context, time.Duration) error {
		slept++
		return nil
	}

	ctx := context.Background()
	if _, err := svc.EmbedTexts(ctx, []string{"erster"}); err != nil {
		t.Fatalf("first embed failed: %v", err)
	}

	// Second call hits the exhausted window, backs off once, then errors
	// because the window has not rolled over.
	_, err := svc.EmbedTexts(ctx, []string{"zweiter"})
	if err == nil {
		t.Fatal("expected error after single backoff retry")
	}
	if slept == 0 {
		t.Error("service must block for the indicated backoff before retrying")
	}
}
