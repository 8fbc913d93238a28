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

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func newTestClient(baseURL string, dims int) *Client {
	return NewClient(Config{
		APIKey:          "test-key",
		BaseURL:         baseURL,
		EmbeddingModel:  "text-embedding-3-small",
		CompletionModel: "gpt-4o-mini",
		Dimensions:      dims,
	})
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	var gotReq embeddingRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		mu.Unlock()

		// Provider may return entries in any order; index is authoritative.
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.4, 0.5, 0.6}, "index": 1},
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
			"usage": map[string]int{"total_tokens": 12},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	vecs, usage, err := c.EmbedBatch(context.Background(), []string{"erster Text", "zweiter Text"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1][0] != 0.4 {
		t.Errorf("vectors not reordered by index: %v", vecs)
	}
	if usage.TotalTokens != 12 {
		t.Errorf("usage.TotalTokens = %d, want 12", usage.TotalTokens)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReq.Model != "text-embedding-3-small" {
		t.Errorf("request model = %q", gotReq.Model)
	}
}

func TestEmbedBatchRejectsDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{{"embedding": []float32{0.1, 0.2}, "index": 0}},
			"usage": map[string]int{"total_tokens": 3},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	_, _, err := c.EmbedBatch(context.Background(), []string{"text"})

	var dimErr *DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected DimensionError, got %v", err)
	}
	if dimErr.Want != 3 || dimErr.Got != 2 {
		t.Errorf("DimensionError = want %d got %d", dimErr.Want, dimErr.Got)
	}
}

func TestEmbedBatchRetriesOnRateLimit(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "rate limit"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":  []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0}},
			"usage": map[string]int{"total_tokens": 3},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	vecs, _, err := c.EmbedBatch(context.Background(), []string{"text"})
	if err != nil {
		t.Fatalf("EmbedBatch after retry: %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vecs))
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("provider called %d times, want 2", calls)
	}
}

func TestEmbedBatchDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "invalid input"}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	if _, _, err := c.EmbedBatch(context.Background(), []string{"text"}); err == nil {
		t.Fatal("expected error on HTTP 400")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
}

func TestEmbedBatchValidatesInput(t *testing.T) {
	c := newTestClient("http://unused", 3)

	if _, _, err := c.EmbedBatch(context.Background(), nil); err == nil {
		t.Error("expected error for empty batch")
	}

	oversized := make([]string, MaxBatchInputs+1)
	for i := range oversized {
		oversized[i] = "x"
	}
	if _, _, err := c.EmbedBatch(context.Background(), oversized); err == nil {
		t.Error("expected error for oversized batch")
	}
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	var mu sync.Mutex
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&gotReq)
		mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `{"prioritaet": 72}`}},
			},
			"usage": map[string]int{"prompt_tokens": 40, "completion_tokens": 8, "total_tokens": 48},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	text, usage, err := c.Complete(context.Background(), "Du bist ein Jurist.", "Bewerte die Änderung.", 500, 0.2)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != `{"prioritaet": 72}` {
		t.Errorf("text = %q", text)
	}
	if usage.PromptTokens != 40 || usage.CompletionTokens != 8 {
		t.Errorf("usage = %+v", usage)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotReq.Model != "gpt-4o-mini" {
		t.Errorf("request model = %q", gotReq.Model)
	}
	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", gotReq.ResponseFormat)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
}

func TestCompleteRejectsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 3)
	if _, _, err := c.Complete(context.Background(), "system", "user", 100, 0); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
