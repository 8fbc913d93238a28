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

// Package ai wraps the external embedding and completion capabilities
// behind a small HTTP client speaking the OpenAI-compatible wire format.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// MaxBatchInputs is the provider's per-call input limit for embeddings.
	MaxBatchInputs = 2048

	maxRetries   = 3
	initialDelay = 1 * time.Second
)

// DimensionError is returned when the provider hands back a vector whose
// length differs from the configured dimensionality. This is a fatal
// configuration error; vectors are never truncated or padded.
type DimensionError struct {
	Want, Got int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimensionality mismatch: want %d, got %d", e.Want, e.Got)
}

// Usage reports token consumption of a call, for governor accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Client issues embedding and completion requests.
type Client struct {
	apiKey          string
	baseURL         string
	embeddingModel  string
	completionModel string
	dimensions      int
	http            *http.Client
}

// Config holds the provider settings for a Client.
type Config struct {
	APIKey          string
	BaseURL         string // e.g. https://api.openai.com/v1
	EmbeddingModel  string
	CompletionModel string
	Dimensions      int
	Timeout         time.Duration
}

// NewClient creates a client for the configured provider.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiKey:          cfg.APIKey,
		baseURL:         cfg.BaseURL,
		embeddingModel:  cfg.EmbeddingModel,
		completionModel: cfg.CompletionModel,
		dimensions:      cfg.Dimensions,
		http:            &http.Client{Timeout: timeout},
	}
}

// EmbeddingModel returns the configured embedding model name.
func (c *Client) EmbeddingModel() string { return c.embeddingModel }

// CompletionModel returns the configured completion model name.
func (c *Client) CompletionModel() string { return c.completionModel }

// Dimensions returns the configured embedding dimensionality.
func (c *Client) Dimensions() int { return c.dimensions }

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// EmbedBatch embeds up to MaxBatchInputs texts in one provider call.
// Every returned vector is validated against the configured
// dimensionality. Provider errors propagate to the caller: a missing
// embedding corrupts similarity ranking, so there is no empty-vector
// fallback.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if len(texts) == 0 {
		return nil, Usage{}, fmt.Errorf("no texts provided")
	}
	if len(texts) > MaxBatchInputs {
		return nil, Usage{}, fmt.Errorf("batch size %d exceeds provider limit of %d", len(texts), MaxBatchInputs)
	}

	body, err := json.Marshal(embeddingRequest{Input: texts, Model: c.embeddingModel})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("marshal embedding request: %w", err)
	}

	respBody, err := c.post(ctx, c.baseURL+"/embeddings", body)
	if err != nil {
		return nil, Usage{}, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, Usage{}, fmt.Errorf("decode embedding response: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, Usage{}, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, Usage{}, fmt.Errorf("invalid embedding index %d", d.Index)
		}
		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			return nil, Usage{}, &DimensionError{Want: c.dimensions, Got: len(d.Embedding)}
		}
		vectors[d.Index] = d.Embedding
	}

	return vectors, Usage{PromptTokens: resp.Usage.TotalTokens, TotalTokens: resp.Usage.TotalTokens}, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete runs a bounded chat completion and returns the raw text of the
// first choice. The model may return malformed JSON even when asked not
// to; callers own the parsing.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, Usage, error) {
	req := chatRequest{
		Model: c.completionModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal completion request: %w", err)
	}

	respBody, err := c.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return "", Usage{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", Usage{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("completion returned no choices")
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// post issues the request with retry on 429 and 5xx responses.
func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("AI API key not configured")
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s
			delay := initialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var perr apiError
			if json.Unmarshal(respBody, &perr) == nil && perr.Error.Message != "" {
				lastErr = fmt.Errorf("provider error (HTTP %d): %s", resp.StatusCode, perr.Error.Message)
			} else {
				lastErr = fmt.Errorf("provider error (HTTP %d): %s", resp.StatusCode, string(respBody))
			}

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return nil, lastErr
		}

		return respBody, nil
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}
