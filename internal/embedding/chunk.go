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

// Package embedding turns contract and change text into vectors: chunking,
// pseudonymization, and governor-gated batched calls to the embedding
// capability.
package embedding

import "strings"

// Chunk splits text into word windows of at most maxWords with overlap
// words of back-reference between consecutive chunks. Text at or below
// maxWords comes back as a single chunk; empty chunks are dropped.
func Chunk(text string, maxWords, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if maxWords <= 0 {
		maxWords = 1
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= maxWords {
		overlap = maxWords - 1
	}

	if len(words) <= maxWords {
		return []string{strings.Join(words, " ")}
	}

	step := maxWords - overlap
	var chunks []string
	for start := 0; start < len(words); start += step {
		end := start + maxWords
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.TrimSpace(strings.Join(words[start:end], " "))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(words) {
			break
		}
	}
	return chunks
}

// EstimateTokens approximates the provider token count of a text. The
// 2.5 chars-per-token rule is deliberately conservative: real tokenizers
// run much higher than character estimates on German compound words,
// numbers and punctuation.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text)*2 + 4) / 5 // ceil(len/2.5)
}
