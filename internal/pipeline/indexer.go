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

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lexwatch/pulse/internal/embedding"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

// Contract is the indexer's view of one customer contract.
type Contract struct {
	ID     string
	UserID string
	Name   string
	Type   string
	Text   string
}

// Indexer maintains the contract side of the vector index.
type Indexer struct {
	embed Embedder
	index VectorIndex
	cfg   Config
}

func NewIndexer(embed Embedder, index VectorIndex, cfg Config) *Indexer {
	return &Indexer{embed: embed, index: index, cfg: cfg.withDefaults()}
}

// ReindexContract replaces every indexed chunk of the contract with chunks
// of its current text. The old chunks are deleted first so a shrinking
// contract cannot leave stale tails behind.
func (ix *Indexer) ReindexContract(ctx context.Context, c Contract) (int, error) {
	if c.ID == "" {
		return 0, fmt.Errorf("reindex: contract id required")
	}

	chunks := embedding.Chunk(embedding.Pseudonymize(c.Text), ix.cfg.ChunkMaxWords, ix.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		if err := ix.index.DeleteByOwner(ctx, vectorindex.CollectionContracts, c.ID); err != nil {
			return 0, fmt.Errorf("delete chunks for %s: %w", c.ID, err)
		}
		return 0, nil
	}

	vectors, err := ix.embed.EmbedTexts(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed contract %s: %w", c.ID, err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed contract %s: got %d vectors for %d chunks", c.ID, len(vectors), len(chunks))
	}

	if err := ix.index.DeleteByOwner(ctx, vectorindex.CollectionContracts, c.ID); err != nil {
		return 0, fmt.Errorf("delete chunks for %s: %w", c.ID, err)
	}

	entries := make([]vectorindex.Entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = vectorindex.Entry{
			ID:     fmt.Sprintf("%s:%d", c.ID, i),
			Vector: vectors[i],
			Text:   chunk,
			Meta: vectorindex.Metadata{
				Owner:        c.ID,
				UserID:       c.UserID,
				ChunkIndex:   i,
				TotalChunks:  len(chunks),
				ContractName: c.Name,
				ContractType: c.Type,
			},
		}
	}
	if err := ix.index.Upsert(ctx, vectorindex.CollectionContracts, entries); err != nil {
		return 0, fmt.Errorf("upsert chunks for %s: %w", c.ID, err)
	}

	slog.Info("contract reindexed", "contract_id", c.ID, "chunks", len(chunks))
	return len(chunks), nil
}

// RemoveContract drops every indexed chunk of the contract, used when a
// contract is deleted or its owner leaves.
func (ix *Indexer) RemoveContract(ctx context.Context, contractID string) error {
	if err := ix.index.DeleteByOwner(ctx, vectorindex.CollectionContracts, contractID); err != nil {
		return fmt.Errorf("remove contract %s: %w", contractID, err)
	}
	return nil
}
