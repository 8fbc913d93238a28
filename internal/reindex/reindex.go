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

// Package reindex rebuilds the contract side of the vector index by
// walking stored contracts in pages and re-embedding each one. Intended
// for seeding new deployments and for recovery after an index wipe.
package reindex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexwatch/pulse/internal/pipeline"
)

// Request defines the scope of a reindex run.
type Request struct {
	// UserID restricts the run to one user's contracts; empty means all.
	UserID string
	// PageSize bounds one contract page; 0 uses the default.
	PageSize int
}

// Result summarises a completed run.
type Result struct {
	Contracts   int
	Chunks      int
	Errors      int
	Elapsed     time.Duration
	ContractIDs []string // contracts that failed, for operator follow-up
}

// ContractSource lists contracts page by page, ordered by id. A page
// shorter than pageSize ends the walk.
type ContractSource interface {
	ListContracts(ctx context.Context, userID, afterID string, pageSize int) ([]pipeline.Contract, error)
}

// Indexer is the pipeline stage doing the actual embedding work.
type Indexer interface {
	ReindexContract(ctx context.Context, c pipeline.Contract) (int, error)
}

// Runner walks contracts and reindexes them one at a time.
type Runner struct {
	store   ContractSource
	indexer Indexer

	// contractDelay spaces provider calls between contracts to stay
	// clear of embedding rate limits.
	contractDelay time.Duration
}

// RunnerConfig holds dependencies for the reindex runner.
type RunnerConfig struct {
	Store         ContractSource
	Indexer       Indexer
	ContractDelay time.Duration
}

// NewRunner creates a reindex runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.ContractDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		store:         cfg.Store,
		indexer:       cfg.Indexer,
		contractDelay: delay,
	}
}

// Run reindexes every contract in scope. Per-contract failures are
// recorded and skipped; only listing failures abort the run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	slog.Info("starting contract reindex", "user", req.UserID, "page_size", pageSize)

	result := &Result{}
	afterID := ""
	for {
		page, err := r.store.ListContracts(ctx, req.UserID, afterID, pageSize)
		if err != nil {
			return result, fmt.Errorf("list contracts after %q: %w", afterID, err)
		}
		if len(page) == 0 {
			break
		}

		for _, contract := range page {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			chunks, err := r.indexer.ReindexContract(ctx, contract)
			if err != nil {
				result.Errors++
				result.ContractIDs = append(result.ContractIDs, contract.ID)
				slog.Error("contract reindex failed",
					"contract_id", contract.ID, "error", err)
			} else {
				result.Contracts++
				result.Chunks += chunks
			}

			time.Sleep(r.contractDelay)
		}

		afterID = page[len(page)-1].ID
		if len(page) < pageSize {
			break
		}
	}

	result.Elapsed = time.Since(start)
	slog.Info("contract reindex complete",
		"contracts", result.Contracts, "chunks", result.Chunks,
		"errors", result.Errors, "elapsed", result.Elapsed)
	return result, nil
}
