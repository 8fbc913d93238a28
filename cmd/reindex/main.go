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

// LexWatch Pulse — Contract Reindex Command
//
// Standalone CLI tool that re-embeds and re-indexes contract chunks.
// Intended for seeding the vector index on new deployments and for
// recovery after an index wipe or an embedding-model change.
//
// Usage:
//
//	go run ./cmd/reindex/ [--user <userID>] [--page-size 100] [--delay 500ms]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexwatch/pulse/internal/ai"
	"github.com/lexwatch/pulse/internal/config"
	"github.com/lexwatch/pulse/internal/embedding"
	"github.com/lexwatch/pulse/internal/governor"
	"github.com/lexwatch/pulse/internal/pipeline"
	"github.com/lexwatch/pulse/internal/reindex"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	userFlag := flag.String("user", "", "Restrict to one user's contracts (optional; empty = all users)")
	pageFlag := flag.Int("page-size", 100, "Contracts per page")
	delayFlag := flag.Duration("delay", 500*time.Millisecond, "Pause between contracts")
	flag.Parse()

	slog.Info("starting contract reindex", "user", *userFlag)

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// --- Connect to PostgreSQL ---
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Embedding stack ---
	client := ai.NewClient(ai.Config{
		APIKey:          cfg.AI.APIKey,
		BaseURL:         cfg.AI.BaseURL,
		EmbeddingModel:  cfg.AI.EmbeddingModel,
		CompletionModel: cfg.AI.CompletionModel,
		Dimensions:      cfg.AI.Dimensions,
	})
	gov := governor.New(governor.Config{Pricing: modelPricing(cfg)})
	embedSvc := embedding.NewService(client, gov)

	vecStore, err := vectorindex.NewPGStore(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise vector store", "error", err)
		os.Exit(1)
	}
	// The index stays cold here: reindexing only deletes and rewrites
	// chunks, and loading vectors written by a previous embedding model
	// would trip the dimension check before any repair could happen.
	index := vectorindex.New(vecStore, cfg.AI.Dimensions)

	indexer := pipeline.NewIndexer(embedSvc, index, pipeline.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		TopK:                cfg.TopK,
	})

	// --- Run Reindex ---
	runner := reindex.NewRunner(reindex.RunnerConfig{
		Store:         reindex.NewContractStore(pool),
		Indexer:       indexer,
		ContractDelay: *delayFlag,
	})

	result, err := runner.Run(ctx, reindex.Request{
		UserID:   *userFlag,
		PageSize: *pageFlag,
	})
	if err != nil {
		slog.Error("reindex failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("reindex complete",
		"contracts", result.Contracts,
		"chunks", result.Chunks,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	for _, id := range result.ContractIDs {
		fmt.Fprintf(os.Stderr, "failed: %s\n", id)
	}
	if result.Errors > 0 {
		os.Exit(1)
	}
}

// modelPricing returns USD-per-token rates for the configured models.
func modelPricing(cfg *config.Config) map[string]governor.Pricing {
	return map[string]governor.Pricing{
		cfg.AI.EmbeddingModel:  {InputPerToken: 0.02 / 1e6},
		cfg.AI.CompletionModel: {InputPerToken: 0.15 / 1e6, OutputPerToken: 0.60 / 1e6},
	}
}
