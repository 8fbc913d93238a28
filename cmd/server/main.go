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

// LexWatch Pulse — Regulatory Change Matching & Notification Service
//
// Entry point for the pulse service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Warms the in-memory vector index from the durable store
//  4. Serves the ingest endpoint where source fetchers post change batches
//  5. Runs the scheduled scan pass (changes × contracts → notifications)
//  6. Runs the delivery workers (notification dispatch, email queue)
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/lexwatch/pulse/internal/ai"
	"github.com/lexwatch/pulse/internal/config"
	"github.com/lexwatch/pulse/internal/detector"
	"github.com/lexwatch/pulse/internal/embedding"
	"github.com/lexwatch/pulse/internal/fingerprint"
	"github.com/lexwatch/pulse/internal/governor"
	"github.com/lexwatch/pulse/internal/ingest"
	"github.com/lexwatch/pulse/internal/mailer"
	"github.com/lexwatch/pulse/internal/notify"
	"github.com/lexwatch/pulse/internal/pipeline"
	"github.com/lexwatch/pulse/internal/scoring"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

// changeRetention is how long fingerprinted change records stay queryable
// before the purge pass removes them.
const changeRetention = 2 * 365 * 24 * time.Hour

// sentEmailRetention keeps sent queue rows around for audit before purge.
const sentEmailRetention = 7 * 24 * time.Hour

// suppressor joins address health and unsubscribe preferences into the
// single check the dispatcher wants.
type suppressor struct {
	*mailer.HealthStore
	*mailer.Unsubscribes
}

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting LexWatch pulse service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"scan_spec", cfg.ScanSpec,
		"similarity_threshold", cfg.SimilarityThreshold,
		"embedding_model", cfg.AI.EmbeddingModel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores ---
	changeStore, err := detector.NewStore(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise change store", "error", err)
		os.Exit(1)
	}
	notifyStore, err := notify.NewPGStore(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise notification store", "error", err)
		os.Exit(1)
	}
	contacts, err := notify.NewContactStore(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise contact store", "error", err)
		os.Exit(1)
	}
	emailQueue, err := mailer.NewQueue(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise email queue", "error", err)
		os.Exit(1)
	}
	health, err := mailer.NewHealthStore(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise email health store", "error", err)
		os.Exit(1)
	}
	unsubs, err := mailer.NewUnsubscribes(ctx, pool, cfg.UnsubscribeSecret)
	if err != nil {
		slog.Error("failed to initialise unsubscribe store", "error", err)
		os.Exit(1)
	}

	// --- Vector index (warm before serving) ---
	vecStore, err := vectorindex.NewPGStore(ctx, pool)
	if err != nil {
		slog.Error("failed to initialise vector store", "error", err)
		os.Exit(1)
	}
	index := vectorindex.New(vecStore, cfg.AI.Dimensions)
	if err := index.Warm(ctx); err != nil {
		slog.Error("failed to warm vector index", "error", err)
		os.Exit(1)
	}
	slog.Info("vector index warmed",
		"contracts", index.Size(vectorindex.CollectionContracts),
		"changes", index.Size(vectorindex.CollectionChanges),
	)

	// --- AI stack ---
	client := ai.NewClient(ai.Config{
		APIKey:          cfg.AI.APIKey,
		BaseURL:         cfg.AI.BaseURL,
		EmbeddingModel:  cfg.AI.EmbeddingModel,
		CompletionModel: cfg.AI.CompletionModel,
		Dimensions:      cfg.AI.Dimensions,
	})
	gov := governor.New(governor.Config{
		Pricing: map[string]governor.Pricing{
			cfg.AI.EmbeddingModel:  {InputPerToken: 0.02 / 1e6},
			cfg.AI.CompletionModel: {InputPerToken: 0.15 / 1e6, OutputPerToken: 0.60 / 1e6},
		},
	})
	embedSvc := embedding.NewService(client, gov)
	scorer := scoring.New(client, gov, cfg.AI.MonthlyBudgetUSD)

	// --- Pipeline ---
	pipeCfg := pipeline.Config{
		SimilarityThreshold: cfg.SimilarityThreshold,
		TopK:                cfg.TopK,
	}
	seen := fingerprint.NewSeenFilter(rdb)
	intake := pipeline.NewIntake(changeStore, seen, embedSvc, index)
	det := detector.New(changeStore)
	scanner := pipeline.NewScanner(det, embedSvc, index, scorer, notifyStore, pipeCfg)

	// --- Delivery ---
	suppress := suppressor{HealthStore: health, Unsubscribes: unsubs}
	dispatcher := notify.NewDispatcher(notifyStore, notify.NewRedisInbox(rdb), emailQueue, suppress, contacts,
		notify.DispatcherConfig{AdminEmail: cfg.AdminEmail})

	transport := mailer.NewSMTPTransport(mailer.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
	processor := mailer.NewProcessor(emailQueue, transport, health, unsubs,
		mailer.ProcessorConfig{AdminEmail: cfg.AdminEmail})

	// --- Scheduled passes ---
	sched := cron.New()
	_, err = sched.AddFunc(cfg.ScanSpec, func() {
		if _, err := scanner.ScanOnce(ctx, cfg.ScanSinceDays); err != nil {
			slog.Error("scan pass failed", "error", err)
		}
	})
	if err != nil {
		slog.Error("invalid scan schedule", "spec", cfg.ScanSpec, "error", err)
		os.Exit(1)
	}
	_, err = sched.AddFunc(cfg.PurgeSpec, func() {
		if n, err := notifyStore.ExpireOld(ctx); err != nil {
			slog.Error("notification expiry failed", "error", err)
		} else if n > 0 {
			slog.Info("expired notifications", "count", n)
		}
		if n, err := emailQueue.PurgeSent(ctx, sentEmailRetention); err != nil {
			slog.Error("email queue purge failed", "error", err)
		} else if n > 0 {
			slog.Info("purged sent emails", "count", n)
		}
		if n, err := changeStore.PurgeOlderThan(ctx, time.Now().Add(-changeRetention)); err != nil {
			slog.Error("change purge failed", "error", err)
		} else if n > 0 {
			slog.Info("purged stale changes", "count", n)
		}
	})
	if err != nil {
		slog.Error("invalid purge schedule", "spec", cfg.PurgeSpec, "error", err)
		os.Exit(1)
	}
	sched.Start()

	// --- Delivery workers ---
	go runWorker(ctx, "notification dispatch", cfg.DispatchInterval, func() error {
		_, err := dispatcher.ProcessOnce(ctx)
		return err
	})
	go runWorker(ctx, "email queue", cfg.MailInterval, func() error {
		_, err := processor.ProcessOnce(ctx)
		return err
	})

	// --- HTTP server (ingest + health) ---
	ingestHandler := ingest.NewHandler(intake, cfg.IngestToken)

	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/changes", ingestHandler.ServeChanges)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 6 * time.Minute, // ingest batches embed synchronously
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop all background goroutines

		cronCtx := sched.Stop()
		<-cronCtx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pool.Close()
	}()

	slog.Info("pulse service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("pulse service stopped")
}

// runWorker drives a ProcessOnce-style pass on a fixed interval until the
// context ends. Pass errors are logged, never fatal.
func runWorker(ctx context.Context, name string, interval time.Duration, pass func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "worker", name)
			return
		case <-ticker.C:
			if err := pass(); err != nil {
				slog.Error("worker pass failed", "worker", name, "error", err)
			}
		}
	}
}
