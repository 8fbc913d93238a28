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
	"time"

	"github.com/lexwatch/pulse/internal/embedding"
	"github.com/lexwatch/pulse/internal/fingerprint"
	"github.com/lexwatch/pulse/internal/models"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

// duplicateScanWindow bounds the fuzzy-duplicate candidate scan around a
// record's publication day. Cross-source duplicates of one change arrive
// within days of each other; an unbounded scan would walk the whole table.
const duplicateScanWindow = 7 * 24 * time.Hour

// Intake ingests raw change records: it fingerprints each, merges
// duplicates into their canonical row, persists the result, and indexes
// the change text for similarity search.
type Intake struct {
	changes ChangeStore
	seen    SeenChecker
	embed   Embedder
	index   VectorIndex

	now func() time.Time // test override
}

// NewIntake wires the intake stage.
func NewIntake(changes ChangeStore, seen SeenChecker, embed Embedder, index VectorIndex) *Intake {
	return &Intake{
		changes: changes,
		seen:    seen,
		embed:   embed,
		index:   index,
		now:     time.Now,
	}
}

// IntakeStats summarises one ingestion batch.
type IntakeStats struct {
	Received int
	New      int
	Merged   int
	Errors   int
}

// Ingest processes a batch of fetched records. Per-record integrity errors
// are logged and skipped; the batch always runs to completion.
func (in *Intake) Ingest(ctx context.Context, records []models.ChangeRecord) IntakeStats {
	stats := IntakeStats{Received: len(records)}
	for _, rec := range records {
		merged, err := in.ingestOne(ctx, rec)
		switch {
		case err != nil:
			stats.Errors++
			slog.Error("change intake failed", "title", rec.Title, "error", err)
		case merged:
			stats.Merged++
		default:
			stats.New++
		}
	}
	slog.Info("change intake complete",
		"received", stats.Received, "new", stats.New,
		"merged", stats.Merged, "errors", stats.Errors)
	return stats
}

// ingestOne stores one record, reporting whether it was merged into an
// existing row.
func (in *Intake) ingestOne(ctx context.Context, rec models.ChangeRecord) (bool, error) {
	if rec.Title == "" {
		return false, fmt.Errorf("record has no title")
	}

	now := in.now()
	rec.Fingerprint = fingerprint.Key(rec.Title, rec.PublishedAt)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	// Redis fast path. A fresh fingerprint skips the duplicate lookups;
	// a Redis error only costs us the shortcut.
	fresh, err := in.seen.IsNew(ctx, rec.Fingerprint)
	if err != nil {
		slog.Warn("seen filter unavailable", "error", err)
		fresh = false
	}

	if !fresh {
		existing, err := in.changes.GetByFingerprint(ctx, rec.Fingerprint)
		if err != nil {
			return false, fmt.Errorf("lookup fingerprint %s: %w", rec.Fingerprint, err)
		}
		if existing != nil {
			return true, in.merge(ctx, *existing, rec)
		}
	}

	// Cross-source duplicates fingerprint differently when titles carry
	// source-specific prefixes or the sources disagree on the publication
	// date; the fuzzy check catches both.
	day := rec.PublishedAt.UTC().Truncate(24 * time.Hour)
	nearby, err := in.changes.ListPublishedBetween(ctx,
		day.Add(-duplicateScanWindow), day.Add(24*time.Hour+duplicateScanWindow))
	if err != nil {
		return false, fmt.Errorf("duplicate scan: %w", err)
	}
	for _, candidate := range nearby {
		if candidate.Fingerprint == rec.Fingerprint {
			return true, in.merge(ctx, candidate, rec)
		}
		if fingerprint.AreLikelyDuplicates(candidate, rec) {
			rec.Fingerprint = candidate.Fingerprint
			return true, in.merge(ctx, candidate, rec)
		}
	}

	if err := in.changes.Save(ctx, rec); err != nil {
		return false, fmt.Errorf("save change %s: %w", rec.Fingerprint, err)
	}
	if err := in.indexChange(ctx, rec); err != nil {
		return false, fmt.Errorf("index change %s: %w", rec.Fingerprint, err)
	}
	return false, nil
}

func (in *Intake) merge(ctx context.Context, existing, incoming models.ChangeRecord) error {
	merged := fingerprint.Merge(existing, incoming)
	if err := in.changes.Save(ctx, merged); err != nil {
		return fmt.Errorf("save merged change %s: %w", merged.Fingerprint, err)
	}
	// Re-index when the merge changed the operative text.
	if merged.Text != existing.Text || merged.Title != existing.Title {
		if err := in.indexChange(ctx, merged); err != nil {
			return fmt.Errorf("reindex merged change %s: %w", merged.Fingerprint, err)
		}
	}
	return nil
}

func (in *Intake) indexChange(ctx context.Context, rec models.ChangeRecord) error {
	text := embedding.Pseudonymize(rec.Title + "\n" + rec.Text)
	vec, err := in.embed.EmbedText(ctx, text)
	if err != nil {
		return fmt.Errorf("embed change text: %w", err)
	}
	entry := vectorindex.Entry{
		ID:     rec.Fingerprint,
		Vector: vec,
		Text:   text,
		Meta: vectorindex.Metadata{
			Owner: rec.Fingerprint,
			Area:  rec.Area,
		},
	}
	return in.index.Upsert(ctx, vectorindex.CollectionChanges, []vectorindex.Entry{entry})
}
