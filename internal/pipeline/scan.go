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

	"github.com/google/uuid"

	"github.com/lexwatch/pulse/internal/embedding"
	"github.com/lexwatch/pulse/internal/models"
	"github.com/lexwatch/pulse/internal/scoring"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

// Scanner runs the matching pass: recent changes against the contract
// index, scored matches into notifications.
type Scanner struct {
	source        ChangeSource
	embed         Embedder
	index         VectorIndex
	scorer        Scorer
	notifications NotificationSink
	cfg           Config

	now func() time.Time // test override
}

// NewScanner wires a scan pass.
func NewScanner(source ChangeSource, embed Embedder, index VectorIndex, scorer Scorer, notifications NotificationSink, cfg Config) *Scanner {
	return &Scanner{
		source:        source,
		embed:         embed,
		index:         index,
		scorer:        scorer,
		notifications: notifications,
		cfg:           cfg.withDefaults(),
		now:           time.Now,
	}
}

// ScanStats summarises one scan pass.
type ScanStats struct {
	Changes       int
	Matches       int
	Notifications int
	Errors        int
}

// ScanOnce matches every change touched in the window against the contract
// index and raises one notification per (user, contract, change). A failure
// on one change aborts that change's matching only, never the pass.
func (s *Scanner) ScanOnce(ctx context.Context, sinceDays int) (ScanStats, error) {
	changes, err := s.source.DetectChanges(ctx, sinceDays)
	if err != nil {
		return ScanStats{}, fmt.Errorf("detect changes: %w", err)
	}

	stats := ScanStats{Changes: len(changes)}
	for _, change := range changes {
		matches, created, err := s.scanChange(ctx, change)
		if err != nil {
			stats.Errors++
			slog.Error("scan failed for change",
				"fingerprint", change.Fingerprint, "error", err)
			continue
		}
		stats.Matches += matches
		stats.Notifications += created
	}

	slog.Info("scan pass complete",
		"changes", stats.Changes, "matches", stats.Matches,
		"notifications", stats.Notifications, "errors", stats.Errors)
	return stats, nil
}

func (s *Scanner) scanChange(ctx context.Context, change models.ChangeRecord) (matches, created int, err error) {
	text := embedding.Pseudonymize(change.Title + "\n" + change.Text)
	vec, err := s.embed.EmbedText(ctx, text)
	if err != nil {
		return 0, 0, fmt.Errorf("embed change: %w", err)
	}

	results, err := s.index.Query(vectorindex.CollectionContracts, vec, s.cfg.TopK, vectorindex.Filter{})
	if err != nil {
		return 0, 0, fmt.Errorf("query contracts: %w", err)
	}

	for _, m := range dedupeByContract(results, s.cfg.SimilarityThreshold) {
		matches++
		ok, err := s.notify(ctx, change, m)
		if err != nil {
			// One contract's notification failing must not cost the
			// other contracts their alerts.
			slog.Error("notification creation failed",
				"fingerprint", change.Fingerprint,
				"contract", m.Entry.Meta.Owner, "error", err)
			continue
		}
		if ok {
			created++
		}
	}
	return matches, created, nil
}

// dedupeByContract keeps, per contract, only the best-scoring chunk at or
// above the threshold.
func dedupeByContract(results []vectorindex.Result, threshold float64) []vectorindex.Result {
	best := make(map[string]vectorindex.Result)
	var order []string
	for _, r := range results {
		if r.Score < threshold {
			continue
		}
		key := r.Entry.Meta.UserID + "/" + r.Entry.Meta.Owner
		if prev, ok := best[key]; !ok {
			best[key] = r
			order = append(order, key)
		} else if r.Score > prev.Score {
			best[key] = r
		}
	}
	out := make([]vectorindex.Result, 0, len(best))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func (s *Scanner) notify(ctx context.Context, change models.ChangeRecord, m vectorindex.Result) (bool, error) {
	meta := m.Entry.Meta

	exists, err := s.notifications.ExistsForChange(ctx, meta.UserID, meta.Owner, change.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("check existing notification: %w", err)
	}
	if exists {
		return false, nil
	}

	contract := scoring.ContractInfo{
		ID:   meta.Owner,
		Name: meta.ContractName,
		Type: meta.ContractType,
	}
	impact := s.scorer.Score(ctx, change, contract, m.Entry.Text, m.Score)

	sourceURL := ""
	if len(change.SourceURLs) > 0 {
		sourceURL = change.SourceURLs[0]
	}
	expires := s.now().Add(s.cfg.NotificationTTL)

	n := models.Notification{
		ID:                uuid.New().String(),
		UserID:            meta.UserID,
		ContractID:        meta.Owner,
		ChangeFingerprint: change.Fingerprint,
		Severity:          models.SeverityForPriority(impact.Priority),
		Title:             change.Title,
		Description: fmt.Sprintf(
			"Die Änderung betrifft Ihren Vertrag %q (Relevanz %.0f %%). %s",
			meta.ContractName, m.Score*100, impact.ActionRequired),
		SourceURL: sourceURL,
		Impact:    impact,
		ExpiresAt: &expires,
	}
	created, err := s.notifications.Create(ctx, n)
	if err != nil {
		return false, fmt.Errorf("create notification: %w", err)
	}
	return created, nil
}
