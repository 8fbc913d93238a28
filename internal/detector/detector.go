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

package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lexwatch/pulse/internal/models"
)

// Source is the slice of the store the detector reads from. The Postgres
// Store satisfies it; tests substitute an in-memory fake.
type Source interface {
	ListUpdatedSince(ctx context.Context, since time.Time, area string) ([]models.ChangeRecord, error)
	Get(ctx context.Context, id string) (*models.ChangeRecord, error)
}

// Stats summarises change activity over a detection window.
type Stats struct {
	Total          int            `json:"total"`
	ByArea         map[string]int `json:"by_area"`
	MostActiveArea string         `json:"most_active_area"`
	SinceDays      int            `json:"since_days"`
}

// Detector answers time-windowed queries over stored change records and
// classifies each result as new or updated relative to the window.
type Detector struct {
	src Source

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a detector over the given record source.
func New(src Source) *Detector {
	return &Detector{src: src, now: time.Now}
}

// DetectChanges returns records touched within the last sinceDays days,
// newest first, each classified as new (created inside the window) or
// updated (created before it, refreshed inside it).
func (d *Detector) DetectChanges(ctx context.Context, sinceDays int) ([]models.ChangeRecord, error) {
	return d.detect(ctx, "", sinceDays)
}

// DetectChangesByArea is DetectChanges restricted to one legal area.
func (d *Detector) DetectChangesByArea(ctx context.Context, area string, sinceDays int) ([]models.ChangeRecord, error) {
	return d.detect(ctx, area, sinceDays)
}

func (d *Detector) detect(ctx context.Context, area string, sinceDays int) ([]models.ChangeRecord, error) {
	if sinceDays < 1 {
		sinceDays = 1
	}
	windowStart := d.now().Add(-time.Duration(sinceDays) * 24 * time.Hour)
	records, err := d.src.ListUpdatedSince(ctx, windowStart, area)
	if err != nil {
		return nil, fmt.Errorf("list changes since %s: %w", windowStart.Format(time.RFC3339), err)
	}
	byArea := make(map[string]int)
	for i := range records {
		records[i].ChangeType = classify(records[i].CreatedAt, windowStart)
		byArea[records[i].Area]++
	}
	slog.Info("change detection pass",
		"since_days", sinceDays,
		"area", area,
		"total", len(records),
		"areas", len(byArea))
	return records, nil
}

// HasBeenUpdated reports whether the record with the given fingerprint was
// touched at or after the given time. Unknown fingerprints report false.
func (d *Detector) HasBeenUpdated(ctx context.Context, fingerprint string, since time.Time) (bool, error) {
	rec, err := d.src.Get(ctx, fingerprint)
	if err != nil {
		return false, fmt.Errorf("load change %s: %w", fingerprint, err)
	}
	if rec == nil {
		return false, nil
	}
	return !rec.UpdatedAt.Before(since), nil
}

// LatestChange returns the current state of one change record, or nil when
// the fingerprint is unknown.
func (d *Detector) LatestChange(ctx context.Context, fingerprint string) (*models.ChangeRecord, error) {
	rec, err := d.src.Get(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("load change %s: %w", fingerprint, err)
	}
	return rec, nil
}

// ChangeStats aggregates per-area activity over the detection window.
func (d *Detector) ChangeStats(ctx context.Context, sinceDays int) (Stats, error) {
	records, err := d.DetectChanges(ctx, sinceDays)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Total:     len(records),
		ByArea:    make(map[string]int),
		SinceDays: sinceDays,
	}
	for _, r := range records {
		stats.ByArea[r.Area]++
	}
	best := 0
	for area, n := range stats.ByArea {
		if n > best || (n == best && area < stats.MostActiveArea) {
			best = n
			stats.MostActiveArea = area
		}
	}
	return stats, nil
}

func classify(createdAt, windowStart time.Time) models.ChangeType {
	if !createdAt.Before(windowStart) {
		return models.ChangeTypeNew
	}
	return models.ChangeTypeUpdated
}
