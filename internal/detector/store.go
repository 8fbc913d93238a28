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

// Package detector persists fingerprinted change records and answers
// time-windowed queries over them: what changed recently, in which legal
// area, and how active each area has been.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexwatch/pulse/internal/models"
)

// Store provides CRUD operations for change records in Postgres. Records
// are keyed by fingerprint.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a change record store backed by the given Postgres pool.
// It ensures the change_records table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure change record schema: %w", err)
	}
	slog.Info("change record store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS change_records (
			fingerprint  TEXT PRIMARY KEY,
			title        TEXT NOT NULL,
			body         TEXT NOT NULL DEFAULT '',
			area         TEXT NOT NULL DEFAULT '',
			source_ids   TEXT[] NOT NULL DEFAULT '{}',
			source_urls  TEXT[] NOT NULL DEFAULT '{}',
			published_at TIMESTAMPTZ NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_changes_updated ON change_records(updated_at);
		CREATE INDEX IF NOT EXISTS idx_changes_area ON change_records(area);
	`)
	return err
}

// Save inserts or replaces a change record keyed on its fingerprint. The
// caller is expected to have merged any existing row first; Save overwrites.
func (s *Store) Save(ctx context.Context, r models.ChangeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO change_records
			(fingerprint, title, body, area, source_ids, source_urls,
			 published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (fingerprint) DO UPDATE SET
			title       = EXCLUDED.title,
			body        = EXCLUDED.body,
			area        = EXCLUDED.area,
			source_ids  = EXCLUDED.source_ids,
			source_urls = EXCLUDED.source_urls,
			created_at  = EXCLUDED.created_at,
			updated_at  = EXCLUDED.updated_at
	`, r.Fingerprint, r.Title, r.Text, r.Area, r.SourceIDs, r.SourceURLs,
		r.PublishedAt, r.CreatedAt, r.UpdatedAt)
	return err
}

// GetByFingerprint retrieves a single change record. Returns (nil, nil)
// when no record exists.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*models.ChangeRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT fingerprint, title, body, area, source_ids, source_urls,
		       published_at, created_at, updated_at
		FROM change_records
		WHERE fingerprint = $1
	`, fingerprint)
	return scanRecord(row)
}

// Get is an alias used by callers that address records by id; change
// records use the fingerprint as their id.
func (s *Store) Get(ctx context.Context, id string) (*models.ChangeRecord, error) {
	return s.GetByFingerprint(ctx, id)
}

// ListUpdatedSince returns records whose updated_at falls at or after the
// cutoff, newest first. An empty area matches every area.
func (s *Store) ListUpdatedSince(ctx context.Context, since time.Time, area string) ([]models.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fingerprint, title, body, area, source_ids, source_urls,
		       published_at, created_at, updated_at
		FROM change_records
		WHERE updated_at >= $1 AND ($2 = '' OR area = $2)
		ORDER BY updated_at DESC
	`, since, area)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListPublishedBetween returns records published in [from, to). Used by
// the intake's fuzzy duplicate scan.
func (s *Store) ListPublishedBetween(ctx context.Context, from, to time.Time) ([]models.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fingerprint, title, body, area, source_ids, source_urls,
		       published_at, created_at, updated_at
		FROM change_records
		WHERE published_at >= $1 AND published_at < $2
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// PurgeOlderThan deletes records whose updated_at is older than the cutoff
// and returns how many were removed.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM change_records WHERE updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (*models.ChangeRecord, error) {
	var r models.ChangeRecord
	err := row.Scan(
		&r.Fingerprint, &r.Title, &r.Text, &r.Area, &r.SourceIDs,
		&r.SourceURLs, &r.PublishedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]models.ChangeRecord, error) {
	var records []models.ChangeRecord
	for rows.Next() {
		var r models.ChangeRecord
		if err := rows.Scan(
			&r.Fingerprint, &r.Title, &r.Text, &r.Area, &r.SourceIDs,
			&r.SourceURLs, &r.PublishedAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
