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

package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexwatch/pulse/internal/models"
)

// Bounce thresholds. One hard bounce deactivates an address; soft bounces
// accumulate within a rolling window before deactivation.
var (
	MaxHardBounces      = 1
	MaxSoftBounces      = 5
	SoftBounceResetDays = 30
)

// HealthStore tracks per-address bounce counts in Postgres. Records are
// never deleted; a deactivated address stays on file until reactivated.
type HealthStore struct {
	pool *pgxpool.Pool

	now func() time.Time // test override
}

// NewHealthStore creates the health store, ensuring its schema.
func NewHealthStore(ctx context.Context, pool *pgxpool.Pool) (*HealthStore, error) {
	s := &HealthStore{pool: pool, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure email health schema: %w", err)
	}
	slog.Info("email health store initialised")
	return s, nil
}

func (s *HealthStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_health (
			email               TEXT PRIMARY KEY,
			status              TEXT NOT NULL DEFAULT 'active',
			hard_bounces        INT NOT NULL DEFAULT 0,
			soft_bounces        INT NOT NULL DEFAULT 0,
			last_bounce_at      TIMESTAMPTZ,
			last_soft_bounce_at TIMESTAMPTZ,
			deactivated_at      TIMESTAMPTZ,
			deactivation_reason TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS email_bounces (
			id            BIGSERIAL PRIMARY KEY,
			email         TEXT NOT NULL,
			bounce_type   TEXT NOT NULL,
			smtp_code     TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			email_id      TEXT NOT NULL DEFAULT '',
			user_id       TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_bounces_email ON email_bounces(email);
	`)
	return err
}

// applyBounce folds one bounce into a health record and reports whether the
// address was deactivated by this bounce. The soft counter resets after the
// rolling window; spam counts as a hard bounce and deactivates immediately.
func applyBounce(h models.EmailHealthRecord, b Bounce, now time.Time) (models.EmailHealthRecord, bool) {
	if h.LastSoftBounceAt != nil {
		days := now.Sub(*h.LastSoftBounceAt).Hours() / 24
		if days > float64(SoftBounceResetDays) {
			h.SoftBounces = 0
		}
	}

	switch b.Type {
	case BounceHard, BounceSpam:
		h.HardBounces++
		h.LastBounceAt = &now
	case BounceSoft:
		h.SoftBounces++
		h.LastBounceAt = &now
		h.LastSoftBounceAt = &now
	}

	reason := ""
	switch {
	case h.HardBounces >= MaxHardBounces:
		reason = fmt.Sprintf("Hard Bounce Limit erreicht (%d/%d)", h.HardBounces, MaxHardBounces)
	case h.SoftBounces >= MaxSoftBounces:
		reason = fmt.Sprintf("Soft Bounce Limit erreicht (%d/%d)", h.SoftBounces, MaxSoftBounces)
	case b.Type == BounceSpam:
		reason = "Als Spam markiert"
	}

	deactivated := false
	if reason != "" && h.Status != "inactive" {
		h.Status = "inactive"
		h.DeactivatedAt = &now
		h.DeactivationReason = reason
		deactivated = true
	}
	h.UpdatedAt = now
	return h, deactivated
}

// RecordBounce logs a bounce event and folds it into the address's health
// record inside one transaction, deactivating the address when a threshold
// is crossed.
func (s *HealthStore) RecordBounce(ctx context.Context, email string, b Bounce) error {
	email = strings.ToLower(email)
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bounce tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO email_bounces (email, bounce_type, smtp_code, error_message)
		VALUES ($1, $2, $3, $4)
	`, email, b.Type, b.Code, b.Message); err != nil {
		return fmt.Errorf("insert bounce event: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT email, status, hard_bounces, soft_bounces, last_bounce_at,
		       last_soft_bounce_at, deactivated_at, deactivation_reason,
		       created_at, updated_at
		FROM email_health WHERE email = $1
		FOR UPDATE
	`, email)

	var h models.EmailHealthRecord
	err = row.Scan(&h.Email, &h.Status, &h.HardBounces, &h.SoftBounces,
		&h.LastBounceAt, &h.LastSoftBounceAt, &h.DeactivatedAt,
		&h.DeactivationReason, &h.CreatedAt, &h.UpdatedAt)
	if err == pgx.ErrNoRows {
		h = models.EmailHealthRecord{Email: email, Status: "active", CreatedAt: now}
	} else if err != nil {
		return fmt.Errorf("load health record: %w", err)
	}

	h, deactivated := applyBounce(h, b, now)

	if _, err := tx.Exec(ctx, `
		INSERT INTO email_health
			(email, status, hard_bounces, soft_bounces, last_bounce_at,
			 last_soft_bounce_at, deactivated_at, deactivation_reason,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (email) DO UPDATE SET
			status              = EXCLUDED.status,
			hard_bounces        = EXCLUDED.hard_bounces,
			soft_bounces        = EXCLUDED.soft_bounces,
			last_bounce_at      = EXCLUDED.last_bounce_at,
			last_soft_bounce_at = EXCLUDED.last_soft_bounce_at,
			deactivated_at      = EXCLUDED.deactivated_at,
			deactivation_reason = EXCLUDED.deactivation_reason,
			updated_at          = EXCLUDED.updated_at
	`, h.Email, h.Status, h.HardBounces, h.SoftBounces, h.LastBounceAt,
		h.LastSoftBounceAt, h.DeactivatedAt, h.DeactivationReason,
		h.CreatedAt, h.UpdatedAt); err != nil {
		return fmt.Errorf("upsert health record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bounce tx: %w", err)
	}

	if deactivated {
		slog.Warn("email address deactivated",
			"email", email, "reason", h.DeactivationReason,
			"hard", h.HardBounces, "soft", h.SoftBounces)
	}
	return nil
}

// IsActive reports whether an address may be mailed. An address with no
// bounce history is active.
func (s *HealthStore) IsActive(ctx context.Context, email string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM email_health WHERE email = $1
	`, strings.ToLower(email)).Scan(&status)
	if err == pgx.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check email health: %w", err)
	}
	return status == "active", nil
}

// Reactivate resets an address after the user corrected it.
func (s *HealthStore) Reactivate(ctx context.Context, email string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_health
		SET status = 'active', hard_bounces = 0, soft_bounces = 0,
		    deactivated_at = NULL, deactivation_reason = '', updated_at = NOW()
		WHERE email = $1
	`, strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("reactivate email: %w", err)
	}
	slog.Info("email address reactivated", "email", strings.ToLower(email))
	return nil
}

// Get returns the health record for an address, or nil when none exists.
func (s *HealthStore) Get(ctx context.Context, email string) (*models.EmailHealthRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT email, status, hard_bounces, soft_bounces, last_bounce_at,
		       last_soft_bounce_at, deactivated_at, deactivation_reason,
		       created_at, updated_at
		FROM email_health WHERE email = $1
	`, strings.ToLower(email))

	var h models.EmailHealthRecord
	err := row.Scan(&h.Email, &h.Status, &h.HardBounces, &h.SoftBounces,
		&h.LastBounceAt, &h.LastSoftBounceAt, &h.DeactivatedAt,
		&h.DeactivationReason, &h.CreatedAt, &h.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get health record: %w", err)
	}
	return &h, nil
}
