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

// Package notify owns the notification delivery queue: a Postgres-backed
// state machine (pending, processing, sent, failed) with atomic claiming,
// per-channel idempotency, exponential backoff retry, and multi-channel
// fan-out to the browser inbox and the email queue.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexwatch/pulse/internal/models"
)

// PGStore persists notifications in Postgres. Notifications are never
// deleted; they expire by being marked resolved.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates the notification store, ensuring its schema exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	s := &PGStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure notification schema: %w", err)
	}
	slog.Info("notification store initialised")
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS pulse_notifications (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			contract_id        TEXT NOT NULL,
			change_fingerprint TEXT NOT NULL,
			severity           TEXT NOT NULL,
			title              TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			source_url         TEXT NOT NULL DEFAULT '',
			impact             JSONB NOT NULL DEFAULT '{}',
			status             TEXT NOT NULL DEFAULT 'pending',
			browser_sent       BOOLEAN NOT NULL DEFAULT FALSE,
			browser_sent_at    TIMESTAMPTZ,
			email_sent         BOOLEAN NOT NULL DEFAULT FALSE,
			email_sent_at      TIMESTAMPTZ,
			attempts           INT NOT NULL DEFAULT 0,
			next_attempt_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			errors             JSONB NOT NULL DEFAULT '[]',
			resolved           BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at         TIMESTAMPTZ,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(user_id, contract_id, change_fingerprint)
		);
		CREATE INDEX IF NOT EXISTS idx_notif_claim ON pulse_notifications(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_notif_user ON pulse_notifications(user_id);
	`)
	return err
}

const notificationColumns = `
	id, user_id, contract_id, change_fingerprint, severity, title,
	description, source_url, impact, status, browser_sent, browser_sent_at,
	email_sent, email_sent_at, attempts, next_attempt_at, errors, resolved,
	expires_at, created_at, updated_at`

// Create inserts a notification. A second notification for the same
// (user, contract, change) triple is a no-op; Create reports whether a row
// was actually inserted.
func (s *PGStore) Create(ctx context.Context, n models.Notification) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pulse_notifications
			(id, user_id, contract_id, change_fingerprint, severity, title,
			 description, source_url, impact, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, contract_id, change_fingerprint) DO NOTHING
	`, n.ID, n.UserID, n.ContractID, n.ChangeFingerprint, n.Severity,
		n.Title, n.Description, n.SourceURL, n.Impact, n.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("create notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExistsForChange reports whether the user already has a notification for
// this change on this contract.
func (s *PGStore) ExistsForChange(ctx context.Context, userID, contractID, fingerprint string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pulse_notifications
			WHERE user_id = $1 AND contract_id = $2 AND change_fingerprint = $3
		)
	`, userID, contractID, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing notification: %w", err)
	}
	return exists, nil
}

// claimVisibilityTimeout bounds how long a notification may sit in
// processing before a worker that died mid-pass is presumed gone and the
// row becomes claimable again. Reclaiming makes delivery at-least-once;
// the per-channel sent flags keep a reclaimed notification from reaching
// the user twice on the same channel.
const claimVisibilityTimeout = 10 * time.Minute

// ClaimPending atomically moves up to limit due pending notifications to
// processing and returns them. SKIP LOCKED lets concurrent worker passes
// claim disjoint sets; a notification is never claimed twice while its
// worker is alive. Processing rows untouched past the visibility timeout
// were abandoned by a crashed worker and are claimed like pending ones.
func (s *PGStore) ClaimPending(ctx context.Context, limit int) ([]models.Notification, error) {
	stale := fmt.Sprintf("%d seconds", int(claimVisibilityTimeout.Seconds()))
	rows, err := s.pool.Query(ctx, `
		UPDATE pulse_notifications
		SET status = 'processing', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM pulse_notifications
			WHERE (
			      (status = 'pending' AND next_attempt_at <= NOW())
			   OR (status = 'processing' AND updated_at < NOW() - $2::interval)
			      )
			  AND NOT resolved
			  AND (expires_at IS NULL OR expires_at > NOW())
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns, limit, stale)
	if err != nil {
		return nil, fmt.Errorf("claim pending notifications: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// MarkChannelSent sets the per-channel sent flag. The guard on the flag
// makes repeated calls idempotent: a channel is recorded sent at most once.
func (s *PGStore) MarkChannelSent(ctx context.Context, id string, ch models.Channel) error {
	var col string
	switch ch {
	case models.ChannelBrowser:
		col = "browser"
	case models.ChannelEmail:
		col = "email"
	default:
		return fmt.Errorf("unknown channel %q", ch)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE pulse_notifications
		SET %[1]s_sent = TRUE, %[1]s_sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND %[1]s_sent = FALSE
	`, col), id)
	if err != nil {
		return fmt.Errorf("mark channel %s sent: %w", ch, err)
	}
	return nil
}

// MarkSent completes a processing notification.
func (s *PGStore) MarkSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pulse_notifications
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not in processing state", id)
	}
	return nil
}

// MarkRetry returns a processing notification to pending with its next
// attempt time and appends the failure to the error history.
func (s *PGStore) MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, derr models.DeliveryError) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pulse_notifications
		SET status = 'pending', attempts = $2, next_attempt_at = $3,
		    errors = errors || $4::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, attempts, nextAttemptAt, derr)
	if err != nil {
		return fmt.Errorf("mark notification retry: %w", err)
	}
	return nil
}

// MarkFailed terminally fails a notification after retry exhaustion.
func (s *PGStore) MarkFailed(ctx context.Context, id string, attempts int, derr models.DeliveryError) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pulse_notifications
		SET status = 'failed', attempts = $2,
		    errors = errors || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, attempts, derr)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

// MarkResolved flags a notification as handled by the user.
func (s *PGStore) MarkResolved(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pulse_notifications
		SET resolved = TRUE, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark notification resolved: %w", err)
	}
	return nil
}

// ExpireOld resolves notifications past their TTL and returns how many
// were expired. Rows stay in place as an audit trail.
func (s *PGStore) ExpireOld(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pulse_notifications
		SET resolved = TRUE, updated_at = NOW()
		WHERE expires_at IS NOT NULL AND expires_at <= NOW() AND NOT resolved
	`)
	if err != nil {
		return 0, fmt.Errorf("expire notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get fetches one notification, or nil when the id is unknown.
func (s *PGStore) Get(ctx context.Context, id string) (*models.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM pulse_notifications WHERE id = $1
	`, id)
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}

// CountByStatus returns notification counts keyed by lifecycle state.
func (s *PGStore) CountByStatus(ctx context.Context) (map[models.NotificationStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM pulse_notifications GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.NotificationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.NotificationStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	var browser, email models.ChannelStatus
	err := row.Scan(
		&n.ID, &n.UserID, &n.ContractID, &n.ChangeFingerprint, &n.Severity,
		&n.Title, &n.Description, &n.SourceURL, &n.Impact, &n.Status,
		&browser.Sent, &browser.SentAt, &email.Sent, &email.SentAt,
		&n.Attempts, &n.NextAttemptAt, &n.Errors, &n.Resolved,
		&n.ExpiresAt, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return models.Notification{}, err
	}
	n.Channels = map[models.Channel]models.ChannelStatus{
		models.ChannelBrowser: browser,
		models.ChannelEmail:   email,
	}
	return n, nil
}

func collectNotifications(rows pgx.Rows) ([]models.Notification, error) {
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
