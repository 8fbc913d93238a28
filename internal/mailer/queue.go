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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexwatch/pulse/internal/models"
)

// Queue is the durable outbound email queue in Postgres. Emails survive
// restarts and move through pending, processing, sent, failed.
type Queue struct {
	pool *pgxpool.Pool
}

// NewQueue creates the email queue, ensuring its schema.
func NewQueue(ctx context.Context, pool *pgxpool.Pool) (*Queue, error) {
	q := &Queue{pool: pool}
	if err := q.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure email queue schema: %w", err)
	}
	slog.Info("email queue initialised")
	return q, nil
}

func (q *Queue) ensureSchema(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_queue (
			id              TEXT PRIMARY KEY,
			to_addr         TEXT NOT NULL,
			subject         TEXT NOT NULL,
			html            TEXT NOT NULL,
			category        TEXT NOT NULL DEFAULT 'product_updates',
			notification_id TEXT NOT NULL DEFAULT '',
			user_id         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'pending',
			retry_count     INT NOT NULL DEFAULT 0,
			next_retry_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_error      TEXT NOT NULL DEFAULT '',
			errors          JSONB NOT NULL DEFAULT '[]',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ,
			sent_at         TIMESTAMPTZ,
			failed_at       TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_email_queue_due ON email_queue(status, next_retry_at);
	`)
	return err
}

// Enqueue adds an email to the queue for immediate delivery.
func (q *Queue) Enqueue(ctx context.Context, e models.QueuedEmail) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO email_queue
			(id, to_addr, subject, html, category, notification_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.To, e.Subject, e.HTML, e.Category, e.NotificationID, e.UserID)
	if err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	slog.Debug("email enqueued", "id", e.ID, "subject", e.Subject)
	return nil
}

const emailColumns = `
	id, to_addr, subject, html, category, notification_id, user_id, status,
	retry_count, next_retry_at, last_error, errors, created_at, sent_at,
	failed_at`

// claimVisibilityTimeout bounds how long an email may sit in processing
// before a worker that died mid-pass is presumed gone and the row becomes
// claimable again. A worker that crashes between SMTP accept and MarkSent
// causes one duplicate send on reclaim; the alternative is mail silently
// stuck in processing forever.
const claimVisibilityTimeout = 10 * time.Minute

// ClaimDue atomically moves up to limit due pending emails to processing,
// oldest first, and returns them. Concurrent passes claim disjoint sets.
// Processing rows untouched past the visibility timeout were abandoned by
// a crashed worker and are claimed like pending ones.
func (q *Queue) ClaimDue(ctx context.Context, limit int) ([]models.QueuedEmail, error) {
	stale := fmt.Sprintf("%d seconds", int(claimVisibilityTimeout.Seconds()))
	rows, err := q.pool.Query(ctx, `
		UPDATE email_queue
		SET status = 'processing', last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE (status = 'pending' AND next_retry_at <= NOW())
			   OR (status = 'processing' AND last_attempt_at < NOW() - $2::interval)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+emailColumns, limit, stale)
	if err != nil {
		return nil, fmt.Errorf("claim due emails: %w", err)
	}
	defer rows.Close()

	var out []models.QueuedEmail
	for rows.Next() {
		var e models.QueuedEmail
		if err := rows.Scan(
			&e.ID, &e.To, &e.Subject, &e.HTML, &e.Category,
			&e.NotificationID, &e.UserID, &e.Status, &e.RetryCount,
			&e.NextRetryAt, &e.LastError, &e.Errors, &e.CreatedAt,
			&e.SentAt, &e.FailedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSent completes a processing email.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	return nil
}

// MarkRetry returns a processing email to pending with its next attempt
// time and appends the failure to the error history.
func (q *Queue) MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, derr models.DeliveryError) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'pending', retry_count = $2, next_retry_at = $3,
		    last_error = $4, errors = errors || $5::jsonb
		WHERE id = $1 AND status = 'processing'
	`, id, retryCount, nextRetryAt, derr.Message, derr)
	if err != nil {
		return fmt.Errorf("mark email retry: %w", err)
	}
	return nil
}

// MarkFailed terminally fails a processing email.
func (q *Queue) MarkFailed(ctx context.Context, id string, retryCount int, derr models.DeliveryError) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE email_queue
		SET status = 'failed', retry_count = $2, failed_at = NOW(),
		    last_error = $3, errors = errors || $4::jsonb
		WHERE id = $1 AND status = 'processing'
	`, id, retryCount, derr.Message, derr)
	if err != nil {
		return fmt.Errorf("mark email failed: %w", err)
	}
	return nil
}

// PurgeSent deletes sent emails older than the retention window and
// returns how many were removed.
func (q *Queue) PurgeSent(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM email_queue
		WHERE status = 'sent' AND sent_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("purge sent emails: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get fetches one queued email, or nil when the id is unknown.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedEmail, error) {
	row := q.pool.QueryRow(ctx, `
		SELECT `+emailColumns+` FROM email_queue WHERE id = $1
	`, id)

	var e models.QueuedEmail
	err := row.Scan(
		&e.ID, &e.To, &e.Subject, &e.HTML, &e.Category,
		&e.NotificationID, &e.UserID, &e.Status, &e.RetryCount,
		&e.NextRetryAt, &e.LastError, &e.Errors, &e.CreatedAt,
		&e.SentAt, &e.FailedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queued email: %w", err)
	}
	return &e, nil
}
