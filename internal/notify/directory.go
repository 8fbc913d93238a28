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

package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Contact holds a user's delivery preferences.
type Contact struct {
	UserID         string
	Email          string
	BrowserEnabled bool
	EmailEnabled   bool
}

// ContactStore resolves users to their delivery contacts in Postgres.
type ContactStore struct {
	pool *pgxpool.Pool
}

// NewContactStore creates the contact directory, ensuring its schema.
func NewContactStore(ctx context.Context, pool *pgxpool.Pool) (*ContactStore, error) {
	s := &ContactStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure contact schema: %w", err)
	}
	slog.Info("contact store initialised")
	return s, nil
}

func (s *ContactStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notification_contacts (
			user_id         TEXT PRIMARY KEY,
			email           TEXT NOT NULL DEFAULT '',
			browser_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			email_enabled   BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// Upsert stores a user's contact preferences.
func (s *ContactStore) Upsert(ctx context.Context, c Contact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_contacts (user_id, email, browser_enabled, email_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			email           = EXCLUDED.email,
			browser_enabled = EXCLUDED.browser_enabled,
			email_enabled   = EXCLUDED.email_enabled,
			updated_at      = NOW()
	`, c.UserID, c.Email, c.BrowserEnabled, c.EmailEnabled)
	return err
}

// Lookup returns the contact for a user. Unknown users default to a
// browser-only contact so a missing row never swallows an alert entirely.
func (s *ContactStore) Lookup(ctx context.Context, userID string) (Contact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, email, browser_enabled, email_enabled
		FROM notification_contacts
		WHERE user_id = $1
	`, userID)

	var c Contact
	err := row.Scan(&c.UserID, &c.Email, &c.BrowserEnabled, &c.EmailEnabled)
	if err == pgx.ErrNoRows {
		return Contact{UserID: userID, BrowserEnabled: true}, nil
	}
	if err != nil {
		return Contact{}, fmt.Errorf("lookup contact: %w", err)
	}
	return c, nil
}
