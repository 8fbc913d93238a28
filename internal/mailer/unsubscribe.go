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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Email categories for unsubscribe scoping. Security emails are never
// suppressible.
const (
	CategoryAll            = "all"
	CategoryCalendar       = "calendar"
	CategoryMarketing      = "marketing"
	CategoryProductUpdates = "product_updates"
	CategorySecurity       = "security"
)

// tokenMaxAge bounds how long an opt-out link stays valid.
const tokenMaxAge = 30 * 24 * time.Hour

// Unsubscribes stores category-scoped opt-outs in Postgres.
type Unsubscribes struct {
	pool   *pgxpool.Pool
	secret []byte

	now func() time.Time // test override
}

// NewUnsubscribes creates the opt-out store, ensuring its schema. The
// secret signs unsubscribe tokens embedded in outbound mail.
func NewUnsubscribes(ctx context.Context, pool *pgxpool.Pool, secret string) (*Unsubscribes, error) {
	s := &Unsubscribes{pool: pool, secret: []byte(secret), now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure unsubscribe schema: %w", err)
	}
	slog.Info("unsubscribe store initialised")
	return s, nil
}

func (s *Unsubscribes) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_unsubscribes (
			email      TEXT NOT NULL,
			category   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (email, category)
		);
	`)
	return err
}

// IsSuppressed reports whether mail of the given category to this address
// must be skipped. Security mail is never suppressed; an "all" opt-out
// suppresses every other category.
func (s *Unsubscribes) IsSuppressed(ctx context.Context, email, category string) (bool, error) {
	if category == CategorySecurity {
		return false, nil
	}
	var suppressed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM email_unsubscribes
			WHERE email = $1 AND category IN ($2, $3)
		)
	`, strings.ToLower(email), category, CategoryAll).Scan(&suppressed)
	if err != nil {
		return false, fmt.Errorf("check unsubscribe: %w", err)
	}
	return suppressed, nil
}

// Record stores an opt-out for a category.
func (s *Unsubscribes) Record(ctx context.Context, email, category string) error {
	if category == CategorySecurity {
		return fmt.Errorf("security emails cannot be unsubscribed")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_unsubscribes (email, category)
		VALUES ($1, $2)
		ON CONFLICT (email, category) DO NOTHING
	`, strings.ToLower(email), category)
	if err != nil {
		return fmt.Errorf("record unsubscribe: %w", err)
	}
	slog.Info("unsubscribe recorded", "email", strings.ToLower(email), "category", category)
	return nil
}

// Resubscribe removes an opt-out. Resubscribing to "all" clears every
// category.
func (s *Unsubscribes) Resubscribe(ctx context.Context, email, category string) error {
	var err error
	if category == CategoryAll {
		_, err = s.pool.Exec(ctx, `
			DELETE FROM email_unsubscribes WHERE email = $1
		`, strings.ToLower(email))
	} else {
		_, err = s.pool.Exec(ctx, `
			DELETE FROM email_unsubscribes WHERE email = $1 AND category IN ($2, $3)
		`, strings.ToLower(email), category, CategoryAll)
	}
	if err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	return nil
}

// tokenPayload is the signed content of an unsubscribe token.
type tokenPayload struct {
	Email     string `json:"e"`
	Category  string `json:"c"`
	Timestamp int64  `json:"t"` // unix milliseconds
	Signature string `json:"h"`
}

// GenerateToken creates a signed opt-out token for embedding in an
// unsubscribe link.
func (s *Unsubscribes) GenerateToken(email, category string) (string, error) {
	email = strings.ToLower(email)
	ts := s.now().UnixMilli()
	p := tokenPayload{
		Email:     email,
		Category:  category,
		Timestamp: ts,
		Signature: s.sign(email, category, ts),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ValidateToken checks a token's signature and age, returning the email
// and category it opts out.
func (s *Unsubscribes) ValidateToken(token string) (email, category string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("malformed token: %w", err)
	}
	var p tokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("malformed token: %w", err)
	}

	age := s.now().Sub(time.UnixMilli(p.Timestamp))
	if age > tokenMaxAge || age < 0 {
		return "", "", fmt.Errorf("token expired")
	}
	want := s.sign(p.Email, p.Category, p.Timestamp)
	if !hmac.Equal([]byte(want), []byte(p.Signature)) {
		return "", "", fmt.Errorf("token signature mismatch")
	}
	return p.Email, p.Category, nil
}

func (s *Unsubscribes) sign(email, category string, ts int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%d", email, category, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
