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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexwatch/pulse/internal/models"
)

// MaxDeliveryAttempts is the retry budget before a notification fails
// terminally.
const MaxDeliveryAttempts = 3

// backoffSchedule gives the delay before the nth redelivery: the first
// retry is immediate, then 15 minutes, then an hour.
var backoffSchedule = []time.Duration{0, 15 * time.Minute, 60 * time.Minute}

// BackoffDelay returns the wait before the next attempt after the given
// number of failures. Failure counts past the schedule reuse its last entry.
func BackoffDelay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	idx := failures - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// Store is the slice of the notification store the dispatcher drives.
// PGStore satisfies it; tests substitute an in-memory fake.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]models.Notification, error)
	MarkChannelSent(ctx context.Context, id string, ch models.Channel) error
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, derr models.DeliveryError) error
	MarkFailed(ctx context.Context, id string, attempts int, derr models.DeliveryError) error
}

// Inbox delivers the browser channel.
type Inbox interface {
	Publish(ctx context.Context, userID string, n models.Notification) error
}

// EmailQueue accepts rendered emails for durable delivery.
type EmailQueue interface {
	Enqueue(ctx context.Context, e models.QueuedEmail) error
}

// Suppressor answers whether an address may be mailed at all and whether
// the user opted out of a category.
type Suppressor interface {
	IsActive(ctx context.Context, email string) (bool, error)
	IsSuppressed(ctx context.Context, email, category string) (bool, error)
}

// Directory resolves users to delivery contacts.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Contact, error)
}

// Dispatcher runs delivery passes over the notification queue. Multiple
// dispatchers may run concurrently; the store's atomic claim keeps their
// batches disjoint.
type Dispatcher struct {
	store      Store
	inbox      Inbox
	emails     EmailQueue
	suppressor Suppressor
	directory  Directory

	batchSize  int
	category   string // unsubscribe category for alert emails
	adminEmail string // operator alert recipient, "" disables alerts

	now func() time.Time // test override
}

// DispatcherConfig holds dispatcher construction parameters.
type DispatcherConfig struct {
	BatchSize  int    // per-pass claim limit, default 25
	Category   string // default "product_updates"
	AdminEmail string
}

// NewDispatcher wires a dispatcher over its collaborators.
func NewDispatcher(store Store, inbox Inbox, emails EmailQueue, suppressor Suppressor, directory Directory, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Category == "" {
		cfg.Category = "product_updates"
	}
	return &Dispatcher{
		store:      store,
		inbox:      inbox,
		emails:     emails,
		suppressor: suppressor,
		directory:  directory,
		batchSize:  cfg.BatchSize,
		category:   cfg.Category,
		adminEmail: cfg.AdminEmail,
		now:        time.Now,
	}
}

// ProcessOnce claims one batch of due notifications and delivers each over
// its enabled channels. A delivery failure is absorbed into that
// notification's own retry state and never aborts the batch. Returns the
// number of notifications processed.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimPending(ctx, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}

	for _, n := range batch {
		d.deliver(ctx, n)
	}
	if len(batch) > 0 {
		slog.Info("notification pass complete", "processed", len(batch))
	}
	return len(batch), nil
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) {
	var failures []string

	contact, err := d.directory.Lookup(ctx, n.UserID)
	if err != nil {
		failures = append(failures, fmt.Sprintf("contact lookup: %v", err))
	} else {
		if contact.BrowserEnabled && !n.Channels[models.ChannelBrowser].Sent {
			if err := d.inbox.Publish(ctx, n.UserID, n); err != nil {
				failures = append(failures, fmt.Sprintf("browser: %v", err))
			} else if err := d.store.MarkChannelSent(ctx, n.ID, models.ChannelBrowser); err != nil {
				failures = append(failures, fmt.Sprintf("browser flag: %v", err))
			}
		}

		if contact.EmailEnabled && contact.Email != "" && !n.Channels[models.ChannelEmail].Sent {
			if err := d.deliverEmail(ctx, n, contact.Email); err != nil {
				failures = append(failures, fmt.Sprintf("email: %v", err))
			}
		}
	}

	if len(failures) == 0 {
		if err := d.store.MarkSent(ctx, n.ID); err != nil {
			slog.Error("mark notification sent", "id", n.ID, "error", err)
		}
		return
	}

	attempts := n.Attempts + 1
	derr := models.DeliveryError{
		Attempt:   attempts,
		Timestamp: d.now(),
		Message:   strings.Join(failures, "; "),
	}

	if attempts >= MaxDeliveryAttempts {
		if err := d.store.MarkFailed(ctx, n.ID, attempts, derr); err != nil {
			slog.Error("mark notification failed", "id", n.ID, "error", err)
		}
		slog.Error("notification delivery exhausted",
			"id", n.ID, "user", n.UserID, "attempts", attempts, "errors", derr.Message)
		d.alertOperator(ctx, n, derr)
		return
	}

	nextAt := d.now().Add(BackoffDelay(attempts))
	if err := d.store.MarkRetry(ctx, n.ID, attempts, nextAt, derr); err != nil {
		slog.Error("mark notification retry", "id", n.ID, "error", err)
	}
}

// deliverEmail enqueues the alert email unless the address is deactivated
// or the user opted out of the category. A suppressed channel is skipped
// quietly; it is not a delivery failure.
func (d *Dispatcher) deliverEmail(ctx context.Context, n models.Notification, addr string) error {
	active, err := d.suppressor.IsActive(ctx, addr)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !active {
		slog.Warn("email channel suppressed, address inactive", "id", n.ID, "user", n.UserID)
		return nil
	}

	suppressed, err := d.suppressor.IsSuppressed(ctx, addr, d.category)
	if err != nil {
		return fmt.Errorf("unsubscribe check: %w", err)
	}
	if suppressed {
		slog.Info("email channel suppressed, user unsubscribed", "id", n.ID, "user", n.UserID)
		return nil
	}

	email := models.QueuedEmail{
		ID:             uuid.New().String(),
		To:             addr,
		Subject:        fmt.Sprintf("[%s] %s", severityTag(n.Severity), n.Title),
		HTML:           renderAlertHTML(n),
		Category:       d.category,
		NotificationID: n.ID,
		UserID:         n.UserID,
	}
	if err := d.emails.Enqueue(ctx, email); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return d.store.MarkChannelSent(ctx, n.ID, models.ChannelEmail)
}

// alertOperator mails the error history to the configured admin address.
// Operator alerts use the security category so they bypass unsubscribes.
func (d *Dispatcher) alertOperator(ctx context.Context, n models.Notification, derr models.DeliveryError) {
	if d.adminEmail == "" {
		return
	}
	var history strings.Builder
	for _, e := range append(n.Errors, derr) {
		fmt.Fprintf(&history, "<li>Versuch %d (%s): %s</li>",
			e.Attempt, e.Timestamp.Format(time.RFC3339), e.Message)
	}
	alert := models.QueuedEmail{
		ID:       uuid.New().String(),
		To:       d.adminEmail,
		Subject:  fmt.Sprintf("Zustellung fehlgeschlagen: Benachrichtigung %s", n.ID),
		Category: "security",
		HTML: fmt.Sprintf(
			"<h2>Benachrichtigung endgültig fehlgeschlagen</h2>"+
				"<p>Nutzer: %s, Vertrag: %s, Änderung: %s</p><ul>%s</ul>",
			n.UserID, n.ContractID, n.ChangeFingerprint, history.String()),
	}
	if err := d.emails.Enqueue(ctx, alert); err != nil {
		slog.Error("enqueue operator alert", "notification", n.ID, "error", err)
	}
}

func severityTag(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "Sehr dringend"
	case models.SeverityHigh:
		return "Dringend"
	case models.SeverityMedium:
		return "Mittel"
	default:
		return "Hinweis"
	}
}

func renderAlertHTML(n models.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>", n.Title)
	fmt.Fprintf(&b, "<p>%s</p>", n.Description)
	if n.Impact.ActionRequired != "" {
		fmt.Fprintf(&b, "<p><strong>Empfohlene Maßnahme:</strong> %s</p>", n.Impact.ActionRequired)
	}
	if n.Impact.Deadline != nil {
		fmt.Fprintf(&b, "<p><strong>Frist:</strong> %s</p>", n.Impact.Deadline.Format("02.01.2006"))
	}
	if n.SourceURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Zur Quelle</a></p>`, n.SourceURL)
	}
	fmt.Fprintf(&b, "<p>Priorität: %d/100</p>", n.Impact.Priority)
	return b.String()
}
