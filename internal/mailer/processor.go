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

	"github.com/lexwatch/pulse/internal/models"
)

// MaxSendAttempts is the retry budget per queued email.
const MaxSendAttempts = 3

// sendBackoff gives the delay before the nth redelivery.
var sendBackoff = []time.Duration{0, 15 * time.Minute, 60 * time.Minute}

func sendBackoffDelay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	idx := failures - 1
	if idx >= len(sendBackoff) {
		idx = len(sendBackoff) - 1
	}
	return sendBackoff[idx]
}

// QueueStore is the slice of the queue the processor drives. Queue
// satisfies it; tests substitute an in-memory fake.
type QueueStore interface {
	ClaimDue(ctx context.Context, limit int) ([]models.QueuedEmail, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, derr models.DeliveryError) error
	MarkFailed(ctx context.Context, id string, retryCount int, derr models.DeliveryError) error
}

// HealthRecorder tracks address health and bounce events.
type HealthRecorder interface {
	IsActive(ctx context.Context, email string) (bool, error)
	RecordBounce(ctx context.Context, email string, b Bounce) error
}

// OptOuts answers category suppression checks.
type OptOuts interface {
	IsSuppressed(ctx context.Context, email, category string) (bool, error)
}

// PassStats summarises one queue pass.
type PassStats struct {
	Processed  int
	Sent       int
	Retrying   int
	Failed     int
	Suppressed int
}

// Processor drains the email queue: it claims due emails, applies
// suppression, sends over the transport, and classifies failures into
// retry or terminal paths.
type Processor struct {
	queue     QueueStore
	transport Transport
	health    HealthRecorder
	optouts   OptOuts

	batchSize  int
	adminEmail string

	now func() time.Time // test override
}

// ProcessorConfig holds processor construction parameters.
type ProcessorConfig struct {
	BatchSize  int // per-pass claim limit, default 50
	AdminEmail string
}

// NewProcessor wires a queue processor.
func NewProcessor(queue QueueStore, transport Transport, health HealthRecorder, optouts OptOuts, cfg ProcessorConfig) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Processor{
		queue:      queue,
		transport:  transport,
		health:     health,
		optouts:    optouts,
		batchSize:  cfg.BatchSize,
		adminEmail: cfg.AdminEmail,
		now:        time.Now,
	}
}

// ProcessOnce claims and works one batch. Per-email failures are absorbed
// into that email's retry state; the batch always runs to completion.
func (p *Processor) ProcessOnce(ctx context.Context) (PassStats, error) {
	batch, err := p.queue.ClaimDue(ctx, p.batchSize)
	if err != nil {
		return PassStats{}, fmt.Errorf("claim due emails: %w", err)
	}

	stats := PassStats{Processed: len(batch)}
	for _, e := range batch {
		switch p.processOne(ctx, e) {
		case outcomeSent:
			stats.Sent++
		case outcomeRetry:
			stats.Retrying++
		case outcomeFailed:
			stats.Failed++
		case outcomeSuppressed:
			stats.Suppressed++
		}
	}
	if stats.Processed > 0 {
		slog.Info("email queue pass complete",
			"processed", stats.Processed, "sent", stats.Sent,
			"retrying", stats.Retrying, "failed", stats.Failed,
			"suppressed", stats.Suppressed)
	}
	return stats, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeSuppressed
)

func (p *Processor) processOne(ctx context.Context, e models.QueuedEmail) outcome {
	if o, done := p.checkSuppression(ctx, e); done {
		return o
	}

	err := p.transport.Send(ctx, e.To, e.Subject, e.HTML)
	if err == nil {
		if err := p.queue.MarkSent(ctx, e.ID); err != nil {
			slog.Error("mark email sent", "id", e.ID, "error", err)
		}
		return outcomeSent
	}

	bounce := ClassifyBounce(err)
	if rerr := p.health.RecordBounce(ctx, e.To, bounce); rerr != nil {
		slog.Error("record bounce", "email", e.To, "error", rerr)
	}

	attempts := e.RetryCount + 1
	derr := models.DeliveryError{
		Attempt:   attempts,
		Timestamp: p.now(),
		Message:   fmt.Sprintf("%s bounce (%s): %s", bounce.Type, bounce.Code, err),
	}

	if bounce.IsPermanent() || attempts >= MaxSendAttempts {
		if err := p.queue.MarkFailed(ctx, e.ID, attempts, derr); err != nil {
			slog.Error("mark email failed", "id", e.ID, "error", err)
		}
		slog.Error("email delivery exhausted",
			"id", e.ID, "to", e.To, "attempts", attempts, "bounce", bounce.Type)
		p.alertAdmin(ctx, e, derr)
		return outcomeFailed
	}

	nextAt := p.now().Add(sendBackoffDelay(attempts))
	if err := p.queue.MarkRetry(ctx, e.ID, attempts, nextAt, derr); err != nil {
		slog.Error("mark email retry", "id", e.ID, "error", err)
	}
	return outcomeRetry
}

// checkSuppression fails suppressed emails terminally without a send
// attempt. Suppression is permanent for this queue entry: a deactivated
// address or opt-out will not change between retries of the same email.
func (p *Processor) checkSuppression(ctx context.Context, e models.QueuedEmail) (outcome, bool) {
	active, err := p.health.IsActive(ctx, e.To)
	if err != nil {
		slog.Error("email health check", "id", e.ID, "error", err)
		return p.retryInfra(ctx, e, fmt.Sprintf("health check: %v", err)), true
	}
	if !active {
		p.failSuppressed(ctx, e, "address deactivated after bounces")
		return outcomeSuppressed, true
	}

	suppressed, err := p.optouts.IsSuppressed(ctx, e.To, e.Category)
	if err != nil {
		slog.Error("unsubscribe check", "id", e.ID, "error", err)
		return p.retryInfra(ctx, e, fmt.Sprintf("unsubscribe check: %v", err)), true
	}
	if suppressed {
		p.failSuppressed(ctx, e, "recipient unsubscribed from "+e.Category)
		return outcomeSuppressed, true
	}
	return outcomeSent, false
}

// retryInfra schedules a retry for an infrastructure error that is not a
// bounce, without touching the address's health record.
func (p *Processor) retryInfra(ctx context.Context, e models.QueuedEmail, msg string) outcome {
	attempts := e.RetryCount + 1
	derr := models.DeliveryError{Attempt: attempts, Timestamp: p.now(), Message: msg}
	if attempts >= MaxSendAttempts {
		if err := p.queue.MarkFailed(ctx, e.ID, attempts, derr); err != nil {
			slog.Error("mark email failed", "id", e.ID, "error", err)
		}
		return outcomeFailed
	}
	nextAt := p.now().Add(sendBackoffDelay(attempts))
	if err := p.queue.MarkRetry(ctx, e.ID, attempts, nextAt, derr); err != nil {
		slog.Error("mark email retry", "id", e.ID, "error", err)
	}
	return outcomeRetry
}

func (p *Processor) failSuppressed(ctx context.Context, e models.QueuedEmail, reason string) {
	slog.Warn("email suppressed", "id", e.ID, "to", e.To, "reason", reason)
	derr := models.DeliveryError{
		Attempt:   e.RetryCount,
		Timestamp: p.now(),
		Message:   "suppressed: " + reason,
	}
	if err := p.queue.MarkFailed(ctx, e.ID, e.RetryCount, derr); err != nil {
		slog.Error("mark suppressed email failed", "id", e.ID, "error", err)
	}
}

// alertAdmin mails the operator about a terminally failed email, directly
// over the transport so a broken queue cannot swallow the alert.
func (p *Processor) alertAdmin(ctx context.Context, e models.QueuedEmail, derr models.DeliveryError) {
	if p.adminEmail == "" || e.To == p.adminEmail {
		return
	}
	subject := fmt.Sprintf("E-Mail-Zustellung endgültig fehlgeschlagen: %s", e.Subject)
	body := fmt.Sprintf(
		"<h2>E-Mail konnte nicht zugestellt werden</h2>"+
			"<p>Empfänger: %s<br>Betreff: %s<br>Versuche: %d</p><p>Letzter Fehler: %s</p>",
		e.To, e.Subject, derr.Attempt, derr.Message)
	if err := p.transport.Send(ctx, p.adminEmail, subject, body); err != nil {
		slog.Error("send admin alert", "error", err)
	}
}
