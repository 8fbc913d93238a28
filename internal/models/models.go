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

// Package models defines the data structures shared across the pulse service.
package models

import "time"

// ChangeType classifies a change record relative to the detection window.
type ChangeType string

const (
	ChangeTypeNew     ChangeType = "new"
	ChangeTypeUpdated ChangeType = "updated"
)

// ChangeRecord represents one regulatory or case-law change pulled from an
// external source. Once fingerprinted the record is immutable except for
// text and UpdatedAt, which a re-fetch may refresh; the fingerprint never
// changes.
type ChangeRecord struct {
	SourceIDs   []string   `json:"source_ids"`
	Title       string     `json:"title"`
	Text        string     `json:"text"`
	Area        string     `json:"area"`
	SourceURLs  []string   `json:"source_urls"`
	PublishedAt time.Time  `json:"published_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Fingerprint string     `json:"fingerprint"`
	ChangeType  ChangeType `json:"change_type,omitempty"`
}

// ContractChunk is the unit of embedding and similarity search. Chunks are
// superseded on re-indexing, never mutated: old chunks for a contract are
// deleted before new ones are inserted.
type ContractChunk struct {
	ID           string    `json:"id"`
	ContractID   string    `json:"contract_id"`
	UserID       string    `json:"user_id"`
	ChunkIndex   int       `json:"chunk_index"`
	TotalChunks  int       `json:"total_chunks"`
	ContractName string    `json:"contract_name"`
	ContractType string    `json:"contract_type"`
	Text         string    `json:"text"` // pseudonymized
	Embedding    []float32 `json:"embedding"`
}

// MatchResult pairs a change with a contract chunk and a similarity score
// in [0,1]. Ephemeral: computed per query, persisted only through the
// notification it produces.
type MatchResult struct {
	ChangeFingerprint string  `json:"change_fingerprint"`
	ChunkID           string  `json:"chunk_id"`
	ContractID        string  `json:"contract_id"`
	UserID            string  `json:"user_id"`
	ContractName      string  `json:"contract_name"`
	MatchedText       string  `json:"matched_text"`
	Score             float64 `json:"score"`
}

// ImpactScore is the composite judgment for one (change, contract) pair.
// Sub-scores and priority are in [0,100].
type ImpactScore struct {
	Financial      int        `json:"financial"`
	Urgency        int        `json:"urgency"`
	Complexity     int        `json:"complexity"`
	Priority       int        `json:"priority"`
	Reasons        []string   `json:"reasons"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	EstimatedCost  string     `json:"estimated_cost,omitempty"`
	ActionRequired string     `json:"action_required"`
	Degraded       bool       `json:"degraded"` // true when heuristic fallback was used
}

// Severity buckets for notifications, derived from the priority score.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// NotificationStatus is the delivery lifecycle state of a notification.
type NotificationStatus string

const (
	NotificationPending    NotificationStatus = "pending"
	NotificationProcessing NotificationStatus = "processing"
	NotificationSent       NotificationStatus = "sent"
	NotificationFailed     NotificationStatus = "failed"
)

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelBrowser Channel = "browser"
	ChannelEmail   Channel = "email"
)

// ChannelStatus records per-channel delivery state. A channel is delivered
// at most once even under retry.
type ChannelStatus struct {
	Sent   bool       `json:"sent"`
	SentAt *time.Time `json:"sent_at,omitempty"`
}

// DeliveryError is one entry in a notification's append-only error history.
type DeliveryError struct {
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Notification is one alert for a (user, contract, change) triple. Created
// by the matcher/scorer, mutated only by the delivery pipeline, never
// deleted — only expired or marked resolved.
type Notification struct {
	ID                string                    `json:"id"`
	UserID            string                    `json:"user_id"`
	ContractID        string                    `json:"contract_id"`
	ChangeFingerprint string                    `json:"change_fingerprint"`
	Severity          Severity                  `json:"severity"`
	Title             string                    `json:"title"`
	Description       string                    `json:"description"`
	SourceURL         string                    `json:"source_url,omitempty"`
	Impact            ImpactScore               `json:"impact"`
	Status            NotificationStatus        `json:"status"`
	Channels          map[Channel]ChannelStatus `json:"channels"`
	Attempts          int                       `json:"attempts"`
	NextAttemptAt     time.Time                 `json:"next_attempt_at"`
	Errors            []DeliveryError           `json:"errors,omitempty"`
	Resolved          bool                      `json:"resolved"`
	ExpiresAt         *time.Time                `json:"expires_at,omitempty"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

// EmailStatus is the lifecycle state of a queued email.
type EmailStatus string

const (
	EmailPending    EmailStatus = "pending"
	EmailProcessing EmailStatus = "processing"
	EmailSent       EmailStatus = "sent"
	EmailFailed     EmailStatus = "failed"
)

// QueuedEmail is one durable outbound email with its retry state.
type QueuedEmail struct {
	ID             string          `json:"id"`
	To             string          `json:"to"`
	Subject        string          `json:"subject"`
	HTML           string          `json:"html"`
	Category       string          `json:"category"`
	NotificationID string          `json:"notification_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Status         EmailStatus     `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	LastError      string          `json:"last_error,omitempty"`
	Errors         []DeliveryError `json:"errors,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// EmailHealthRecord tracks per-address bounce counters. Records are never
// deleted; deactivated addresses stay as an audit trail until reactivated.
type EmailHealthRecord struct {
	Email              string     `json:"email"`
	Status             string     `json:"status"` // "active" or "inactive"
	HardBounces        int        `json:"hard_bounces"`
	SoftBounces        int        `json:"soft_bounces"`
	LastBounceAt       *time.Time `json:"last_bounce_at,omitempty"`
	LastSoftBounceAt   *time.Time `json:"last_soft_bounce_at,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SeverityForPriority maps a priority score to a severity bucket.
func SeverityForPriority(priority int) Severity {
	switch {
	case priority >= 80:
		return SeverityCritical
	case priority >= 60:
		return SeverityHigh
	case priority >= 40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
