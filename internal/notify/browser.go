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
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lexwatch/pulse/internal/models"
)

const (
	inboxPrefix = "pulse:inbox:"

	// maxInboxLength bounds the per-user inbox list in Redis.
	maxInboxLength = 100
)

// RedisInbox pushes notifications onto a per-user Redis list that the
// browser frontend drains over its live channel.
type RedisInbox struct {
	rdb *redis.Client
}

// NewRedisInbox creates a browser-channel publisher.
func NewRedisInbox(rdb *redis.Client) *RedisInbox {
	return &RedisInbox{rdb: rdb}
}

// inboxItem is the wire shape pushed to the frontend.
type inboxItem struct {
	ID          string          `json:"id"`
	Severity    models.Severity `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	ContractID  string          `json:"contract_id"`
	SourceURL   string          `json:"source_url,omitempty"`
	Priority    int             `json:"priority"`
	CreatedAt   string          `json:"created_at"`
}

// Publish serialises the notification and pushes it to the user's inbox,
// trimming the list to its bound.
func (r *RedisInbox) Publish(ctx context.Context, userID string, n models.Notification) error {
	item := inboxItem{
		ID:          n.ID,
		Severity:    n.Severity,
		Title:       n.Title,
		Description: n.Description,
		ContractID:  n.ContractID,
		SourceURL:   n.SourceURL,
		Priority:    n.Impact.Priority,
		CreatedAt:   n.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal inbox item: %w", err)
	}

	key := inboxPrefix + userID
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, maxInboxLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push inbox item: %w", err)
	}
	return nil
}
