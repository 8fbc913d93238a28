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

// Package ingest exposes the HTTP boundary where external source fetchers
// hand change records to the pipeline. Fetchers POST JSON batches; the
// handler runs them through intake and reports what happened to each.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lexwatch/pulse/internal/models"
	"github.com/lexwatch/pulse/internal/pipeline"
)

// maxBatchBytes bounds a single ingest request body.
const maxBatchBytes = 16 << 20

// batchTimeout caps intake work per request so a slow embedding provider
// cannot hold fetcher connections open indefinitely.
const batchTimeout = 5 * time.Minute

// Intake is the pipeline stage the handler feeds.
type Intake interface {
	Ingest(ctx context.Context, records []models.ChangeRecord) pipeline.IntakeStats
}

// Handler accepts change-record batches from source fetchers.
type Handler struct {
	intake Intake
	token  string // empty disables auth
}

// NewHandler creates an ingest handler. An empty token disables the
// bearer check.
func NewHandler(intake Intake, token string) *Handler {
	return &Handler{intake: intake, token: token}
}

// batchPayload is the wire format fetchers send.
type batchPayload struct {
	Records []models.ChangeRecord `json:"records"`
}

// batchResponse reports the outcome of one batch.
type batchResponse struct {
	Received int `json:"received"`
	New      int `json:"new"`
	Merged   int `json:"merged"`
	Errors   int `json:"errors"`
}

// ServeChanges handles POST /ingest/changes.
func (h *Handler) ServeChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		slog.Warn("ingest request rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var payload batchPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err := dec.Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(payload.Records) == 0 {
		http.Error(w, "empty batch", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), batchTimeout)
	defer cancel()

	stats := h.intake.Ingest(ctx, payload.Records)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batchResponse{
		Received: stats.Received,
		New:      stats.New,
		Merged:   stats.Merged,
		Errors:   stats.Errors,
	})
}

// authorized validates the bearer token against the configured shared
// secret in constant time.
func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
