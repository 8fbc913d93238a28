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

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/lexwatch/pulse/internal/models"
	"github.com/lexwatch/pulse/internal/scoring"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

type fakeChangeStore struct {
	mu      sync.Mutex
	records map[string]models.ChangeRecord
	saves   []models.ChangeRecord
	listErr error
}

func newFakeChangeStore() *fakeChangeStore {
	return &fakeChangeStore{records: make(map[string]models.ChangeRecord)}
}

func (s *fakeChangeStore) Save(_ context.Context, rec models.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Fingerprint] = rec
	s.saves = append(s.saves, rec)
	return nil
}

func (s *fakeChangeStore) GetByFingerprint(_ context.Context, fp string) (*models.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[fp]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *fakeChangeStore) ListPublishedBetween(_ context.Context, from, to time.Time) ([]models.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.ChangeRecord
	for _, rec := range s.records {
		p := rec.PublishedAt.UTC()
		if !p.Before(from) && p.Before(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeChangeStore) lastSave() models.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

type fakeSeen struct {
	mu    sync.Mutex
	fresh bool
	err   error
	keys  []string
}

func (f *fakeSeen) IsNew(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if f.err != nil {
		return false, f.err
	}
	return f.fresh, nil
}

type fakeEmbedder struct {
	mu        sync.Mutex
	singles   []string
	batches   [][]string
	singleErr error
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.singleErr != nil {
		return nil, f.singleErr
	}
	f.singles = append(f.singles, text)
	return []float32{0.1, 0.2, 0.3}, nil
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type indexOp struct {
	kind       string // "upsert" or "delete"
	collection vectorindex.Collection
	entries    []vectorindex.Entry
	owner      string
}

type fakeIndex struct {
	mu      sync.Mutex
	ops     []indexOp
	results []vectorindex.Result
}

func (f *fakeIndex) Upsert(_ context.Context, collection vectorindex.Collection, entries []vectorindex.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, indexOp{kind: "upsert", collection: collection, entries: entries})
	return nil
}

func (f *fakeIndex) Query(vectorindex.Collection, []float32, int, vectorindex.Filter) ([]vectorindex.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results, nil
}

func (f *fakeIndex) DeleteByOwner(_ context.Context, collection vectorindex.Collection, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, indexOp{kind: "delete", collection: collection, owner: owner})
	return nil
}

func (f *fakeIndex) opKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.ops))
	for i, op := range f.ops {
		kinds[i] = op.kind
	}
	return kinds
}

type fakeScanSource struct {
	changes []models.ChangeRecord
	err     error
}

func (f *fakeScanSource) DetectChanges(context.Context, int) ([]models.ChangeRecord, error) {
	return f.changes, f.err
}

type scoredCall struct {
	change   models.ChangeRecord
	contract scoring.ContractInfo
	text     string
	score    float64
}

type fakeScorer struct {
	mu     sync.Mutex
	impact models.ImpactScore
	calls  []scoredCall
}

func (f *fakeScorer) Score(_ context.Context, change models.ChangeRecord, contract scoring.ContractInfo, matchedText string, relevance float64) models.ImpactScore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scoredCall{change: change, contract: contract, text: matchedText, score: relevance})
	return f.impact
}

type fakeSink struct {
	mu       sync.Mutex
	existing map[string]bool // userID/contractID/fingerprint
	created  []models.Notification
}

func newFakeSink() *fakeSink {
	return &fakeSink{existing: make(map[string]bool)}
}

func (f *fakeSink) Create(_ context.Context, n models.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := n.UserID + "/" + n.ContractID + "/" + n.ChangeFingerprint
	if f.existing[key] {
		return false, nil
	}
	f.existing[key] = true
	f.created = append(f.created, n)
	return true, nil
}

func (f *fakeSink) ExistsForChange(_ context.Context, userID, contractID, fp string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[userID+"/"+contractID+"/"+fp], nil
}
