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

package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lexwatch/pulse/internal/ai"
	"github.com/lexwatch/pulse/internal/governor"
	"github.com/lexwatch/pulse/internal/models"
)

type fakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) Complete(_ context.Context, _, _ string, _ int, _ float64) (string, ai.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", ai.Usage{}, f.err
	}
	return f.response, ai.Usage{PromptTokens: 200, CompletionTokens: 80, TotalTokens: 280}, nil
}

func (f *fakeCompleter) CompletionModel() string { return "test-model" }

type fakeLimiter struct {
	rejected bool
	exceeded bool
	recorded int
}

func (f *fakeLimiter) CheckLimit(_ governor.Class, _ int) governor.Decision {
	if f.rejected {
		return governor.Decision{Allowed: false, RetryAfter: 30 * time.Second, Reason: "requests_limit"}
	}
	return governor.Decision{Allowed: true}
}

func (f *fakeLimiter) Record(_ governor.Class, units int)             { f.recorded += units }
func (f *fakeLimiter) TrackCost(_ governor.Class, _ string, _, _ int) {}

func (f *fakeLimiter) CheckBudget(_ float64) governor.Budget {
	return governor.Budget{Exceeded: f.exceeded, Projected: 999}
}

func TestScore_CombinesJudgmentWithHeuristics(t *testing.T) {
	client := &fakeCompleter{response: `{
		"financial": 40, "urgency": 30, "complexity": 20,
		"reasons": ["Neue Meldepflicht"],
		"deadline": "null",
		"actionRequired": "Klausel anpassen"
	}`}
	s := New(client, &fakeLimiter{}, 0)

	change := models.ChangeRecord{
		Fingerprint: "abc",
		Title:       "Sofort handeln: neue Steuerregel",
		Area:        "steuerrecht",
	}
	impact := s.Score(context.Background(), change, ContractInfo{ID: "c1", Name: "Mietvertrag"}, "kurz", 0.9)

	// financial 40+15 (steuer area), urgency 30+20 (keyword), complexity 20.
	if impact.Financial != 55 {
		t.Errorf("financial = %d, want 55", impact.Financial)
	}
	if impact.Urgency != 50 {
		t.Errorf("urgency = %d, want 50", impact.Urgency)
	}
	if impact.Complexity != 20 {
		t.Errorf("complexity = %d, want 20", impact.Complexity)
	}
	// round(55*0.35 + 50*0.40 + 20*0.25) = round(44.25) = 44
	if impact.Priority != 44 {
		t.Errorf("priority = %d, want 44", impact.Priority)
	}
	if impact.Degraded {
		t.Error("successful judgment must not be marked degraded")
	}
	if impact.ActionRequired != "Klausel anpassen" {
		t.Errorf("actionRequired = %q", impact.ActionRequired)
	}
}

func TestScore_FallbackOnCompletionError(t *testing.T) {
	client := &fakeCompleter{err: errors.New("provider down")}
	s := New(client, &fakeLimiter{}, 0)

	impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{}, "", 0.73)

	if !impact.Degraded {
		t.Fatal("fallback score must be marked degraded")
	}
	if impact.Priority != 73 {
		t.Errorf("fallback priority = %d, want round(0.73*100) = 73", impact.Priority)
	}
	if impact.Financial != 73 || impact.Urgency != 73 || impact.Complexity != 73 {
		t.Errorf("fallback sub-scores = %d/%d/%d, want all 73",
			impact.Financial, impact.Urgency, impact.Complexity)
	}
}

func TestScore_FallbackOnMalformedJudgment(t *testing.T) {
	client := &fakeCompleter{response: "Entschuldigung, hier ist meine Analyse..."}
	s := New(client, &fakeLimiter{}, 0)

	impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{}, "", 0.5)
	if !impact.Degraded || impact.Priority != 50 {
		t.Fatalf("malformed payload should degrade to priority 50, got %+v", impact)
	}
}

func TestScore_FallbackWhenRateLimited(t *testing.T) {
	client := &fakeCompleter{response: `{"financial": 90}`}
	s := New(client, &fakeLimiter{rejected: true}, 0)

	impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{}, "", 0.6)
	if !impact.Degraded {
		t.Fatal("rate-limited scoring must degrade, not block")
	}
	if client.calls != 0 {
		t.Errorf("rejected call must not reach the provider, got %d calls", client.calls)
	}
}

func TestScore_FallbackWhenBudgetExceeded(t *testing.T) {
	client := &fakeCompleter{response: `{"financial": 90}`}
	s := New(client, &fakeLimiter{exceeded: true}, 500)

	impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{}, "", 0.6)
	if !impact.Degraded {
		t.Fatal("budget-exceeded scoring must degrade")
	}
	if client.calls != 0 {
		t.Errorf("budget-blocked call must not reach the provider, got %d calls", client.calls)
	}
}

func TestScore_MissingSubScoresDefaultToFifty(t *testing.T) {
	client := &fakeCompleter{response: `{"reasons": []}`}
	s := New(client, &fakeLimiter{}, 0)

	impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{}, "", 0.9)
	if impact.Financial != 50 || impact.Urgency != 50 || impact.Complexity != 50 {
		t.Errorf("missing sub-scores should default to 50, got %d/%d/%d",
			impact.Financial, impact.Urgency, impact.Complexity)
	}
	if impact.Priority != 50 {
		t.Errorf("priority = %d, want 50", impact.Priority)
	}
}

func TestScore_ContractValueTiers(t *testing.T) {
	cases := []struct {
		value float64
		want  int
	}{
		{0, 50},
		{20_000, 55},
		{60_000, 60},
		{150_000, 70},
	}
	for _, tc := range cases {
		client := &fakeCompleter{response: `{"financial": 50, "urgency": 50, "complexity": 50}`}
		s := New(client, &fakeLimiter{}, 0)
		impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{Value: tc.value}, "", 0.5)
		if impact.Financial != tc.want {
			t.Errorf("value %.0f: financial = %d, want %d", tc.value, impact.Financial, tc.want)
		}
	}
}

func TestScore_DeadlineProximityBoosts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		deadline string
		want     int // urgency: base 50 + proximity boost
	}{
		{"05.03.2026", 90},  // 4 days out, +40
		{"20.03.2026", 75},  // 19 days, +25
		{"15.05.2026", 65},  // 75 days, +15
		{"01.12.2026", 50},  // far out, no boost
	}
	for _, tc := range cases {
		client := &fakeCompleter{response: `{"financial": 50, "urgency": 50, "complexity": 50, "deadline": "` + tc.deadline + `"}`}
		s := New(client, &fakeLimiter{}, 0)
		s.now = func() time.Time { return now }
		impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{}, "", 0.5)
		if impact.Urgency != tc.want {
			t.Errorf("deadline %s: urgency = %d, want %d", tc.deadline, impact.Urgency, tc.want)
		}
		if impact.Deadline == nil {
			t.Errorf("deadline %s should be carried into the impact", tc.deadline)
		}
	}
}

func TestScore_LegalTermDensity(t *testing.T) {
	client := &fakeCompleter{response: `{"financial": 50, "urgency": 50, "complexity": 50}`}
	s := New(client, &fakeLimiter{}, 0)

	text := "Gemäß § 5 Abs. 2 ist der Mieter verpflichtet, die Haftung zu übernehmen."
	impact := s.Score(context.Background(), models.ChangeRecord{}, ContractInfo{}, text, 0.5)
	// Four terms present: §, abs., verpflichtet, haftung → +20.
	if impact.Complexity != 70 {
		t.Errorf("complexity = %d, want 70", impact.Complexity)
	}
}

func TestParseDeadline(t *testing.T) {
	if parseDeadline("null") != nil || parseDeadline("") != nil || parseDeadline("demnächst") != nil {
		t.Error("null/empty/unparseable deadlines must parse to nil")
	}
	d := parseDeadline("15.04.2026")
	if d == nil || d.Day() != 15 || d.Month() != time.April || d.Year() != 2026 {
		t.Errorf("German date parse failed: %v", d)
	}
	d = parseDeadline("2026-04-15")
	if d == nil || d.Month() != time.April {
		t.Errorf("ISO date parse failed: %v", d)
	}
}

func TestPriorityLabel(t *testing.T) {
	cases := []struct {
		priority int
		want     models.Severity
	}{
		{95, models.SeverityCritical},
		{80, models.SeverityCritical},
		{79, models.SeverityHigh},
		{60, models.SeverityHigh},
		{59, models.SeverityMedium},
		{40, models.SeverityMedium},
		{39, models.SeverityLow},
		{0, models.SeverityLow},
	}
	for _, tc := range cases {
		sev, label := PriorityLabel(tc.priority)
		if sev != tc.want {
			t.Errorf("priority %d: severity = %q, want %q", tc.priority, sev, tc.want)
		}
		if label == "" {
			t.Errorf("priority %d: empty label", tc.priority)
		}
	}
}
