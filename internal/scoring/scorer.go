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

// Package scoring computes the impact of a regulatory change on a contract.
// A structured AI judgment is combined with deterministic heuristics into a
// weighted priority; when the AI call fails or is rate-limited the scorer
// degrades to a relevance-derived fallback. Scoring never returns an error.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/lexwatch/pulse/internal/ai"
	"github.com/lexwatch/pulse/internal/embedding"
	"github.com/lexwatch/pulse/internal/governor"
	"github.com/lexwatch/pulse/internal/models"
)

const (
	judgmentMaxTokens   = 300
	judgmentTemperature = 0.2

	systemPrompt = "Du bist ein KI-Assistent für Impact-Analyse von " +
		"Gesetzesänderungen auf Verträge. Antworte NUR mit validen JSON."
)

// Weighting of the three sub-scores; urgency carries the most weight.
const (
	financialWeight  = 0.35
	urgencyWeight    = 0.40
	complexityWeight = 0.25
)

// Completer is the slice of the AI client the scorer needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, ai.Usage, error)
	CompletionModel() string
}

// Limiter is the slice of the governor the scorer needs.
type Limiter interface {
	CheckLimit(class governor.Class, estimatedUnits int) governor.Decision
	Record(class governor.Class, actualUnits int)
	TrackCost(class governor.Class, model string, promptTokens, completionTokens int)
	CheckBudget(monthlyLimit float64) governor.Budget
}

// ContractInfo carries the contract context the scorer needs.
type ContractInfo struct {
	ID    string
	Name  string
	Type  string
	Value float64 // contract value in EUR, 0 when unknown
}

// ParsedJudgment is the validated shape of the AI judgment. Pointer fields
// distinguish absent values from zero so that missing sub-scores default
// instead of reading as 0.
type ParsedJudgment struct {
	Financial      *float64 `json:"financial"`
	Urgency        *float64 `json:"urgency"`
	Complexity     *float64 `json:"complexity"`
	Reasons        []string `json:"reasons"`
	Deadline       string   `json:"deadline"`
	EstimatedCost  string   `json:"estimatedCost"`
	ActionRequired string   `json:"actionRequired"`
}

// Scorer combines AI judgments with heuristics into impact scores.
type Scorer struct {
	client        Completer
	limiter       Limiter
	monthlyBudget float64 // USD ceiling, 0 disables the budget gate

	now func() time.Time // test override
}

// New creates a scorer. A monthlyBudget of 0 disables budget gating.
func New(client Completer, limiter Limiter, monthlyBudget float64) *Scorer {
	return &Scorer{
		client:        client,
		limiter:       limiter,
		monthlyBudget: monthlyBudget,
		now:           time.Now,
	}
}

// Score computes the impact of a change on one contract. It never returns
// an error: when the judgment call fails, is malformed, or is blocked by the
// governor, the result degrades to a priority derived from the relevance
// score, marked Degraded.
func (s *Scorer) Score(ctx context.Context, change models.ChangeRecord, contract ContractInfo, matchedText string, relevance float64) models.ImpactScore {
	judgment, err := s.judge(ctx, change, contract, matchedText)
	if err != nil {
		slog.Warn("impact judgment unavailable, using fallback",
			"change", change.Fingerprint,
			"contract", contract.ID,
			"error", err)
		return FallbackScore(relevance)
	}

	financial := s.financialScore(judgment, contract, change)
	urgency := s.urgencyScore(judgment, change)
	complexity := s.complexityScore(judgment, matchedText)

	impact := models.ImpactScore{
		Financial:      financial,
		Urgency:        urgency,
		Complexity:     complexity,
		Reasons:        judgment.Reasons,
		EstimatedCost:  judgment.EstimatedCost,
		ActionRequired: judgment.ActionRequired,
	}
	if impact.ActionRequired == "" {
		impact.ActionRequired = "Vertrag prüfen"
	}
	if d := parseDeadline(judgment.Deadline); d != nil {
		impact.Deadline = d
	}
	impact.Priority = clamp(int(math.Round(
		float64(financial)*financialWeight +
			float64(urgency)*urgencyWeight +
			float64(complexity)*complexityWeight)))
	return impact
}

// FallbackScore is the deterministic degraded score used when no AI
// judgment is available: every dimension equals round(relevance*100).
func FallbackScore(relevance float64) models.ImpactScore {
	base := clamp(int(math.Round(relevance * 100)))
	return models.ImpactScore{
		Financial:      base,
		Urgency:        base,
		Complexity:     base,
		Priority:       base,
		Reasons:        []string{"Basiert auf KI-Ähnlichkeitsanalyse"},
		ActionRequired: "Vertrag im Optimizer prüfen",
		Degraded:       true,
	}
}

func (s *Scorer) judge(ctx context.Context, change models.ChangeRecord, contract ContractInfo, matchedText string) (*ParsedJudgment, error) {
	if s.monthlyBudget > 0 {
		if b := s.limiter.CheckBudget(s.monthlyBudget); b.Exceeded {
			return nil, fmt.Errorf("monthly budget exceeded: projected $%.2f", b.Projected)
		}
	}

	prompt := buildPrompt(change, contract, matchedText)
	estimate := embedding.EstimateTokens(prompt) + judgmentMaxTokens
	if d := s.limiter.CheckLimit(governor.ClassCompletion, estimate); !d.Allowed {
		return nil, fmt.Errorf("completion rate limited (%s), retry after %s", d.Reason, d.RetryAfter)
	}

	raw, usage, err := s.client.Complete(ctx, systemPrompt, prompt, judgmentMaxTokens, judgmentTemperature)
	if err != nil {
		return nil, fmt.Errorf("judgment call: %w", err)
	}
	s.limiter.Record(governor.ClassCompletion, usage.TotalTokens)
	s.limiter.TrackCost(governor.ClassCompletion, s.client.CompletionModel(), usage.PromptTokens, usage.CompletionTokens)

	var judgment ParsedJudgment
	if err := json.Unmarshal([]byte(raw), &judgment); err != nil {
		return nil, fmt.Errorf("malformed judgment payload: %w", err)
	}
	return &judgment, nil
}

func buildPrompt(change models.ChangeRecord, contract ContractInfo, matchedText string) string {
	excerpt := matchedText
	if len(excerpt) > 500 {
		excerpt = excerpt[:500]
	}
	return fmt.Sprintf(`Analysiere den Impact dieser Gesetzesänderung auf den Vertrag:

**Gesetz:**
%s
%s

**Vertrag:**
Name: %s
Relevanter Ausschnitt: "%s"

Bewerte folgende Dimensionen (0-100):

1. **Finanzieller Impact**: Wie hoch könnte der finanzielle Schaden/Nutzen sein?
2. **Dringlichkeit**: Wie schnell muss gehandelt werden?
3. **Komplexität**: Wie schwierig ist die Anpassung?

Gib die Antwort als JSON zurück:
{
  "financial": <0-100>,
  "urgency": <0-100>,
  "complexity": <0-100>,
  "reasons": ["Grund 1", "Grund 2"],
  "deadline": "DD.MM.YYYY oder null",
  "estimatedCost": "€X,XXX oder null",
  "actionRequired": "Was muss getan werden?"
}`, change.Title, change.Text, contract.Name, excerpt)
}

// subScore validates one judgment dimension, defaulting to 50 when absent
// or out of range.
func subScore(v *float64) int {
	if v == nil || *v < 0 || *v > 100 {
		return 50
	}
	return int(math.Round(*v))
}

func (s *Scorer) financialScore(j *ParsedJudgment, contract ContractInfo, change models.ChangeRecord) int {
	score := subScore(j.Financial)

	area := strings.ToLower(change.Area)
	if strings.Contains(area, "steuer") {
		score += 15
	}
	if strings.Contains(area, "finanz") {
		score += 15
	}
	if strings.Contains(area, "verbraucherschutz") {
		score += 10
	}

	switch {
	case contract.Value > 100_000:
		score += 20
	case contract.Value > 50_000:
		score += 10
	case contract.Value > 10_000:
		score += 5
	}

	return clamp(score)
}

var urgencyKeywords = []string{"sofort", "unverzüglich", "dringend", "frist", "deadline"}

func (s *Scorer) urgencyScore(j *ParsedJudgment, change models.ChangeRecord) int {
	score := subScore(j.Urgency)

	haystack := strings.ToLower(change.Title + " " + change.Text)
	for _, kw := range urgencyKeywords {
		if strings.Contains(haystack, kw) {
			score += 20
			break
		}
	}

	for _, u := range change.SourceURLs {
		if strings.Contains(strings.ToLower(u), "bundesgesetzblatt") {
			score += 10
			break
		}
	}

	if d := parseDeadline(j.Deadline); d != nil {
		daysUntil := int(math.Floor(d.Sub(s.now()).Hours() / 24))
		switch {
		case daysUntil < 7:
			score += 40
		case daysUntil < 30:
			score += 25
		case daysUntil < 90:
			score += 15
		}
	}

	return clamp(score)
}

var legalTerms = []string{"§", "abs.", "ziffer", "anlage", "verpflichtet", "haftung"}

func (s *Scorer) complexityScore(j *ParsedJudgment, matchedText string) int {
	score := subScore(j.Complexity)

	switch n := len(matchedText); {
	case n > 2000:
		score += 15
	case n > 1000:
		score += 10
	case n > 500:
		score += 5
	}

	lower := strings.ToLower(matchedText)
	for _, term := range legalTerms {
		if strings.Contains(lower, term) {
			score += 5
		}
	}

	return clamp(score)
}

var germanDateRe = regexp.MustCompile(`(\d{2})\.(\d{2})\.(\d{4})`)

// parseDeadline accepts DD.MM.YYYY or RFC 3339 / ISO dates. Anything else,
// including the literal "null" the model sometimes emits, parses to nil.
func parseDeadline(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return nil
	}
	if m := germanDateRe.FindStringSubmatch(raw); m != nil {
		t, err := time.Parse("02.01.2006", m[1]+"."+m[2]+"."+m[3])
		if err == nil {
			return &t
		}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// PriorityLabel maps a priority score to its severity level and the
// German-facing label shown to users.
func PriorityLabel(priority int) (models.Severity, string) {
	switch {
	case priority >= 80:
		return models.SeverityCritical, "Sehr dringend"
	case priority >= 60:
		return models.SeverityHigh, "Dringend"
	case priority >= 40:
		return models.SeverityMedium, "Mittel"
	default:
		return models.SeverityLow, "Niedrig"
	}
}
