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

// Package fingerprint computes deterministic dedup keys for change records
// and detects cross-source duplicates whose fingerprints differ.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/lexwatch/pulse/internal/models"
)

// Duplicate-detection thresholds. Empirically tuned; kept configurable
// rather than derived.
var (
	// SameDayThreshold applies when both records were published on the
	// same calendar day.
	SameDayThreshold = 0.80

	// AnyDayThreshold applies regardless of publication date.
	AnyDayThreshold = 0.95
)

// noisePrefixes are source-specific title decorations stripped during
// normalization so "Neu: X" and "X" fingerprint identically.
var noisePrefixes = []string{"neu:", "änderung:", "aenderung:", "update:", "aktualisierung:"}

// Key returns the deterministic dedup key for a record: a truncated
// SHA-256 over the normalized title and the publication day (UTC).
// Two records with the same normalized title published on the same day
// always produce the same key.
func Key(title string, published time.Time) string {
	day := published.UTC().Format("2006-01-02")
	sum := sha256.Sum256([]byte(NormalizeTitle(title) + "|" + day))
	return hex.EncodeToString(sum[:])[:16]
}

// NormalizeTitle lowercases, strips noise prefixes and punctuation, and
// collapses whitespace.
func NormalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))

	for _, prefix := range noisePrefixes {
		if strings.HasPrefix(t, prefix) {
			t = strings.TrimSpace(strings.TrimPrefix(t, prefix))
			break
		}
	}

	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
		// Punctuation is dropped.
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// AreLikelyDuplicates reports whether two records describe the same change
// even though their fingerprints may differ (e.g. differing source
// prefixes). True when the word-set Jaccard similarity of the normalized
// titles exceeds SameDayThreshold and both were published on the same UTC
// day, or exceeds AnyDayThreshold regardless of date.
func AreLikelyDuplicates(a, b models.ChangeRecord) bool {
	sim := TitleSimilarity(a.Title, b.Title)

	if sim > AnyDayThreshold {
		return true
	}

	sameDay := a.PublishedAt.UTC().Format("2006-01-02") == b.PublishedAt.UTC().Format("2006-01-02")
	return sameDay && sim > SameDayThreshold
}

// TitleSimilarity computes the word-set Jaccard similarity of two titles
// after normalization. Two empty titles are identical (1); one empty
// title matches nothing (0).
func TitleSimilarity(a, b string) float64 {
	wordsA := wordSet(NormalizeTitle(a))
	wordsB := wordSet(NormalizeTitle(b))

	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection

	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

// Merge combines two records describing the same change into one canonical
// record: earliest creation time, latest update time, union of source IDs
// and URLs, longer text wins. Merge is commutative and idempotent, so
// re-merging the same pair yields the same result.
func Merge(a, b models.ChangeRecord) models.ChangeRecord {
	out := a

	if b.CreatedAt.Before(a.CreatedAt) {
		out.CreatedAt = b.CreatedAt
	}
	if b.UpdatedAt.After(a.UpdatedAt) {
		out.UpdatedAt = b.UpdatedAt
	}
	if b.PublishedAt.Before(a.PublishedAt) {
		out.PublishedAt = b.PublishedAt
	}

	out.SourceIDs = unionSorted(a.SourceIDs, b.SourceIDs)
	out.SourceURLs = unionSorted(a.SourceURLs, b.SourceURLs)

	if len(b.Text) > len(a.Text) {
		out.Text = b.Text
	}
	// Title choice must not depend on argument order: longer normalized
	// title wins, raw lexicographic order breaks ties.
	normA, normB := NormalizeTitle(a.Title), NormalizeTitle(b.Title)
	if len(normB) > len(normA) || (len(normB) == len(normA) && b.Title < a.Title) {
		out.Title = b.Title
	}
	// Areas normally agree across sources; on conflict keep the
	// lexicographically smaller so the choice is order-independent.
	if out.Area == "" || (b.Area != "" && b.Area < out.Area) {
		out.Area = b.Area
	}
	// Fuzzy duplicates can fingerprint differently; keep the smaller key
	// as the canonical one.
	if out.Fingerprint == "" || (b.Fingerprint != "" && b.Fingerprint < out.Fingerprint) {
		out.Fingerprint = b.Fingerprint
	}

	return out
}

func unionSorted(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, v := range a {
		if v != "" {
			set[v] = true
		}
	}
	for _, v := range b {
		if v != "" {
			set[v] = true
		}
	}

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
