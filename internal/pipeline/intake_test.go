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
	"errors"
	"testing"
	"time"

	"github.com/lexwatch/pulse/internal/fingerprint"
	"github.com/lexwatch/pulse/internal/models"
	"github.com/lexwatch/pulse/internal/vectorindex"
)

var intakeNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testIntake(store *fakeChangeStore, seen *fakeSeen, embed *fakeEmbedder, index *fakeIndex) *Intake {
	in := NewIntake(store, seen, embed, index)
	in.now = func() time.Time { return intakeNow }
	return in
}

func TestIngest_NewRecordSavedAndIndexed(t *testing.T) {
	store := newFakeChangeStore()
	seen := &fakeSeen{fresh: true}
	embed := &fakeEmbedder{}
	index := &fakeIndex{}
	in := testIntake(store, seen, embed, index)

	published := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	stats := in.Ingest(context.Background(), []models.ChangeRecord{{
		Title:       "Änderung der Abgabenordnung",
		Text:        "§ 146 wird geändert.",
		Area:        "steuerrecht",
		PublishedAt: published,
	}})

	if stats.New != 1 || stats.Merged != 0 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want 1 new", stats)
	}
	saved := store.lastSave()
	if want := fingerprint.Key("Änderung der Abgabenordnung", published); saved.Fingerprint != want {
		t.Errorf("fingerprint = %q, want %q", saved.Fingerprint, want)
	}
	if !saved.CreatedAt.Equal(intakeNow) || !saved.UpdatedAt.Equal(intakeNow) {
		t.Errorf("timestamps not stamped: created %v updated %v", saved.CreatedAt, saved.UpdatedAt)
	}
	if len(index.ops) != 1 || index.ops[0].kind != "upsert" || index.ops[0].collection != vectorindex.CollectionChanges {
		t.Fatalf("index ops = %+v, want one upsert into changes", index.ops)
	}
	entry := index.ops[0].entries[0]
	if entry.ID != saved.Fingerprint || entry.Meta.Owner != saved.Fingerprint || entry.Meta.Area != "steuerrecht" {
		t.Errorf("indexed entry = %+v", entry)
	}
}

func TestIngest_KnownFingerprintMerges(t *testing.T) {
	store := newFakeChangeStore()
	published := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	existing := models.ChangeRecord{
		Fingerprint: fingerprint.Key("Neues Urteil zum Mietrecht", published),
		Title:       "Neues Urteil zum Mietrecht",
		Text:        "Kurzfassung.",
		SourceIDs:   []string{"bgh"},
		PublishedAt: published,
		CreatedAt:   published,
	}
	store.records[existing.Fingerprint] = existing

	embed := &fakeEmbedder{}
	index := &fakeIndex{}
	in := testIntake(store, &fakeSeen{fresh: false}, embed, index)

	stats := in.Ingest(context.Background(), []models.ChangeRecord{{
		Title:       "Neues Urteil zum Mietrecht",
		Text:        "Der Bundesgerichtshof hat entschieden, dass die Klausel unwirksam ist.",
		SourceIDs:   []string{"juris"},
		PublishedAt: published,
	}})

	if stats.Merged != 1 || stats.New != 0 {
		t.Fatalf("stats = %+v, want 1 merged", stats)
	}
	merged := store.lastSave()
	if merged.Fingerprint != existing.Fingerprint {
		t.Errorf("merge switched fingerprint to %q", merged.Fingerprint)
	}
	if merged.Text == "Kurzfassung." {
		t.Error("merge kept shorter text")
	}
	if len(merged.SourceIDs) != 2 {
		t.Errorf("SourceIDs = %v, want union of both sources", merged.SourceIDs)
	}
	// Text changed, so the change must be re-indexed.
	if kinds := index.opKinds(); len(kinds) != 1 || kinds[0] != "upsert" {
		t.Errorf("index ops = %v, want one upsert", kinds)
	}
}

func TestIngest_FuzzyDuplicateAdoptsCanonicalFingerprint(t *testing.T) {
	store := newFakeChangeStore()
	published := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	canonical := models.ChangeRecord{
		Fingerprint: fingerprint.Key("Bundestag beschließt neue Meldepflichten nach dem Geldwäschegesetz für alle Kapitalgesellschaften", published),
		Title:       "Bundestag beschließt neue Meldepflichten nach dem Geldwäschegesetz für alle Kapitalgesellschaften",
		Text:        "Langer kanonischer Text der ersten Quelle zur neuen Meldepflicht.",
		PublishedAt: published,
		CreatedAt:   published,
	}
	store.records[canonical.Fingerprint] = canonical

	index := &fakeIndex{}
	in := testIntake(store, &fakeSeen{fresh: true}, &fakeEmbedder{}, index)

	// Same day, nine of ten title words shared: a cross-source duplicate
	// with a different fingerprint.
	stats := in.Ingest(context.Background(), []models.ChangeRecord{{
		Title:       "Bundestag beschließt neue Meldepflichten nach dem Geldwäschegesetz für sämtliche Kapitalgesellschaften",
		Text:        "Kurz.",
		PublishedAt: published.Add(3 * time.Hour),
	}})

	if stats.Merged != 1 {
		t.Fatalf("stats = %+v, want 1 merged", stats)
	}
	if got := store.lastSave().Fingerprint; got != canonical.Fingerprint {
		t.Errorf("saved fingerprint = %q, want canonical %q", got, canonical.Fingerprint)
	}
}

func TestIngest_CrossDayDuplicateMergesWithinScanWindow(t *testing.T) {
	store := newFakeChangeStore()
	published := time.Date(2026, 3, 6, 15, 0, 0, 0, time.UTC)
	canonical := models.ChangeRecord{
		Fingerprint: fingerprint.Key("Neue Offenlegungspflichten für Energieversorger beschlossen", published),
		Title:       "Neue Offenlegungspflichten für Energieversorger beschlossen",
		Text:        "Langer kanonischer Text der ersten Quelle.",
		PublishedAt: published,
		CreatedAt:   published,
	}
	store.records[canonical.Fingerprint] = canonical

	in := testIntake(store, &fakeSeen{fresh: true}, &fakeEmbedder{}, &fakeIndex{})

	// A second source dates the same announcement three days later, so
	// the fingerprints differ. The near-identical title still merges.
	stats := in.Ingest(context.Background(), []models.ChangeRecord{{
		Title:       "Neue Offenlegungspflichten für Energieversorger beschlossen",
		Text:        "Kurz.",
		PublishedAt: published.Add(72 * time.Hour),
	}})

	if stats.Merged != 1 {
		t.Fatalf("stats = %+v, want 1 merged", stats)
	}
	if got := store.lastSave().Fingerprint; got != canonical.Fingerprint {
		t.Errorf("saved fingerprint = %q, want canonical %q", got, canonical.Fingerprint)
	}
}

func TestIngest_SeenFilterErrorFallsBackToStore(t *testing.T) {
	store := newFakeChangeStore()
	published := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	existing := models.ChangeRecord{
		Fingerprint: fingerprint.Key("Frist für Grundsteuererklärung verlängert", published),
		Title:       "Frist für Grundsteuererklärung verlängert",
		Text:        "Die Frist wird bis Ende April verlängert.",
		PublishedAt: published,
		CreatedAt:   published,
	}
	store.records[existing.Fingerprint] = existing

	in := testIntake(store, &fakeSeen{err: errors.New("redis down")}, &fakeEmbedder{}, &fakeIndex{})

	stats := in.Ingest(context.Background(), []models.ChangeRecord{{
		Title:       "Frist für Grundsteuererklärung verlängert",
		Text:        "Die Frist wird bis Ende April verlängert.",
		PublishedAt: published,
	}})

	if stats.Merged != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want duplicate caught despite seen filter outage", stats)
	}
}

func TestIngest_UntitledRecordCountedAsError(t *testing.T) {
	store := newFakeChangeStore()
	in := testIntake(store, &fakeSeen{fresh: true}, &fakeEmbedder{}, &fakeIndex{})

	published := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	stats := in.Ingest(context.Background(), []models.ChangeRecord{
		{Text: "ohne Titel", PublishedAt: published},
		{Title: "Gültiger Eintrag", Text: "Text.", PublishedAt: published},
	})

	if stats.Errors != 1 || stats.New != 1 {
		t.Fatalf("stats = %+v, want the batch to survive the bad record", stats)
	}
	if len(store.saves) != 1 {
		t.Errorf("saves = %d, want only the valid record", len(store.saves))
	}
}
