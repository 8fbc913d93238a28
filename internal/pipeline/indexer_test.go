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
	"strings"
	"testing"

	"github.com/lexwatch/pulse/internal/vectorindex"
)

func TestReindexContract_DeletesBeforeUpserting(t *testing.T) {
	embed := &fakeEmbedder{}
	index := &fakeIndex{}
	ix := NewIndexer(embed, index, Config{ChunkMaxWords: 10, ChunkOverlap: 2})

	words := make([]string, 25)
	for i := range words {
		words[i] = "klausel"
	}
	n, err := ix.ReindexContract(context.Background(), Contract{
		ID:     "c-1",
		UserID: "u-1",
		Name:   "Arbeitsvertrag Meier",
		Type:   "arbeit",
		Text:   strings.Join(words, " "),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n < 2 {
		t.Fatalf("chunks = %d, want the text split into several chunks", n)
	}

	kinds := index.opKinds()
	if len(kinds) != 2 || kinds[0] != "delete" || kinds[1] != "upsert" {
		t.Fatalf("index ops = %v, want delete then upsert", kinds)
	}
	if index.ops[0].owner != "c-1" || index.ops[0].collection != vectorindex.CollectionContracts {
		t.Errorf("delete op = %+v", index.ops[0])
	}

	entries := index.ops[1].entries
	if len(entries) != n {
		t.Fatalf("upserted %d entries, want %d", len(entries), n)
	}
	for i, e := range entries {
		if e.ID != "c-1:"+string(rune('0'+i)) && !strings.HasPrefix(e.ID, "c-1:") {
			t.Errorf("entry id = %q", e.ID)
		}
		if e.Meta.Owner != "c-1" || e.Meta.UserID != "u-1" || e.Meta.ChunkIndex != i || e.Meta.TotalChunks != n {
			t.Errorf("entry %d meta = %+v", i, e.Meta)
		}
		if e.Meta.ContractName != "Arbeitsvertrag Meier" || e.Meta.ContractType != "arbeit" {
			t.Errorf("entry %d contract meta = %+v", i, e.Meta)
		}
	}
}

func TestReindexContract_EmptyTextOnlyDeletes(t *testing.T) {
	index := &fakeIndex{}
	ix := NewIndexer(&fakeEmbedder{}, index, DefaultConfig())

	n, err := ix.ReindexContract(context.Background(), Contract{ID: "c-1", Text: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("chunks = %d, want 0", n)
	}
	if kinds := index.opKinds(); len(kinds) != 1 || kinds[0] != "delete" {
		t.Fatalf("index ops = %v, want a bare delete", kinds)
	}
}

func TestReindexContract_RequiresID(t *testing.T) {
	ix := NewIndexer(&fakeEmbedder{}, &fakeIndex{}, DefaultConfig())
	if _, err := ix.ReindexContract(context.Background(), Contract{Text: "Text"}); err == nil {
		t.Fatal("want error for missing contract id")
	}
}

func TestRemoveContract(t *testing.T) {
	index := &fakeIndex{}
	ix := NewIndexer(&fakeEmbedder{}, index, DefaultConfig())
	if err := ix.RemoveContract(context.Background(), "c-9"); err != nil {
		t.Fatal(err)
	}
	if len(index.ops) != 1 || index.ops[0].kind != "delete" || index.ops[0].owner != "c-9" {
		t.Fatalf("index ops = %+v", index.ops)
	}
}
