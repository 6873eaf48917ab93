package store

import (
	"context"
	"testing"

	"github.com/lazypower/tiermem/internal/memory"
)

func TestSanitizeFTS(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"file", `"file"`},
		{"Edit the FILE!", `"edit" OR "the" OR "file"`},
		{`NOT "quoted" AND (x)`, `"not" OR "quoted" OR "and"`},
		{"   ", ""},
		{"*:^", ""},
	}
	for _, tt := range tests {
		if got := sanitizeFTS(tt.in); got != tt.want {
			t.Errorf("sanitizeFTS(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeywordSearch(t *testing.T) {
	db := testDB(t)

	docs := []*memory.Observation{
		newObs(t, "Edited file server.go to add routes", "Edit", nil),
		newObs(t, "Ran go test ./...", "Bash", nil),
		newObs(t, "Read configuration", "Read", memory.Metadata{"file_path": memory.String("config.yaml")}),
	}
	for _, o := range docs {
		if err := db.SaveObservation(o, ""); err != nil {
			t.Fatalf("SaveObservation: %v", err)
		}
	}

	hits, err := db.KeywordSearch(context.Background(), "server routes", 10)
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != docs[0].ID {
		t.Fatalf("hits = %v, want only the edit", hits)
	}

	// metadata values are indexed
	hits, _ = db.KeywordSearch(context.Background(), "yaml", 10)
	if len(hits) != 1 || hits[0].ID != docs[2].ID {
		t.Errorf("metadata search hits = %v", hits)
	}

	// source is indexed
	hits, _ = db.KeywordSearch(context.Background(), "bash", 10)
	if len(hits) != 1 || hits[0].ID != docs[1].ID {
		t.Errorf("source search hits = %v", hits)
	}

	// operators in the prompt don't break the query
	if _, err := db.KeywordSearch(context.Background(), `go" OR (`, 10); err != nil {
		t.Errorf("KeywordSearch with operators: %v", err)
	}

	hits, _ = db.KeywordSearch(context.Background(), "", 10)
	if hits != nil {
		t.Errorf("empty query should return nil, got %v", hits)
	}
}

func TestKeywordSearchRanking(t *testing.T) {
	db := testDB(t)

	strong := newObs(t, "cache cache cache invalidation", "Edit", nil)
	weak := newObs(t, "cache mentioned once among many other unrelated words here", "Edit", nil)
	db.SaveObservation(weak, "")
	db.SaveObservation(strong, "")

	hits, err := db.KeywordSearch(context.Background(), "cache", 10)
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != strong.ID {
		t.Errorf("first hit = %s, want the denser match", hits[0].ID)
	}
	if hits[0].Score < hits[1].Score {
		t.Errorf("scores not descending: %v", hits)
	}
}
