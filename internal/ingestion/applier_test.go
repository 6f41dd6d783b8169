package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aapais/kbsearch/internal/indexer"
	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
	"github.com/aapais/kbsearch/internal/searcher"
	"github.com/aapais/kbsearch/internal/searcher/cache"
	"github.com/aapais/kbsearch/internal/searcher/parser"
	"github.com/aapais/kbsearch/pkg/config"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
)

func newTestApplier(t *testing.T) (*Applier, *indexer.Engine, *searcher.Searcher) {
	t.Helper()
	tok := tokenizer.New([]string{"JCL", "VSAM", "DB2"})
	engine := indexer.NewEngine(tok, nil)

	mc, err := cache.New(config.CacheConfig{
		Layers: []config.CacheLayerConfig{{Name: "l1", Policy: "lru", MaxEntries: 32, TTL: time.Minute}},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.SearchConfig{MaxResults: 100, DefaultLimit: 10, BM25K1: 1.2, BM25B: 0.75, SnippetLength: 240, SnippetContextWords: 6}
	s := searcher.New(engine, parser.New(tok), mc, cfg, nil)
	a := NewApplier(engine, s, nil, []string{"JCL", "VSAM", "DB2"})
	return a, engine, s
}

func TestUpsertIndexesAndInvalidates(t *testing.T) {
	a, engine, s := newTestApplier(t)
	ctx := context.Background()

	if err := a.Upsert(ctx, index.Document{ID: "kb-1", Title: "JCL abend", Content: "S0C7 data exception", Category: "JCL"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := engine.Document("kb-1"); !ok {
		t.Fatal("document not stored")
	}

	// Warm the cache, mutate, and check the stale entry is gone.
	if got := s.Search(ctx, "abend", searcher.Options{}); got.TotalHits != 1 {
		t.Fatalf("TotalHits = %d, want 1", got.TotalHits)
	}
	if err := a.Upsert(ctx, index.Document{ID: "kb-1", Title: "JCL failure", Content: "IEF212I dataset not found", Category: "JCL"}); err != nil {
		t.Fatal(err)
	}
	if got := s.Search(ctx, "abend", searcher.Options{}); got.TotalHits != 0 {
		t.Fatalf("stale results after update: %+v", got)
	}
	if got := s.Search(ctx, "dataset", searcher.Options{}); got.TotalHits != 1 {
		t.Fatalf("updated content not searchable: %+v", got)
	}
}

func TestUpsertValidation(t *testing.T) {
	a, _, _ := newTestApplier(t)
	ctx := context.Background()

	cases := []struct {
		name string
		doc  index.Document
	}{
		{"missing id", index.Document{Title: "x", Content: "y"}},
		{"no title or content", index.Document{ID: "kb-9"}},
		{"unknown category", index.Document{ID: "kb-9", Title: "x", Content: "y", Category: "Networking"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Upsert(ctx, tc.doc)
			if !errors.Is(err, pkgerrors.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestUpsertCategoryMatchIsCaseInsensitive(t *testing.T) {
	a, _, _ := newTestApplier(t)
	err := a.Upsert(context.Background(), index.Document{ID: "kb-1", Title: "x", Content: "y", Category: "vsam"})
	if err != nil {
		t.Fatalf("lowercase category rejected: %v", err)
	}
}

func TestDeleteRemovesAndInvalidates(t *testing.T) {
	a, engine, s := newTestApplier(t)
	ctx := context.Background()

	if err := a.Upsert(ctx, index.Document{ID: "kb-1", Title: "VSAM status 93", Content: "storage not available", Category: "VSAM"}); err != nil {
		t.Fatal(err)
	}
	s.Search(ctx, "vsam", searcher.Options{})

	if err := a.Delete(ctx, "kb-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := engine.Document("kb-1"); ok {
		t.Fatal("document survived delete")
	}
	if got := s.Search(ctx, "vsam", searcher.Options{}); got.TotalHits != 0 {
		t.Fatalf("stale results after delete: %+v", got)
	}
}

func TestDeleteUnknownIDIsNoOp(t *testing.T) {
	a, _, _ := newTestApplier(t)
	if err := a.Delete(context.Background(), "kb-missing"); err != nil {
		t.Fatalf("delete of unknown id failed: %v", err)
	}
}

func TestHandleDocumentEvent(t *testing.T) {
	a, engine, _ := newTestApplier(t)
	ctx := context.Background()

	ev := DocumentEvent{Op: OpUpsert, Document: index.Document{ID: "kb-1", Title: "DB2 deadlock", Content: "sqlcode -911", Category: "DB2"}}
	if err := a.HandleDocumentEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, ok := engine.Document("kb-1"); !ok {
		t.Fatal("upsert event not applied")
	}

	if err := a.HandleDocumentEvent(ctx, DocumentEvent{Op: OpDelete, Document: index.Document{ID: "kb-1"}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := engine.Document("kb-1"); ok {
		t.Fatal("delete event not applied")
	}

	err := a.HandleDocumentEvent(ctx, DocumentEvent{Op: "rename"})
	if !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput for unknown op", err)
	}
}

func TestHandleInvalidateEventSkipsOwnOrigin(t *testing.T) {
	a, _, s := newTestApplier(t)
	ctx := context.Background()

	if err := a.Upsert(ctx, index.Document{ID: "kb-1", Title: "JCL abend", Content: "S0C7", Category: "JCL"}); err != nil {
		t.Fatal(err)
	}
	s.Search(ctx, "abend", searcher.Options{})

	if err := a.HandleInvalidateEvent(ctx, InvalidateEvent{DocumentID: "kb-1", Origin: a.Origin()}); err != nil {
		t.Fatal(err)
	}
	var entries int
	for _, ls := range s.CacheStats() {
		entries += ls.Entries
	}
	if entries == 0 {
		t.Fatal("own event was not skipped")
	}
}

func TestHandleInvalidateEventFromPeer(t *testing.T) {
	a, _, s := newTestApplier(t)
	ctx := context.Background()

	if err := a.Upsert(ctx, index.Document{ID: "kb-1", Title: "JCL abend", Content: "S0C7", Category: "JCL"}); err != nil {
		t.Fatal(err)
	}
	s.Search(ctx, "abend", searcher.Options{})

	if err := a.HandleInvalidateEvent(ctx, InvalidateEvent{DocumentID: "kb-1", Origin: "peer-node"}); err != nil {
		t.Fatal(err)
	}
	var entries int
	for _, ls := range s.CacheStats() {
		entries += ls.Entries
	}
	if entries != 0 {
		t.Fatalf("peer invalidation left %d entries", entries)
	}

	// Empty document id means the peer asked for a full flush.
	s.Search(ctx, "abend", searcher.Options{})
	if err := a.HandleInvalidateEvent(ctx, InvalidateEvent{Origin: "peer-node"}); err != nil {
		t.Fatal(err)
	}
	entries = 0
	for _, ls := range s.CacheStats() {
		entries += ls.Entries
	}
	if entries != 0 {
		t.Fatalf("full flush left %d entries", entries)
	}
}
