package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aapais/kbsearch/internal/indexer"
	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/internal/searcher"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
	"github.com/aapais/kbsearch/pkg/kafka"
	"github.com/google/uuid"
)

// Applier is the single write path for documents. It validates, mutates
// the index, invalidates affected cache entries, and publishes a peer
// invalidation event.
type Applier struct {
	engine   *indexer.Engine
	searcher *searcher.Searcher
	producer *kafka.Producer // nil when Kafka publishing is disabled
	origin   string
	allowed  map[string]struct{}
	logger   *slog.Logger
}

// NewApplier creates an Applier. categories is the allowed category
// whitelist; producer may be nil.
func NewApplier(engine *indexer.Engine, s *searcher.Searcher, producer *kafka.Producer, categories []string) *Applier {
	allowed := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		allowed[strings.ToLower(c)] = struct{}{}
	}
	return &Applier{
		engine:   engine,
		searcher: s,
		producer: producer,
		origin:   uuid.NewString(),
		allowed:  allowed,
		logger:   slog.Default().With("component", "ingestion"),
	}
}

// Origin returns this instance's identity on the invalidation topic.
func (a *Applier) Origin() string { return a.origin }

// Upsert validates and indexes a document, then invalidates derived cache
// entries locally and on peers.
func (a *Applier) Upsert(ctx context.Context, doc index.Document) error {
	if err := a.validate(doc); err != nil {
		return err
	}
	if err := a.engine.UpdateDocument(doc); err != nil {
		return err
	}
	a.invalidate(ctx, doc.ID)
	return nil
}

// Delete removes a document. Deleting an unknown id still invalidates, in
// case stale cache entries reference it.
func (a *Applier) Delete(ctx context.Context, id string) error {
	if err := a.engine.RemoveDocument(id); err != nil {
		return err
	}
	a.invalidate(ctx, id)
	return nil
}

// HandleDocumentEvent applies one event from the document-events topic.
func (a *Applier) HandleDocumentEvent(ctx context.Context, ev DocumentEvent) error {
	switch ev.Op {
	case OpUpsert:
		return a.Upsert(ctx, ev.Document)
	case OpDelete:
		return a.Delete(ctx, ev.Document.ID)
	default:
		return fmt.Errorf("%w: unknown document event op %q", pkgerrors.ErrInvalidInput, ev.Op)
	}
}

// HandleInvalidateEvent drops cache entries in response to a peer
// mutation. Events published by this instance are skipped; the local
// invalidation already ran when the mutation was applied.
func (a *Applier) HandleInvalidateEvent(ctx context.Context, ev InvalidateEvent) error {
	if ev.Origin == a.origin {
		return nil
	}
	if ev.DocumentID == "" {
		a.searcher.FlushCache(ctx)
		return nil
	}
	a.searcher.InvalidateDocument(ctx, ev.DocumentID)
	return nil
}

func (a *Applier) validate(doc index.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is required", pkgerrors.ErrInvalidInput)
	}
	if doc.Title == "" && doc.Content == "" {
		return fmt.Errorf("%w: document %q has no title or content", pkgerrors.ErrInvalidInput, doc.ID)
	}
	if doc.Category != "" && len(a.allowed) > 0 {
		if _, ok := a.allowed[strings.ToLower(doc.Category)]; !ok {
			return fmt.Errorf("%w: unknown category %q", pkgerrors.ErrInvalidInput, doc.Category)
		}
	}
	return nil
}

// invalidate clears local cache entries and notifies peers. The peer
// publish is best-effort: a Kafka outage must not fail the mutation.
func (a *Applier) invalidate(ctx context.Context, docID string) {
	a.searcher.InvalidateDocument(ctx, docID)
	if a.producer == nil {
		return
	}
	ev := InvalidateEvent{DocumentID: docID, Origin: a.origin}
	if err := a.producer.Publish(ctx, kafka.Event{Key: docID, Value: ev}); err != nil {
		a.logger.Warn("peer cache invalidation publish failed", "doc_id", docID, "error", err)
	}
}
