// Package indexer owns the document corpus: it wraps the inverted index
// with mutation entry points for the storage collaborator, consistency
// verification, and full rebuilds from the retained documents.
package indexer

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
	"github.com/aapais/kbsearch/pkg/metrics"
)

// Engine is the single logical writer for the index. Mutations are
// serialised by the index's writer lock; queries read published snapshots
// and never block a mutation.
type Engine struct {
	idx        *index.Index
	logger     *slog.Logger
	metrics    *metrics.Metrics // nil-safe
	rebuilding atomic.Bool
}

// NewEngine creates an Engine with an empty index. m may be nil.
func NewEngine(tok *tokenizer.Tokenizer, m *metrics.Metrics) *Engine {
	return &Engine{
		idx:     index.New(tok),
		logger:  slog.Default().With("component", "indexer"),
		metrics: m,
	}
}

// AddDocument indexes a new document.
func (e *Engine) AddDocument(doc index.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is required", pkgerrors.ErrInvalidInput)
	}
	e.idx.Add(doc)
	e.observeMutation()
	if e.metrics != nil {
		e.metrics.DocsIndexedTotal.Inc()
	}
	e.logger.Debug("document indexed", "doc_id", doc.ID, "generation", e.idx.Snapshot().Generation())
	return nil
}

// UpdateDocument re-tokenizes and replaces the document's postings as one
// logical mutation.
func (e *Engine) UpdateDocument(doc index.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is required", pkgerrors.ErrInvalidInput)
	}
	e.idx.Update(doc)
	e.observeMutation()
	if e.metrics != nil {
		e.metrics.DocsIndexedTotal.Inc()
	}
	e.logger.Debug("document updated", "doc_id", doc.ID)
	return nil
}

// RemoveDocument fully reverses the matching add. Removing an unknown id is
// a no-op.
func (e *Engine) RemoveDocument(id string) error {
	if id == "" {
		return fmt.Errorf("%w: document id is required", pkgerrors.ErrInvalidInput)
	}
	e.idx.Remove(id)
	e.observeMutation()
	if e.metrics != nil {
		e.metrics.DocsRemovedTotal.Inc()
	}
	e.logger.Debug("document removed", "doc_id", id)
	return nil
}

// Snapshot returns the current consistent read view.
func (e *Engine) Snapshot() *index.Snapshot {
	return e.idx.Snapshot()
}

// Document returns a stored document by id.
func (e *Engine) Document(id string) (index.Document, bool) {
	return e.idx.Snapshot().Document(id)
}

// Verify checks index invariants on the current snapshot.
func (e *Engine) Verify() error {
	return e.idx.Snapshot().Verify()
}

// Rebuild replaces the whole index from the given documents.
func (e *Engine) Rebuild(docs []index.Document) {
	e.idx.Rebuild(docs)
	e.observeMutation()
	if e.metrics != nil {
		e.metrics.IndexRebuildTotal.Inc()
	}
	e.logger.Info("index rebuilt", "documents", len(docs), "generation", e.idx.Snapshot().Generation())
}

// RecoverConsistency rebuilds the index from its own retained documents.
// Ranking correctness depends on consistent statistics, so inconsistency is
// repaired by a full rebuild rather than silent continuation. Concurrent
// triggers collapse into one rebuild.
func (e *Engine) RecoverConsistency() {
	if !e.rebuilding.CompareAndSwap(false, true) {
		return
	}
	defer e.rebuilding.Store(false)
	docs := e.idx.Snapshot().Documents()
	e.logger.Error("index inconsistency detected, rebuilding", "documents", len(docs))
	e.Rebuild(docs)
}

func (e *Engine) observeMutation() {
	if e.metrics == nil {
		return
	}
	snap := e.idx.Snapshot()
	e.metrics.IndexGeneration.Set(float64(snap.Generation()))
	e.metrics.IndexDocuments.Set(float64(snap.Stats().DocumentCount))
}
