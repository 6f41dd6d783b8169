// Package store loads the knowledge-base corpus from PostgreSQL at
// startup. The database is the durable system of record; the index is
// rebuilt from it on boot and repaired from its own retained documents at
// runtime.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/pkg/postgres"
	"github.com/aapais/kbsearch/pkg/resilience"
	"github.com/lib/pq"
)

// Store reads kb_entries rows as index documents.
type Store struct {
	client *postgres.Client
	logger *slog.Logger
}

// New wraps a connected Postgres client.
func New(client *postgres.Client) *Store {
	return &Store{
		client: client,
		logger: slog.Default().With("component", "store"),
	}
}

// LoadAll fetches the full corpus, retrying transient failures so a slow
// database start does not kill the service boot.
func (s *Store) LoadAll(ctx context.Context) ([]index.Document, error) {
	var docs []index.Document
	err := resilience.Retry(ctx, "load corpus", resilience.RetryConfig{MaxAttempts: 5}, func() error {
		loaded, err := s.loadAll(ctx)
		if err != nil {
			return err
		}
		docs = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("corpus loaded", "documents", len(docs))
	return docs, nil
}

func (s *Store) loadAll(ctx context.Context) ([]index.Document, error) {
	rows, err := s.client.DB.QueryContext(ctx,
		`SELECT id, title, content, category, tags FROM kb_entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying kb_entries: %w", err)
	}
	defer rows.Close()

	var docs []index.Document
	for rows.Next() {
		var doc index.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.Category, pq.Array(&doc.Tags)); err != nil {
			return nil, fmt.Errorf("scanning kb_entries row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating kb_entries: %w", err)
	}
	return docs, nil
}
