// Package consumer runs the Kafka consume loops feeding the ingestion
// applier: one for document mutations, one for peer cache invalidation.
package consumer

import (
	"context"
	"log/slog"

	"github.com/aapais/kbsearch/internal/ingestion"
	"github.com/aapais/kbsearch/pkg/config"
	"github.com/aapais/kbsearch/pkg/kafka"
)

// Consumers holds both consume loops for lifecycle management.
type Consumers struct {
	documents  *kafka.Consumer
	invalidate *kafka.Consumer
	logger     *slog.Logger
}

// New wires the applier to the configured topics.
func New(cfg config.KafkaConfig, applier *ingestion.Applier) *Consumers {
	documents := kafka.NewConsumer(cfg, cfg.Topics.DocumentEvents,
		func(ctx context.Context, key, value []byte) error {
			ev, err := kafka.DecodeJSON[ingestion.DocumentEvent](value)
			if err != nil {
				return err
			}
			return applier.HandleDocumentEvent(ctx, ev)
		})

	invalidate := kafka.NewConsumer(cfg, cfg.Topics.CacheInvalidate,
		func(ctx context.Context, key, value []byte) error {
			ev, err := kafka.DecodeJSON[ingestion.InvalidateEvent](value)
			if err != nil {
				return err
			}
			return applier.HandleInvalidateEvent(ctx, ev)
		})

	return &Consumers{
		documents:  documents,
		invalidate: invalidate,
		logger:     slog.Default().With("component", "ingestion-consumers"),
	}
}

// Start launches both consume loops and blocks until ctx is cancelled.
func (c *Consumers) Start(ctx context.Context) {
	go func() {
		if err := c.documents.Start(ctx); err != nil {
			c.logger.Error("document events consumer stopped", "error", err)
		}
	}()
	go func() {
		if err := c.invalidate.Start(ctx); err != nil {
			c.logger.Error("cache invalidation consumer stopped", "error", err)
		}
	}()
}

// Close shuts both readers down.
func (c *Consumers) Close() {
	if err := c.documents.Close(); err != nil {
		c.logger.Warn("closing document events consumer", "error", err)
	}
	if err := c.invalidate.Close(); err != nil {
		c.logger.Warn("closing cache invalidation consumer", "error", err)
	}
}
