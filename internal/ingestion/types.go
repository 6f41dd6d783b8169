// Package ingestion applies document mutations to the index and keeps the
// cache coherent. Mutations arrive over HTTP or from the document-events
// Kafka topic; every applied mutation invalidates local cache entries and
// notifies peer instances through the cache-invalidation topic.
package ingestion

import "github.com/aapais/kbsearch/internal/indexer/index"

// Op is the mutation kind carried by a DocumentEvent.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// DocumentEvent is the payload of the document-events topic. For deletes
// only Document.ID is meaningful.
type DocumentEvent struct {
	Op       Op             `json:"op"`
	Document index.Document `json:"document"`
}

// InvalidateEvent is the payload of the cache-invalidation topic. Origin
// identifies the publishing instance so consumers can skip their own
// events; an empty DocumentID means flush everything.
type InvalidateEvent struct {
	DocumentID string `json:"documentId,omitempty"`
	Origin     string `json:"origin"`
}
