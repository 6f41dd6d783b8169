// Package cache implements the multi-layer query result cache: a stack of
// in-memory layers with per-layer capacity, TTL, and eviction policy,
// optionally backed by a shared Redis layer. Lookups walk the stack top
// down and promote hits upward; writes go to every layer so the hierarchy
// converges instead of ping-ponging entries.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aapais/kbsearch/pkg/config"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
	"github.com/aapais/kbsearch/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// MultiCache coordinates the layer stack. All values are opaque encoded
// payloads tagged with the document ids they derive from.
type MultiCache struct {
	layers  []*Layer
	remote  *RemoteLayer // nil when Redis is disabled
	sf      singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics // nil-safe
}

// New builds the layer stack from config. m may be nil.
func New(cfg config.CacheConfig, remote *RemoteLayer, m *metrics.Metrics) (*MultiCache, error) {
	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("%w: at least one cache layer is required", pkgerrors.ErrInvalidInput)
	}
	mc := &MultiCache{
		remote:  remote,
		logger:  slog.Default().With("component", "cache"),
		metrics: m,
	}
	for _, lc := range cfg.Layers {
		policy, err := NewPolicy(lc.Policy)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", lc.Name, err)
		}
		layer := NewLayer(lc.Name, policy, lc.MaxEntries, lc.MaxBytes, lc.TTL)
		if m != nil {
			layer.onEviction = func(name, reason string) {
				m.CacheEvictionsTotal.WithLabelValues(name, reason).Inc()
			}
			layer.onFlush = func(name, reason string) {
				m.CacheFlushesTotal.WithLabelValues(name, reason).Inc()
			}
		}
		mc.layers = append(mc.layers, layer)
	}
	return mc, nil
}

// Get walks the layers top down. A hit in a lower layer is copied into
// every layer above it so the next lookup lands in the fastest layer. The
// remote layer, when present, sits below all local layers.
func (mc *MultiCache) Get(ctx context.Context, key string) ([]byte, []string, bool) {
	for i, layer := range mc.layers {
		value, docIDs, ok := layer.Get(key)
		if !ok {
			if mc.metrics != nil {
				mc.metrics.CacheMissesTotal.WithLabelValues(layer.Name()).Inc()
			}
			continue
		}
		if mc.metrics != nil {
			mc.metrics.CacheHitsTotal.WithLabelValues(layer.Name()).Inc()
		}
		mc.promote(key, value, docIDs, i)
		return value, docIDs, true
	}

	if mc.remote == nil {
		return nil, nil, false
	}
	value, docIDs, ok := mc.remote.Get(ctx, key)
	if !ok {
		if mc.metrics != nil {
			mc.metrics.CacheMissesTotal.WithLabelValues(mc.remote.Name()).Inc()
		}
		return nil, nil, false
	}
	if mc.metrics != nil {
		mc.metrics.CacheHitsTotal.WithLabelValues(mc.remote.Name()).Inc()
	}
	mc.promote(key, value, docIDs, len(mc.layers))
	return value, docIDs, true
}

// promote copies a hit into all layers above the hit layer.
func (mc *MultiCache) promote(key string, value []byte, docIDs []string, hitLayer int) {
	for i := 0; i < hitLayer && i < len(mc.layers); i++ {
		if err := mc.setLayer(mc.layers[i], key, value, docIDs); err == nil && mc.metrics != nil {
			mc.metrics.CachePromotionsTotal.WithLabelValues(mc.layers[i].Name()).Inc()
		}
	}
}

// Set writes the entry to every layer, local and remote.
func (mc *MultiCache) Set(ctx context.Context, key string, value []byte, docIDs []string) {
	for _, layer := range mc.layers {
		_ = mc.setLayer(layer, key, value, docIDs)
	}
	if mc.remote != nil {
		mc.remote.Set(ctx, key, value, docIDs)
	}
}

func (mc *MultiCache) setLayer(layer *Layer, key string, value []byte, docIDs []string) error {
	err := layer.Set(key, value, docIDs)
	if errors.Is(err, pkgerrors.ErrCacheCorruption) {
		// The layer has already flushed itself; the stack stays usable.
		mc.logger.Error("cache layer accounting corrupted, layer flushed",
			"layer", layer.Name(), "error", err)
	}
	return err
}

// GetOrCompute returns the cached value for key, or runs compute exactly
// once per key across concurrent callers and caches its result. compute
// returns the encoded payload plus the document ids it derives from.
func (mc *MultiCache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) ([]byte, []string, error)) ([]byte, bool, error) {
	if value, _, ok := mc.Get(ctx, key); ok {
		return value, true, nil
	}

	type result struct {
		value  []byte
		docIDs []string
	}
	v, err, _ := mc.sf.Do(key, func() (interface{}, error) {
		// A concurrent winner may have populated the cache while this
		// caller waited on the flight group.
		if value, docIDs, ok := mc.Get(ctx, key); ok {
			return result{value: value, docIDs: docIDs}, nil
		}
		value, docIDs, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if ctx.Err() == nil {
			mc.Set(ctx, key, value, docIDs)
		}
		return result{value: value, docIDs: docIDs}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(result).value, false, nil
}

// InvalidateDocument drops every cached entry derived from the document,
// across all local layers. The remote layer cannot be filtered by doc id
// cheaply, so its namespace is flushed wholesale.
func (mc *MultiCache) InvalidateDocument(ctx context.Context, docID string) int {
	total := 0
	for _, layer := range mc.layers {
		total += layer.InvalidateDocument(docID)
	}
	if mc.remote != nil {
		mc.remote.FlushAll(ctx)
	}
	if total > 0 {
		mc.logger.Debug("cache invalidated for document", "doc_id", docID, "entries", total)
	}
	return total
}

// InvalidateAll flushes every layer.
func (mc *MultiCache) InvalidateAll(ctx context.Context) {
	for _, layer := range mc.layers {
		layer.Flush("admin")
	}
	if mc.remote != nil {
		mc.remote.FlushAll(ctx)
	}
	mc.logger.Info("all cache layers flushed")
}

// Stats reports per-layer statistics, top layer first.
func (mc *MultiCache) Stats() []LayerStats {
	stats := make([]LayerStats, 0, len(mc.layers))
	for _, layer := range mc.layers {
		stats = append(stats, layer.Stats())
	}
	return stats
}
