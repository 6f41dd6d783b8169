package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aapais/kbsearch/pkg/redis"
	"github.com/aapais/kbsearch/pkg/resilience"
)

const remoteKeyPrefix = "kbsearch:cache:"

// remoteEnvelope is the JSON wrapper stored in Redis: the payload plus the
// document ids local layers need when promoting the entry.
type remoteEnvelope struct {
	DocIDs []string        `json:"docIds,omitempty"`
	Value  json.RawMessage `json:"value"`
}

// RemoteLayer is the optional shared cache level backed by Redis. It is
// strictly best-effort: every operation is bounded by a timeout and gated
// by a circuit breaker, and failures degrade to a miss rather than an
// error. A flapping Redis must never slow queries down.
type RemoteLayer struct {
	client  *redis.Client
	breaker *resilience.CircuitBreaker
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewRemoteLayer wraps a connected Redis client.
func NewRemoteLayer(client *redis.Client, ttl time.Duration) *RemoteLayer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RemoteLayer{
		client:  client,
		breaker: resilience.NewCircuitBreaker("redis-cache", resilience.CircuitBreakerConfig{}),
		ttl:     ttl,
		timeout: 150 * time.Millisecond,
		logger:  slog.Default().With("component", "cache", "layer", "remote"),
	}
}

// Name identifies the layer in metrics and stats.
func (r *RemoteLayer) Name() string { return "remote" }

// Get fetches and unwraps an envelope. Any failure reads as a miss. A nil
// reply is an ordinary miss and must not count against the breaker.
func (r *RemoteLayer) Get(ctx context.Context, key string) ([]byte, []string, bool) {
	var env remoteEnvelope
	found := false
	err := r.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, r.timeout, "redis get", func(ctx context.Context) error {
			raw, err := r.client.Get(ctx, remoteKeyPrefix+key)
			if redis.IsNilError(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		r.logger.Debug("remote cache get failed", "error", err)
		return nil, nil, false
	}
	if !found {
		return nil, nil, false
	}
	return env.Value, env.DocIDs, true
}

// Set stores an envelope with the layer TTL. Failures are logged and
// dropped.
func (r *RemoteLayer) Set(ctx context.Context, key string, value []byte, docIDs []string) {
	payload, err := json.Marshal(remoteEnvelope{DocIDs: docIDs, Value: value})
	if err != nil {
		r.logger.Warn("remote cache envelope encode failed", "error", err)
		return
	}
	err = r.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, r.timeout, "redis set", func(ctx context.Context) error {
			return r.client.Set(ctx, remoteKeyPrefix+key, payload, r.ttl)
		})
	})
	if err != nil {
		r.logger.Debug("remote cache set failed", "error", err)
	}
}

// FlushAll deletes every key in the cache namespace. Document-level
// filtering would require a full scan and decode, so invalidation is
// coarse here; the local layers stay precise.
func (r *RemoteLayer) FlushAll(ctx context.Context) {
	err := r.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, 2*time.Second, "redis flush", func(ctx context.Context) error {
			_, err := r.client.FlushByPattern(ctx, remoteKeyPrefix+"*")
			return err
		})
	})
	if err != nil {
		r.logger.Warn("remote cache flush failed", "error", err)
	}
}
