package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aapais/kbsearch/pkg/config"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		Layers: []config.CacheLayerConfig{
			{Name: "l1", Policy: "lfu", MaxEntries: 4, TTL: time.Minute},
			{Name: "l2", Policy: "lru", MaxEntries: 16, TTL: time.Minute},
			{Name: "l3", Policy: "adaptive", MaxEntries: 64, TTL: time.Minute},
		},
	}
}

func newTestCache(t *testing.T) *MultiCache {
	t.Helper()
	mc, err := New(testConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return mc
}

func TestSetWritesAllLayers(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()
	mc.Set(ctx, "q", []byte("v"), []string{"kb-1"})

	for _, layer := range mc.layers {
		if _, _, ok := layer.Get("q"); !ok {
			t.Fatalf("layer %s missing entry after Set", layer.Name())
		}
	}
}

func TestGetPromotesLowerLayerHits(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	// Seed only the bottom layer, as if upper layers already evicted it.
	mc.layers[2].Set("q", []byte("v"), []string{"kb-1"})

	value, _, ok := mc.Get(ctx, "q")
	if !ok || string(value) != "v" {
		t.Fatalf("Get = %q, %v", value, ok)
	}
	for _, layer := range mc.layers[:2] {
		if _, _, ok := layer.Get("q"); !ok {
			t.Fatalf("hit not promoted into layer %s", layer.Name())
		}
	}
}

func TestGetOrComputeCoalescesConcurrentMisses(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()

	var computes int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, []string, error) {
		atomic.AddInt32(&computes, 1)
		<-release
		return []byte("v"), []string{"kb-1"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			value, _, err := mc.GetOrCompute(ctx, "q", compute)
			if err != nil || string(value) != "v" {
				t.Errorf("GetOrCompute = %q, %v", value, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := atomic.LoadInt32(&computes); n != 1 {
		t.Fatalf("compute ran %d times, want 1", n)
	}
	if _, _, ok := mc.Get(ctx, "q"); !ok {
		t.Fatal("computed value not cached")
	}
}

func TestGetOrComputePropagatesErrors(t *testing.T) {
	mc := newTestCache(t)
	boom := errors.New("boom")
	_, _, err := mc.GetOrCompute(context.Background(), "q", func(context.Context) ([]byte, []string, error) {
		return nil, nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, _, ok := mc.Get(context.Background(), "q"); ok {
		t.Fatal("failed compute left an entry behind")
	}
}

func TestGetOrComputeSkipsPopulationOnCancelledContext(t *testing.T) {
	mc := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := mc.GetOrCompute(ctx, "q", func(context.Context) ([]byte, []string, error) {
		cancel()
		return []byte("v"), nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := mc.Get(context.Background(), "q"); ok {
		t.Fatal("cancelled request populated the cache")
	}
}

func TestInvalidateDocumentDropsOnlyDerivedEntries(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()
	mc.Set(ctx, "q1", []byte("v"), []string{"kb-1", "kb-2"})
	mc.Set(ctx, "q2", []byte("v"), []string{"kb-3"})

	mc.InvalidateDocument(ctx, "kb-1")

	if _, _, ok := mc.Get(ctx, "q1"); ok {
		t.Fatal("derived entry q1 survived invalidation")
	}
	if _, _, ok := mc.Get(ctx, "q2"); !ok {
		t.Fatal("unrelated entry q2 was dropped")
	}
}

func TestInvalidateAll(t *testing.T) {
	mc := newTestCache(t)
	ctx := context.Background()
	mc.Set(ctx, "q1", []byte("v"), nil)
	mc.Set(ctx, "q2", []byte("v"), nil)

	mc.InvalidateAll(ctx)
	for _, key := range []string{"q1", "q2"} {
		if _, _, ok := mc.Get(ctx, key); ok {
			t.Fatalf("entry %s survived full flush", key)
		}
	}
}

func TestStatsReportsEveryLayer(t *testing.T) {
	mc := newTestCache(t)
	stats := mc.Stats()
	if len(stats) != 3 {
		t.Fatalf("stats for %d layers, want 3", len(stats))
	}
	if stats[0].Name != "l1" || stats[0].Policy != "lfu" {
		t.Fatalf("top layer stats = %+v", stats[0])
	}
}

func TestNewRejectsEmptyLayerStack(t *testing.T) {
	if _, err := New(config.CacheConfig{}, nil, nil); err == nil {
		t.Fatal("empty layer stack accepted")
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	cfg := config.CacheConfig{Layers: []config.CacheLayerConfig{{Name: "l1", Policy: "fifo"}}}
	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("unknown policy accepted")
	}
}
