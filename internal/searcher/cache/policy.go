package cache

import (
	"fmt"
	"time"
)

// Policy decides which entry a full layer evicts. Implementations receive
// lifecycle callbacks so they can maintain whatever bookkeeping they need;
// all calls happen under the owning layer's lock.
type Policy interface {
	Name() string
	OnInsert(e *Entry)
	OnAccess(e *Entry)
	// Victim returns the key to evict. It is only called on a non-empty
	// entry set.
	Victim(entries map[string]*Entry) string
}

// NewPolicy returns the Policy for a config name: lru, lfu, or adaptive.
func NewPolicy(name string) (Policy, error) {
	switch name {
	case "lru":
		return &lruPolicy{}, nil
	case "lfu":
		return &lfuPolicy{}, nil
	case "adaptive":
		return newAdaptivePolicy(), nil
	default:
		return nil, fmt.Errorf("unknown cache policy %q", name)
	}
}

type lruPolicy struct{}

func (*lruPolicy) Name() string      { return "lru" }
func (*lruPolicy) OnInsert(e *Entry) {}
func (*lruPolicy) OnAccess(e *Entry) {}

func (*lruPolicy) Victim(entries map[string]*Entry) string {
	var victim string
	var oldest time.Time
	for key, e := range entries {
		if victim == "" || e.LastAccessed.Before(oldest) {
			victim = key
			oldest = e.LastAccessed
		}
	}
	return victim
}

type lfuPolicy struct{}

func (*lfuPolicy) Name() string      { return "lfu" }
func (*lfuPolicy) OnInsert(e *Entry) {}
func (*lfuPolicy) OnAccess(e *Entry) {}

// Victim picks the least-accessed entry, breaking ties by staleness so a
// cold newcomer does not shadow an equally cold old entry forever.
func (*lfuPolicy) Victim(entries map[string]*Entry) string {
	var victim string
	var minCount int64
	var oldest time.Time
	for key, e := range entries {
		if victim == "" ||
			e.AccessCount < minCount ||
			(e.AccessCount == minCount && e.LastAccessed.Before(oldest)) {
			victim = key
			minCount = e.AccessCount
			oldest = e.LastAccessed
		}
	}
	return victim
}

// adaptivePolicy blends recency and frequency into one eviction score and
// shifts the blend weight with the observed hit-rate trend: a falling hit
// rate moves weight toward recency, a rising one toward frequency.
type adaptivePolicy struct {
	recencyWeight float64

	windowHits  int
	windowTotal int
	prevHitRate float64
}

const (
	adaptiveWindow     = 256
	adaptiveWeightStep = 0.05
	adaptiveWeightMin  = 0.1
	adaptiveWeightMax  = 0.9
)

func newAdaptivePolicy() *adaptivePolicy {
	return &adaptivePolicy{recencyWeight: 0.5, prevHitRate: -1}
}

func (*adaptivePolicy) Name() string      { return "adaptive" }
func (*adaptivePolicy) OnInsert(e *Entry) {}
func (*adaptivePolicy) OnAccess(e *Entry) {}

// Observe feeds one lookup outcome into the rolling window. Called under
// the layer lock.
func (p *adaptivePolicy) Observe(hit bool) {
	p.windowTotal++
	if hit {
		p.windowHits++
	}
	if p.windowTotal < adaptiveWindow {
		return
	}
	rate := float64(p.windowHits) / float64(p.windowTotal)
	if p.prevHitRate >= 0 {
		if rate < p.prevHitRate {
			p.recencyWeight += adaptiveWeightStep
		} else if rate > p.prevHitRate {
			p.recencyWeight -= adaptiveWeightStep
		}
		if p.recencyWeight < adaptiveWeightMin {
			p.recencyWeight = adaptiveWeightMin
		}
		if p.recencyWeight > adaptiveWeightMax {
			p.recencyWeight = adaptiveWeightMax
		}
	}
	p.prevHitRate = rate
	p.windowHits = 0
	p.windowTotal = 0
}

// Victim scores each entry as w*(normalised age) + (1-w)*(1 - normalised
// access count) and evicts the highest scorer.
func (p *adaptivePolicy) Victim(entries map[string]*Entry) string {
	now := time.Now()
	var maxAge time.Duration
	var maxCount int64
	for _, e := range entries {
		if age := now.Sub(e.LastAccessed); age > maxAge {
			maxAge = age
		}
		if e.AccessCount > maxCount {
			maxCount = e.AccessCount
		}
	}

	var victim string
	var worst float64 = -1
	for key, e := range entries {
		ageScore := 0.0
		if maxAge > 0 {
			ageScore = float64(now.Sub(e.LastAccessed)) / float64(maxAge)
		}
		freqScore := 0.0
		if maxCount > 0 {
			freqScore = 1 - float64(e.AccessCount)/float64(maxCount)
		}
		score := p.recencyWeight*ageScore + (1-p.recencyWeight)*freqScore
		if score > worst || (score == worst && key < victim) {
			worst = score
			victim = key
		}
	}
	return victim
}
