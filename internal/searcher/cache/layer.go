package cache

import (
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
)

// Entry is one cached value plus the bookkeeping its layer's policy and the
// invalidation machinery read. Value is the encoded payload; DocIDs are the
// documents the payload was derived from, so document-level invalidation
// can find affected entries without decoding them.
type Entry struct {
	Key          string
	Value        []byte
	DocIDs       []string
	InsertedAt   time.Time
	LastAccessed time.Time
	AccessCount  int64
	SizeBytes    int64
}

func (e *Entry) touches(docID string) bool {
	for _, id := range e.DocIDs {
		if id == docID {
			return true
		}
	}
	return false
}

// LayerStats is a point-in-time view of one layer, for the stats endpoint.
type LayerStats struct {
	Name      string `json:"name"`
	Policy    string `json:"policy"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"sizeBytes"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
}

// verifyInterval is how many Sets pass between accounting checks.
const verifyInterval = 64

// Layer is one in-memory cache level with its own capacity, TTL, and
// eviction policy. Expired entries are dropped lazily on access.
type Layer struct {
	name       string
	policy     Policy
	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	mu        sync.Mutex
	entries   map[string]*Entry
	curBytes  int64
	setCount  int64
	hits      int64
	misses    int64
	evictions int64

	onEviction func(layer, reason string)
	onFlush    func(layer, reason string)
}

// NewLayer builds a Layer. maxEntries and maxBytes of zero mean unbounded
// on that dimension; ttl of zero means entries never expire.
func NewLayer(name string, policy Policy, maxEntries int, maxBytes int64, ttl time.Duration) *Layer {
	return &Layer{
		name:       name,
		policy:     policy,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ttl:        ttl,
		entries:    make(map[string]*Entry),
	}
}

// Name returns the layer's configured name.
func (l *Layer) Name() string { return l.name }

// Get returns the entry's value and doc ids if present and unexpired.
func (l *Layer) Get(key string) ([]byte, []string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if ok && l.expired(e) {
		l.deleteLocked(key)
		l.noteEviction("ttl")
		ok = false
	}
	if obs, can := l.policy.(interface{ Observe(bool) }); can {
		obs.Observe(ok)
	}
	if !ok {
		l.misses++
		return nil, nil, false
	}
	l.hits++
	e.LastAccessed = time.Now()
	e.AccessCount++
	l.policy.OnAccess(e)
	return e.Value, e.DocIDs, true
}

// Set inserts or replaces an entry, evicting per policy until the layer is
// back within capacity. Periodically it cross-checks the byte accounting;
// a mismatch flushes this layer and reports ErrCacheCorruption.
func (l *Layer) Set(key string, value []byte, docIDs []string) error {
	now := time.Now()
	e := &Entry{
		Key:          key,
		Value:        value,
		DocIDs:       docIDs,
		InsertedAt:   now,
		LastAccessed: now,
		AccessCount:  1,
		SizeBytes:    int64(len(key) + len(value)),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.deleteLocked(key)
	l.entries[key] = e
	l.curBytes += e.SizeBytes
	l.policy.OnInsert(e)

	for l.overCapacityLocked() {
		victim := l.policy.Victim(l.entries)
		if victim == "" || victim == key && len(l.entries) == 1 {
			break
		}
		l.deleteLocked(victim)
		l.noteEviction("capacity")
	}
	// A value larger than the whole byte budget can never fit. Dropping it
	// keeps the capacity bound hard instead of pinning the layer over it.
	if l.overCapacityLocked() {
		if _, ok := l.entries[key]; ok {
			l.deleteLocked(key)
			l.noteEviction("capacity")
		}
	}

	l.setCount++
	if l.setCount%verifyInterval == 0 {
		if err := l.verifyLocked(); err != nil {
			l.flushLocked("corruption")
			return err
		}
	}
	return nil
}

// Delete removes a key if present.
func (l *Layer) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleteLocked(key)
}

// InvalidateDocument removes every entry derived from the given document
// and returns how many were dropped.
func (l *Layer) InvalidateDocument(docID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for key, e := range l.entries {
		if e.touches(docID) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		l.deleteLocked(key)
	}
	return len(keys)
}

// Flush drops every entry.
func (l *Layer) Flush(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked(reason)
}

// Stats returns a snapshot of the layer counters.
func (l *Layer) Stats() LayerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LayerStats{
		Name:      l.name,
		Policy:    l.policy.Name(),
		Entries:   len(l.entries),
		SizeBytes: l.curBytes,
		Hits:      l.hits,
		Misses:    l.misses,
		Evictions: l.evictions,
	}
}

func (l *Layer) expired(e *Entry) bool {
	return l.ttl > 0 && time.Since(e.InsertedAt) > l.ttl
}

func (l *Layer) overCapacityLocked() bool {
	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		return true
	}
	if l.maxBytes > 0 && l.curBytes > l.maxBytes {
		return true
	}
	return false
}

func (l *Layer) deleteLocked(key string) {
	if e, ok := l.entries[key]; ok {
		l.curBytes -= e.SizeBytes
		delete(l.entries, key)
	}
}

func (l *Layer) flushLocked(reason string) {
	l.entries = make(map[string]*Entry)
	l.curBytes = 0
	if l.onFlush != nil {
		l.onFlush(l.name, reason)
	}
}

func (l *Layer) noteEviction(reason string) {
	l.evictions++
	if l.onEviction != nil {
		l.onEviction(l.name, reason)
	}
}

// verifyLocked recomputes the byte total from the entries and compares it
// to the running counter. Divergence means an accounting bug corrupted the
// layer state; the layer is flushed rather than trusted.
func (l *Layer) verifyLocked() error {
	var sum int64
	for _, e := range l.entries {
		sum += e.SizeBytes
	}
	if sum != l.curBytes {
		return fmt.Errorf("%w: layer %s accounts %d bytes but holds %d",
			pkgerrors.ErrCacheCorruption, l.name, l.curBytes, sum)
	}
	return nil
}
