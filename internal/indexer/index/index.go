// Package index implements the positional inverted index behind the search
// core. Mutations are serialised through a writer lock and publish immutable
// copy-on-write snapshots; readers pin one snapshot for an entire query, so
// posting lists and corpus statistics always belong to a single mutation
// generation.
package index

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
)

// Index is the mutable handle. All reads go through Snapshot().
type Index struct {
	mu   sync.Mutex // serialises writers
	snap atomic.Pointer[Snapshot]
	tok  *tokenizer.Tokenizer
}

// Snapshot is an immutable view of the index at one generation. It must not
// be modified; mutations build a fresh Snapshot and publish it atomically.
type Snapshot struct {
	generation  uint64
	postings    map[string]PostingList
	docs        map[string]*docEntry
	fields      map[string]map[string]map[string]struct{} // field -> key -> doc id set
	totalTokens int64
}

// New creates an empty Index using the given tokenizer.
func New(tok *tokenizer.Tokenizer) *Index {
	idx := &Index{tok: tok}
	idx.snap.Store(&Snapshot{
		postings: make(map[string]PostingList),
		docs:     make(map[string]*docEntry),
		fields:   make(map[string]map[string]map[string]struct{}),
	})
	return idx
}

// Snapshot returns the current immutable view.
func (x *Index) Snapshot() *Snapshot {
	return x.snap.Load()
}

// Add indexes a document. Adding an id that is already present replaces the
// previous version in the same publish, so readers never see both.
func (x *Index) Add(doc Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	next := x.snap.Load().clone()
	next.remove(doc.ID)
	next.add(doc, x.tok)
	next.generation++
	x.snap.Store(next)
}

// Update is remove-then-add under one snapshot publish: no term statistic is
// ever observable in a half-updated state.
func (x *Index) Update(doc Document) {
	x.Add(doc)
}

// Remove deletes a document and reverses its statistics contributions
// exactly. Removing an absent id is a no-op, not an error.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	if _, ok := cur.docs[id]; !ok {
		return
	}
	next := cur.clone()
	next.remove(id)
	next.generation++
	x.snap.Store(next)
}

// Rebuild replaces the entire index contents with the given documents in a
// single publish.
func (x *Index) Rebuild(docs []Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	next := &Snapshot{
		generation: x.snap.Load().generation + 1,
		postings:   make(map[string]PostingList),
		docs:       make(map[string]*docEntry),
		fields:     make(map[string]map[string]map[string]struct{}),
	}
	for _, doc := range docs {
		next.add(doc, x.tok)
	}
	x.snap.Store(next)
}

// clone makes a shallow copy of the snapshot's top-level maps. Posting
// lists and doc-id sets are replaced wholesale when touched, never edited
// in place, so sharing the untouched values is safe.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		generation:  s.generation,
		postings:    make(map[string]PostingList, len(s.postings)),
		docs:        make(map[string]*docEntry, len(s.docs)),
		fields:      make(map[string]map[string]map[string]struct{}, len(s.fields)),
		totalTokens: s.totalTokens,
	}
	for term, list := range s.postings {
		next.postings[term] = list
	}
	for id, entry := range s.docs {
		next.docs[id] = entry
	}
	for field, keys := range s.fields {
		inner := make(map[string]map[string]struct{}, len(keys))
		for key, ids := range keys {
			inner[key] = ids
		}
		next.fields[field] = inner
	}
	return next
}

func (s *Snapshot) add(doc Document, tok *tokenizer.Tokenizer) {
	tokens := tok.Tokenize(doc.Title + " " + doc.Content)

	perTerm := make(map[string]*Posting)
	for _, t := range tokens {
		p, ok := perTerm[t.Stem]
		if !ok {
			p = &Posting{DocID: doc.ID}
			perTerm[t.Stem] = p
		}
		p.Frequency++
		p.Positions = append(p.Positions, t.Position)
	}

	terms := make([]string, 0, len(perTerm))
	for term, posting := range perTerm {
		terms = append(terms, term)
		old := s.postings[term]
		list := make(PostingList, 0, len(old)+1)
		list = append(list, old...)
		list = append(list, *posting)
		sort.Slice(list, func(i, j int) bool { return list[i].DocID < list[j].DocID })
		s.postings[term] = list
	}
	sort.Strings(terms)

	s.docs[doc.ID] = &docEntry{doc: doc, length: len(tokens), terms: terms}
	s.totalTokens += int64(len(tokens))

	for _, t := range tok.Tokenize(doc.Title) {
		s.fieldAdd(FieldTitle, t.Stem, doc.ID)
	}
	if doc.Category != "" {
		s.fieldAdd(FieldCategory, strings.ToLower(doc.Category), doc.ID)
	}
	for _, tag := range doc.Tags {
		if tag != "" {
			s.fieldAdd(FieldTags, strings.ToLower(tag), doc.ID)
		}
	}
}

func (s *Snapshot) remove(id string) {
	entry, ok := s.docs[id]
	if !ok {
		return
	}
	for _, term := range entry.terms {
		old := s.postings[term]
		list := make(PostingList, 0, len(old))
		for _, p := range old {
			if p.DocID != id {
				list = append(list, p)
			}
		}
		if len(list) == 0 {
			delete(s.postings, term)
		} else {
			s.postings[term] = list
		}
	}
	delete(s.docs, id)
	s.totalTokens -= int64(entry.length)

	for field, keys := range s.fields {
		for key, ids := range keys {
			if _, ok := ids[id]; !ok {
				continue
			}
			next := make(map[string]struct{}, len(ids)-1)
			for docID := range ids {
				if docID != id {
					next[docID] = struct{}{}
				}
			}
			if len(next) == 0 {
				delete(keys, key)
			} else {
				keys[key] = next
			}
		}
		if len(keys) == 0 {
			delete(s.fields, field)
		}
	}
}

// fieldAdd replaces the doc-id set for a field key with a copy including id.
func (s *Snapshot) fieldAdd(field, key, id string) {
	keys, ok := s.fields[field]
	if !ok {
		keys = make(map[string]map[string]struct{})
		s.fields[field] = keys
	}
	old := keys[key]
	next := make(map[string]struct{}, len(old)+1)
	for docID := range old {
		next[docID] = struct{}{}
	}
	next[id] = struct{}{}
	keys[key] = next
}

// Generation returns the snapshot's mutation generation.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Postings returns the posting list for a match key, or nil.
func (s *Snapshot) Postings(term string) PostingList {
	return s.postings[term]
}

// DocFreq returns the number of documents containing the term. Each
// document counts once regardless of occurrence count.
func (s *Snapshot) DocFreq(term string) int {
	return len(s.postings[term])
}

// DocumentFrequencies returns a fresh term -> document-frequency map.
func (s *Snapshot) DocumentFrequencies() map[string]int {
	df := make(map[string]int, len(s.postings))
	for term, list := range s.postings {
		df[term] = len(list)
	}
	return df
}

// Stats returns the corpus statistics of this snapshot.
func (s *Snapshot) Stats() CorpusStats {
	n := len(s.docs)
	stats := CorpusStats{DocumentCount: n}
	if n > 0 {
		stats.AvgDocLength = float64(s.totalTokens) / float64(n)
	}
	return stats
}

// Document returns the stored document by id.
func (s *Snapshot) Document(id string) (Document, bool) {
	entry, ok := s.docs[id]
	if !ok {
		return Document{}, false
	}
	return entry.doc, true
}

// DocLength returns the token count of a document, 0 if absent.
func (s *Snapshot) DocLength(id string) int {
	if entry, ok := s.docs[id]; ok {
		return entry.length
	}
	return 0
}

// AllDocIDs returns the ids of every indexed document, sorted.
func (s *Snapshot) AllDocIDs() []string {
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Documents returns all stored documents, for rebuilds.
func (s *Snapshot) Documents() []Document {
	docs := make([]Document, 0, len(s.docs))
	for _, entry := range s.docs {
		docs = append(docs, entry.doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// TermsWithPrefix returns all match keys beginning with prefix, sorted, for
// wildcard expansion.
func (s *Snapshot) TermsWithPrefix(prefix string) []string {
	var terms []string
	for term := range s.postings {
		if strings.HasPrefix(term, prefix) {
			terms = append(terms, term)
		}
	}
	sort.Strings(terms)
	return terms
}

// FieldDocs returns the ids of documents whose field matches key.
func (s *Snapshot) FieldDocs(field, key string) map[string]struct{} {
	keys, ok := s.fields[field]
	if !ok {
		return nil
	}
	return keys[key]
}

// Verify checks internal invariants: every posting must reference a stored
// document, and stored per-document terms must have postings. A violation
// is reported as ErrIndexInconsistency and should trigger a full rebuild.
func (s *Snapshot) Verify() error {
	for term, list := range s.postings {
		for _, p := range list {
			if _, ok := s.docs[p.DocID]; !ok {
				return fmt.Errorf("%w: term %q references missing document %q",
					pkgerrors.ErrIndexInconsistency, term, p.DocID)
			}
		}
	}
	for id, entry := range s.docs {
		for _, term := range entry.terms {
			if len(s.postings[term]) == 0 {
				return fmt.Errorf("%w: document %q lists term %q with no postings",
					pkgerrors.ErrIndexInconsistency, id, term)
			}
		}
	}
	return nil
}
