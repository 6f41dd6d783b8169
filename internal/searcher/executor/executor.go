// Package executor evaluates a parsed query plan against one index
// snapshot and ranks the matching documents. The whole evaluation reads a
// single snapshot, so candidate sets, posting lists, and the statistics the
// ranker consumes all belong to the same generation.
package executor

import (
	"context"
	"fmt"
	"sort"

	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/internal/searcher/parser"
	"github.com/aapais/kbsearch/internal/searcher/ranker"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
)

// Executor runs plans. It is stateless apart from the ranker parameters.
type Executor struct {
	ranker *ranker.Ranker
}

// New creates an Executor scoring with the given ranker.
func New(r *ranker.Ranker) *Executor {
	return &Executor{ranker: r}
}

// Execute returns every document matching the plan, ranked. Documents that
// match only through non-scoring constructs (pure NOT branches, field
// scopes, wildcards whose expansions carry no weight) follow the scored
// results with score zero, ordered by id.
func (e *Executor) Execute(ctx context.Context, snap *index.Snapshot, plan *parser.QueryPlan) ([]ranker.ScoredDoc, error) {
	if plan.Empty() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates, err := e.eval(snap, plan.Root)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for id := range candidates {
		if _, ok := snap.Document(id); !ok {
			return nil, fmt.Errorf("%w: candidate %q has no stored document",
				pkgerrors.ErrIndexInconsistency, id)
		}
	}

	matched := make(map[string]index.PostingList)
	for _, term := range plan.ScoringTerms() {
		list := filterPostings(snap.Postings(term), candidates)
		if len(list) > 0 {
			matched[term] = list
		}
	}

	ranked := e.ranker.Rank(matched, snap.Stats(), snap.DocFreq, snap.DocLength)

	// Candidates no scoring term touched still matched the query.
	scored := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		scored[r.DocID] = struct{}{}
	}
	var unscored []string
	for id := range candidates {
		if _, ok := scored[id]; !ok {
			unscored = append(unscored, id)
		}
	}
	sort.Strings(unscored)
	for _, id := range unscored {
		ranked = append(ranked, ranker.ScoredDoc{DocID: id})
	}
	return ranked, nil
}

func (e *Executor) eval(snap *index.Snapshot, node parser.Node) (map[string]struct{}, error) {
	switch n := node.(type) {
	case parser.Term:
		return postingDocs(snap.Postings(n.Value)), nil

	case parser.Phrase:
		return phraseDocs(snap, n.Terms), nil

	case parser.And:
		var acc map[string]struct{}
		for _, child := range n.Children {
			set, err := e.eval(snap, child)
			if err != nil {
				return nil, err
			}
			if acc == nil {
				acc = set
				continue
			}
			acc = intersect(acc, set)
			if len(acc) == 0 {
				return acc, nil
			}
		}
		return acc, nil

	case parser.Or:
		acc := make(map[string]struct{})
		for _, child := range n.Children {
			set, err := e.eval(snap, child)
			if err != nil {
				return nil, err
			}
			for id := range set {
				acc[id] = struct{}{}
			}
		}
		return acc, nil

	case parser.Not:
		excluded, err := e.eval(snap, n.Child)
		if err != nil {
			return nil, err
		}
		acc := make(map[string]struct{})
		for _, id := range snap.AllDocIDs() {
			if _, ok := excluded[id]; !ok {
				acc[id] = struct{}{}
			}
		}
		return acc, nil

	case parser.Wildcard:
		acc := make(map[string]struct{})
		for _, term := range snap.TermsWithPrefix(n.Prefix) {
			for id := range postingDocs(snap.Postings(term)) {
				acc[id] = struct{}{}
			}
		}
		return acc, nil

	case parser.FieldScoped:
		acc := make(map[string]struct{})
		for id := range snap.FieldDocs(n.Field, n.Value) {
			acc[id] = struct{}{}
		}
		return acc, nil

	default:
		return nil, fmt.Errorf("%w: unknown plan node %T", pkgerrors.ErrInternal, node)
	}
}

// phraseDocs returns the documents containing the terms contiguously in
// order, checked against the positional postings.
func phraseDocs(snap *index.Snapshot, terms []string) map[string]struct{} {
	if len(terms) == 0 {
		return nil
	}

	lists := make([]index.PostingList, len(terms))
	for i, term := range terms {
		lists[i] = snap.Postings(term)
		if len(lists[i]) == 0 {
			return nil
		}
	}

	acc := postingDocs(lists[0])
	for _, list := range lists[1:] {
		acc = intersect(acc, postingDocs(list))
		if len(acc) == 0 {
			return acc
		}
	}

	positions := make([]map[int]struct{}, len(terms))
	out := make(map[string]struct{})
	for id := range acc {
		for i, list := range lists {
			positions[i] = docPositions(list, id)
		}
		for start := range positions[0] {
			match := true
			for i := 1; i < len(positions); i++ {
				if _, ok := positions[i][start+i]; !ok {
					match = false
					break
				}
			}
			if match {
				out[id] = struct{}{}
				break
			}
		}
	}
	return out
}

func docPositions(list index.PostingList, id string) map[int]struct{} {
	i := sort.Search(len(list), func(i int) bool { return list[i].DocID >= id })
	set := make(map[int]struct{})
	if i < len(list) && list[i].DocID == id {
		for _, p := range list[i].Positions {
			set[p] = struct{}{}
		}
	}
	return set
}

func postingDocs(list index.PostingList) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, p := range list {
		set[p.DocID] = struct{}{}
	}
	return set
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func filterPostings(list index.PostingList, candidates map[string]struct{}) index.PostingList {
	out := make(index.PostingList, 0, len(list))
	for _, p := range list {
		if _, ok := candidates[p.DocID]; ok {
			out = append(out, p)
		}
	}
	return out
}
