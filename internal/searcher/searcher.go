// Package searcher orchestrates a query end to end: parse, consult the
// cache, execute against the current index snapshot, rank, render
// snippets, and populate the cache for the next caller. Queries are
// fail-soft: malformed input and internal failures both produce an empty
// result set, never a user-visible error.
package searcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aapais/kbsearch/internal/indexer"
	"github.com/aapais/kbsearch/internal/searcher/cache"
	"github.com/aapais/kbsearch/internal/searcher/executor"
	"github.com/aapais/kbsearch/internal/searcher/parser"
	"github.com/aapais/kbsearch/internal/searcher/ranker"
	"github.com/aapais/kbsearch/internal/searcher/snippet"
	"github.com/aapais/kbsearch/pkg/config"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
	"github.com/aapais/kbsearch/pkg/metrics"
)

// Cache key namespaces. Full result pages and bare hit counts have
// different lifetimes and sizes, so they are cached under separate keys.
const (
	nsResults = "results:"
	nsHits    = "hits:"
)

// Options control pagination of one search call.
type Options struct {
	Limit  int
	Offset int
}

// RankedResult is one hit as returned to callers.
type RankedResult struct {
	DocumentID string  `json:"documentId"`
	Title      string  `json:"title"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// Response is the outcome of one search. Hint is set only when the query
// was malformed and explains what to fix.
type Response struct {
	Results   []RankedResult `json:"results"`
	TotalHits int            `json:"totalHits"`
	Hint      string         `json:"hint,omitempty"`
}

// cachedResults is the payload stored under the results namespace: the
// full ranked window up to MaxResults, paginated per request on retrieval.
type cachedResults struct {
	Results   []RankedResult `json:"results"`
	TotalHits int            `json:"totalHits"`
}

// Searcher wires the query pipeline together.
type Searcher struct {
	engine  *indexer.Engine
	parser  *parser.Parser
	exec    *executor.Executor
	snip    *snippet.Generator
	cache   *cache.MultiCache
	cfg     config.SearchConfig
	logger  *slog.Logger
	metrics *metrics.Metrics // nil-safe
}

// New assembles a Searcher. m may be nil.
func New(engine *indexer.Engine, p *parser.Parser, mc *cache.MultiCache, cfg config.SearchConfig, m *metrics.Metrics) *Searcher {
	return &Searcher{
		engine:  engine,
		parser:  p,
		exec:    executor.New(ranker.New(cfg.BM25K1, cfg.BM25B)),
		snip:    snippet.New(cfg.SnippetLength, cfg.SnippetContextWords),
		cache:   mc,
		cfg:     cfg,
		logger:  slog.Default().With("component", "searcher"),
		metrics: m,
	}
}

// Search runs one query. Syntax errors return an empty Response carrying a
// hint; execution failures return an empty Response and are logged, with
// index inconsistencies additionally triggering an asynchronous rebuild.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) *Response {
	start := time.Now()
	opts = s.clamp(opts)

	plan, err := s.parser.Parse(query)
	if err != nil {
		var syntaxErr *parser.SyntaxError
		hint := "malformed query"
		if errors.As(err, &syntaxErr) {
			hint = syntaxErr.Hint()
		}
		s.observe("syntax_error", "none", 0, start)
		s.logger.Debug("query rejected", "query", query, "hint", hint)
		return &Response{Results: []RankedResult{}, Hint: hint}
	}
	if plan.Empty() {
		s.observe("zero_result", "none", 0, start)
		return &Response{Results: []RankedResult{}}
	}

	key := fmt.Sprintf("%s%016x", nsResults, plan.Hash())
	payload, hit, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, []string, error) {
		return s.compute(ctx, plan)
	})
	if err != nil {
		s.fail(query, err)
		s.observe("error", "miss", 0, start)
		return &Response{Results: []RankedResult{}}
	}

	var full cachedResults
	if err := json.Unmarshal(payload, &full); err != nil {
		s.fail(query, fmt.Errorf("decoding cached results: %w", err))
		s.observe("error", "hit", 0, start)
		return &Response{Results: []RankedResult{}}
	}

	page := paginate(full.Results, opts)
	status := "miss"
	if hit {
		status = "hit"
	}
	outcome := "ok"
	if full.TotalHits == 0 {
		outcome = "zero_result"
	}
	s.observe(outcome, status, len(page), start)
	s.logger.Debug("search completed",
		"query", query,
		"total_hits", full.TotalHits,
		"returned", len(page),
		"cache", status,
		"duration", time.Since(start),
	)
	return &Response{Results: page, TotalHits: full.TotalHits}
}

// Count returns only the number of matching documents, cached under its
// own namespace so count-only callers do not pull full result payloads
// through the layers.
func (s *Searcher) Count(ctx context.Context, query string) (int, error) {
	plan, err := s.parser.Parse(query)
	if err != nil {
		return 0, err
	}
	if plan.Empty() {
		return 0, nil
	}

	key := fmt.Sprintf("%s%016x", nsHits, plan.Hash())
	payload, _, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) ([]byte, []string, error) {
		snap := s.engine.Snapshot()
		ranked, err := s.exec.Execute(ctx, snap, plan)
		if err != nil {
			return nil, nil, err
		}
		docIDs := make([]string, 0, len(ranked))
		for _, r := range ranked {
			docIDs = append(docIDs, r.DocID)
		}
		raw, err := json.Marshal(len(ranked))
		return raw, docIDs, err
	})
	if err != nil {
		s.fail(query, err)
		return 0, err
	}
	var n int
	if err := json.Unmarshal(payload, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// compute executes a cache miss: evaluate the plan against one snapshot,
// rank, and render snippets for the retained window.
func (s *Searcher) compute(ctx context.Context, plan *parser.QueryPlan) ([]byte, []string, error) {
	snap := s.engine.Snapshot()
	ranked, err := s.exec.Execute(ctx, snap, plan)
	if err != nil {
		return nil, nil, err
	}

	total := len(ranked)
	// The invalidation predicate must see every matched document, not just
	// the retained window: TotalHits depends on matches beyond it.
	docIDs := make([]string, 0, total)
	for _, r := range ranked {
		docIDs = append(docIDs, r.DocID)
	}
	if len(ranked) > s.cfg.MaxResults {
		ranked = ranked[:s.cfg.MaxResults]
	}

	display := plan.DisplayTerms()
	results := make([]RankedResult, 0, len(ranked))
	for _, r := range ranked {
		doc, ok := snap.Document(r.DocID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: ranked document %q missing from snapshot",
				pkgerrors.ErrIndexInconsistency, r.DocID)
		}
		results = append(results, RankedResult{
			DocumentID: doc.ID,
			Title:      doc.Title,
			Score:      r.Score,
			Snippet:    s.snip.Generate(doc.Content, display),
		})
	}

	payload, err := json.Marshal(cachedResults{Results: results, TotalHits: total})
	if err != nil {
		return nil, nil, err
	}
	return payload, docIDs, nil
}

// InvalidateDocument drops cached entries derived from the document. Used
// by the ingestion path after every mutation.
func (s *Searcher) InvalidateDocument(ctx context.Context, docID string) int {
	return s.cache.InvalidateDocument(ctx, docID)
}

// FlushCache clears every cache layer.
func (s *Searcher) FlushCache(ctx context.Context) {
	s.cache.InvalidateAll(ctx)
}

// CacheStats reports per-layer cache statistics.
func (s *Searcher) CacheStats() []cache.LayerStats {
	return s.cache.Stats()
}

func (s *Searcher) clamp(opts Options) Options {
	if opts.Limit <= 0 {
		opts.Limit = s.cfg.DefaultLimit
	}
	if opts.Limit > s.cfg.MaxResults {
		opts.Limit = s.cfg.MaxResults
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

func paginate(results []RankedResult, opts Options) []RankedResult {
	if opts.Offset >= len(results) {
		return []RankedResult{}
	}
	end := opts.Offset + opts.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[opts.Offset:end]
}

// fail logs an execution failure and schedules recovery when the index
// reported an inconsistency.
func (s *Searcher) fail(query string, err error) {
	s.logger.Error("search failed", "query", query, "error", err)
	if errors.Is(err, pkgerrors.ErrIndexInconsistency) {
		go s.engine.RecoverConsistency()
	}
}

func (s *Searcher) observe(outcome, cacheStatus string, returned int, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SearchQueriesTotal.WithLabelValues(outcome).Inc()
	s.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	s.metrics.SearchResultsCount.Observe(float64(returned))
}
