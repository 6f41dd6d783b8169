// Package ranker scores candidate documents with BM25 over snapshot
// statistics.
package ranker

import (
	"math"
	"sort"

	"github.com/aapais/kbsearch/internal/indexer/index"
)

// Ranker holds the BM25 tuning parameters. K1 controls term-frequency
// saturation, B controls document-length normalisation.
type Ranker struct {
	K1 float64
	B  float64
}

// New creates a Ranker. Non-positive k1 or out-of-range b fall back to the
// conventional 1.2 / 0.75.
func New(k1, b float64) *Ranker {
	if k1 <= 0 {
		k1 = 1.2
	}
	if b < 0 || b > 1 {
		b = 0.75
	}
	return &Ranker{K1: k1, B: b}
}

// ScoredDoc is one ranked result.
type ScoredDoc struct {
	DocID string
	Score float64
}

// Rank scores the candidate documents. matched maps each scoring term to
// its posting list already filtered to the candidate set; df reports the
// corpus-wide document frequency of a term and docLen the token length of a
// document, both from the same snapshot the postings came from. Results are
// ordered by score descending, then DocID ascending so that equal scores
// order deterministically.
func (r *Ranker) Rank(matched map[string]index.PostingList, stats index.CorpusStats, df func(term string) int, docLen func(id string) int) []ScoredDoc {
	if stats.DocumentCount == 0 || len(matched) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for term, list := range matched {
		idf := r.idf(df(term), stats.DocumentCount)
		if idf <= 0 {
			continue
		}
		for _, p := range list {
			scores[p.DocID] += idf * r.tfNorm(p.Frequency, docLen(p.DocID), stats.AvgDocLength)
		}
	}

	ranked := make([]ScoredDoc, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, ScoredDoc{DocID: id, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].DocID < ranked[j].DocID
	})
	return ranked
}

// idf is ln(1 + (N - df + 0.5) / (df + 0.5)). The +1 inside the log keeps
// the value positive even when a term appears in every document.
func (r *Ranker) idf(df, n int) float64 {
	if df <= 0 || n <= 0 {
		return 0
	}
	return math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
}

// tfNorm saturates raw term frequency and normalises by document length
// relative to the corpus average.
func (r *Ranker) tfNorm(tf, docLen int, avgLen float64) float64 {
	if tf <= 0 {
		return 0
	}
	norm := 1.0
	if avgLen > 0 {
		norm = 1 - r.B + r.B*float64(docLen)/avgLen
	}
	return float64(tf) * (r.K1 + 1) / (float64(tf) + r.K1*norm)
}
