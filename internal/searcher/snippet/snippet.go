// Package snippet renders the result fragments shown under each hit. It
// locates query-term occurrences with an Aho-Corasick automaton, picks the
// tightest window covering the most distinct terms, and emits HTML-escaped
// text with matched spans wrapped in <mark> markers.
package snippet

import (
	"html"
	"sort"
	"strings"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

const ellipsis = "..."

// Generator produces snippets bounded by maxLength visible characters
// (ellipses included, markup excluded) with contextWords words of context
// around the matched span.
type Generator struct {
	maxLength    int
	contextWords int
}

// New creates a Generator. Non-positive arguments fall back to 240 and 6.
func New(maxLength, contextWords int) *Generator {
	if maxLength <= 0 {
		maxLength = 240
	}
	if contextWords <= 0 {
		contextWords = 6
	}
	return &Generator{maxLength: maxLength, contextWords: contextWords}
}

type span struct {
	start   int
	end     int
	pattern int
}

// Generate returns the snippet for content given the query's display terms.
// Matching is ASCII-case-insensitive on whole words; the original casing of
// the document is preserved in the output. Leftmost-longest matching keeps
// overlapping terms (such as "JCL" inside "JCL error") from producing
// nested or unbalanced markers. When no term occurs in the content the
// leading text is returned unmarked.
func (g *Generator) Generate(content string, terms []string) string {
	patterns := dedupe(terms)
	if len(patterns) == 0 || content == "" {
		return g.leading(content)
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  true,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	ac := builder.Build(patterns)

	var spans []span
	for _, m := range ac.FindAll(content) {
		spans = append(spans, span{start: m.Start(), end: m.End(), pattern: m.Pattern()})
	}
	if len(spans) == 0 {
		return g.leading(content)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	first, last := g.pickWindow(spans)
	lo := backWords(content, spans[first].start, g.contextWords)
	hi := forwardWords(content, spans[last].end, g.contextWords)
	lo, hi = g.fitBudget(content, spans, first, lo, hi)

	return g.render(content, spans, lo, hi)
}

// pickWindow chooses the run of matches maximising distinct terms and, for
// equal coverage, minimising byte span. Returns indices into spans.
func (g *Generator) pickWindow(spans []span) (int, int) {
	bestFirst, bestLast := 0, 0
	bestDistinct, bestSpan := 0, int(^uint(0)>>1)
	for i := range spans {
		distinct := make(map[int]struct{})
		for j := i; j < len(spans); j++ {
			width := spans[j].end - spans[i].start
			if width > g.maxLength {
				break
			}
			distinct[spans[j].pattern] = struct{}{}
			if len(distinct) > bestDistinct || (len(distinct) == bestDistinct && width < bestSpan) {
				bestDistinct = len(distinct)
				bestSpan = width
				bestFirst, bestLast = i, j
			}
		}
	}
	return bestFirst, bestLast
}

// fitBudget shrinks [lo, hi) until the rendered visible length, counting
// leading and trailing ellipses, fits maxLength. The first match is never
// cut; trailing context and trailing matches go first, then leading
// context from the left.
func (g *Generator) fitBudget(content string, spans []span, first, lo, hi int) (int, int) {
	floor := spans[first].end
	ceil := spans[first].start
	visible := func() int {
		v := hi - lo
		if lo > 0 {
			v += len(ellipsis)
		}
		if hi < len(content) {
			v += len(ellipsis)
		}
		return v
	}

	for visible() > g.maxLength && hi > floor {
		next := prevWordBoundary(content, hi)
		if next <= floor {
			next = floor
		}
		// Never end inside a matched span: snap to the match start so the
		// dropped match disappears whole.
		for _, s := range spans {
			if s.start < next && next < s.end {
				next = s.start
				break
			}
		}
		if next >= hi {
			break
		}
		hi = next
	}

	for visible() > g.maxLength && lo < ceil {
		next := nextWordBoundary(content, lo)
		if next > ceil {
			next = ceil
		}
		if next <= lo {
			break
		}
		lo = next
	}
	return lo, hi
}

func (g *Generator) render(content string, spans []span, lo, hi int) string {
	var b strings.Builder
	if lo > 0 {
		b.WriteString(ellipsis)
	}
	pos := lo
	for _, s := range spans {
		if s.start < lo || s.end > hi {
			continue
		}
		b.WriteString(html.EscapeString(content[pos:s.start]))
		b.WriteString("<mark>")
		b.WriteString(html.EscapeString(content[s.start:s.end]))
		b.WriteString("</mark>")
		pos = s.end
	}
	b.WriteString(html.EscapeString(content[pos:hi]))
	if hi < len(content) {
		b.WriteString(ellipsis)
	}
	return strings.TrimSpace(b.String())
}

// leading is the no-match fallback: the opening words of the content within
// budget, escaped but unmarked.
func (g *Generator) leading(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	budget := g.maxLength
	if len(content) > budget {
		budget -= len(ellipsis)
		cut := prevWordBoundary(content, budget)
		if cut <= 0 {
			cut = budget
		}
		return html.EscapeString(strings.TrimSpace(content[:cut])) + ellipsis
	}
	return html.EscapeString(content)
}

func dedupe(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// backWords steps lo backwards over n whitespace-separated words.
func backWords(s string, from, n int) int {
	pos := from
	for i := 0; i < n; i++ {
		for pos > 0 && isSpace(s[pos-1]) {
			pos--
		}
		start := pos
		for pos > 0 && !isSpace(s[pos-1]) {
			pos--
		}
		if pos == start {
			break
		}
	}
	return pos
}

// forwardWords steps hi forwards over n whitespace-separated words.
func forwardWords(s string, from, n int) int {
	pos := from
	for i := 0; i < n; i++ {
		for pos < len(s) && isSpace(s[pos]) {
			pos++
		}
		start := pos
		for pos < len(s) && !isSpace(s[pos]) {
			pos++
		}
		if pos == start {
			break
		}
	}
	return pos
}

// nextWordBoundary returns the position just after the whitespace run
// following the word at pos, so trimming never splits a word.
func nextWordBoundary(s string, pos int) int {
	for pos < len(s) && !isSpace(s[pos]) {
		pos++
	}
	for pos < len(s) && isSpace(s[pos]) {
		pos++
	}
	return pos
}

// prevWordBoundary returns the position just before the whitespace run
// preceding pos, so truncation never splits a word.
func prevWordBoundary(s string, pos int) int {
	if pos > len(s) {
		pos = len(s)
	}
	for pos > 0 && !isSpace(s[pos-1]) {
		pos--
	}
	for pos > 0 && isSpace(s[pos-1]) {
		pos--
	}
	return pos
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
