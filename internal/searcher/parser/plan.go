package parser

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind discriminates the closed set of query plan node types.
type Kind int

const (
	KindTerm Kind = iota
	KindPhrase
	KindAnd
	KindOr
	KindNot
	KindWildcard
	KindField
)

// Node is one node of the parsed query tree. The set of implementations is
// sealed: Term, Phrase, And, Or, Not, Wildcard, FieldScoped.
type Node interface {
	Kind() Kind
	canonical(b *strings.Builder)
	sealed()
}

// Term matches documents containing a single normalised term.
// Display preserves the user's surface form for highlighting.
type Term struct {
	Value   string
	Display string
}

// Phrase matches documents containing the terms contiguously in order.
type Phrase struct {
	Terms   []string
	Display string
}

// And matches documents satisfying every child.
type And struct {
	Children []Node
}

// Or matches documents satisfying at least one child.
type Or struct {
	Children []Node
}

// Not matches the corpus complement of its child.
type Not struct {
	Child Node
}

// Wildcard matches documents containing any term with the given prefix.
type Wildcard struct {
	Prefix  string
	Display string
}

// FieldScoped restricts a value match to one indexed field
// (title, category, or tags).
type FieldScoped struct {
	Field string
	Value string
}

func (Term) Kind() Kind        { return KindTerm }
func (Phrase) Kind() Kind      { return KindPhrase }
func (And) Kind() Kind         { return KindAnd }
func (Or) Kind() Kind          { return KindOr }
func (Not) Kind() Kind         { return KindNot }
func (Wildcard) Kind() Kind    { return KindWildcard }
func (FieldScoped) Kind() Kind { return KindField }

func (Term) sealed()        {}
func (Phrase) sealed()      {}
func (And) sealed()         {}
func (Or) sealed()          {}
func (Not) sealed()         {}
func (Wildcard) sealed()    {}
func (FieldScoped) sealed() {}

func (n Term) canonical(b *strings.Builder) {
	b.WriteString("(term ")
	b.WriteString(n.Value)
	b.WriteByte(')')
}

func (n Phrase) canonical(b *strings.Builder) {
	b.WriteString("(phrase")
	for _, t := range n.Terms {
		b.WriteByte(' ')
		b.WriteString(t)
	}
	b.WriteByte(')')
}

// canonical for And/Or sorts child forms so that semantically identical
// orderings share one cache key, mirroring commutativity of the operators.
func (n And) canonical(b *strings.Builder) {
	writeVariadic(b, "and", n.Children)
}

func (n Or) canonical(b *strings.Builder) {
	writeVariadic(b, "or", n.Children)
}

func (n Not) canonical(b *strings.Builder) {
	b.WriteString("(not ")
	n.Child.canonical(b)
	b.WriteByte(')')
}

func (n Wildcard) canonical(b *strings.Builder) {
	b.WriteString("(prefix ")
	b.WriteString(n.Prefix)
	b.WriteByte(')')
}

func (n FieldScoped) canonical(b *strings.Builder) {
	b.WriteString("(field ")
	b.WriteString(n.Field)
	b.WriteByte(' ')
	b.WriteString(n.Value)
	b.WriteByte(')')
}

func writeVariadic(b *strings.Builder, op string, children []Node) {
	forms := make([]string, len(children))
	for i, child := range children {
		var cb strings.Builder
		child.canonical(&cb)
		forms[i] = cb.String()
	}
	sort.Strings(forms)
	b.WriteByte('(')
	b.WriteString(op)
	for _, f := range forms {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	b.WriteByte(')')
}

// QueryPlan is the immutable parsed representation of a query. Root is nil
// when the query normalises to nothing (empty input or only stop-words).
type QueryPlan struct {
	Root      Node
	Raw       string
	canonKey  string
	canonHash uint64
}

func newPlan(root Node, raw string) *QueryPlan {
	p := &QueryPlan{Root: root, Raw: raw}
	if root != nil {
		var b strings.Builder
		root.canonical(&b)
		p.canonKey = b.String()
		p.canonHash = xxhash.Sum64String(p.canonKey)
	}
	return p
}

// Empty reports whether the plan matches nothing by construction.
func (p *QueryPlan) Empty() bool {
	return p == nil || p.Root == nil
}

// Canonical returns the plan's canonical s-expression form. Structurally
// identical plans (and commutative reorderings) share one canonical form,
// which cache keys rely on.
func (p *QueryPlan) Canonical() string {
	return p.canonKey
}

// Hash returns the xxhash64 of the canonical form, used as the cache key.
func (p *QueryPlan) Hash() uint64 {
	return p.canonHash
}

// ScoringTerms returns the normalised terms that contribute to BM25
// scoring: positive Term values and Phrase constituents. Negated subtrees
// contribute nothing; Wildcard prefixes are expanded at execution time.
func (p *QueryPlan) ScoringTerms() []string {
	seen := make(map[string]struct{})
	var terms []string
	var walk func(Node)
	walk = func(n Node) {
		switch node := n.(type) {
		case Term:
			if _, ok := seen[node.Value]; !ok {
				seen[node.Value] = struct{}{}
				terms = append(terms, node.Value)
			}
		case Phrase:
			for _, t := range node.Terms {
				if _, ok := seen[t]; !ok {
					seen[t] = struct{}{}
					terms = append(terms, t)
				}
			}
		case And:
			for _, c := range node.Children {
				walk(c)
			}
		case Or:
			for _, c := range node.Children {
				walk(c)
			}
		case FieldScoped:
			if _, ok := seen[node.Value]; !ok {
				seen[node.Value] = struct{}{}
				terms = append(terms, node.Value)
			}
		case Not, Wildcard:
			// Not: excluded docs never rank. Wildcard: expanded later.
		}
	}
	if p.Root != nil {
		walk(p.Root)
	}
	return terms
}

// DisplayTerms returns the user-facing surface forms of positive terms,
// phrases, and wildcard stems, for snippet highlighting.
func (p *QueryPlan) DisplayTerms() []string {
	seen := make(map[string]struct{})
	var terms []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			terms = append(terms, s)
		}
	}
	var walk func(Node)
	walk = func(n Node) {
		switch node := n.(type) {
		case Term:
			add(node.Display)
		case Phrase:
			add(node.Display)
		case Wildcard:
			add(node.Display)
		case FieldScoped:
			add(node.Value)
		case And:
			for _, c := range node.Children {
				walk(c)
			}
		case Or:
			for _, c := range node.Children {
				walk(c)
			}
		case Not:
		}
	}
	if p.Root != nil {
		walk(p.Root)
	}
	return terms
}
