// Package parser turns raw query text into an immutable QueryPlan tree.
// The grammar supports implicit AND between bare terms, explicit AND/OR/NOT,
// double-quoted phrases, trailing-* prefix wildcards, field:value scoping
// over a fixed field whitelist, and parentheses. Parsing is pure: identical
// input always yields a structurally identical plan, which cache keys
// depend on.
//
// Precedence, loosest to tightest: OR, AND (implicit or explicit), NOT.
package parser

import (
	"fmt"
	"strings"

	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
)

// SyntaxError reports malformed query text with the rune position of the
// offence and a human-readable hint. It unwraps to pkgerrors.ErrQuerySyntax.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at %d: %s", e.Pos, e.Msg)
}

func (e *SyntaxError) Unwrap() error {
	return pkgerrors.ErrQuerySyntax
}

// Hint returns the user-facing explanation of the syntax problem.
func (e *SyntaxError) Hint() string {
	return e.Msg
}

// Parser builds QueryPlans. It shares the indexer's tokenizer so that query
// terms normalise exactly the way indexed terms do.
type Parser struct {
	tok    *tokenizer.Tokenizer
	fields map[string]struct{}
}

// New creates a Parser over the given tokenizer. The field whitelist is the
// set of indexed fields: title, category, tags.
func New(tok *tokenizer.Tokenizer) *Parser {
	return &Parser{
		tok: tok,
		fields: map[string]struct{}{
			index.FieldTitle:    {},
			index.FieldCategory: {},
			index.FieldTags:     {},
		},
	}
}

// Parse returns the QueryPlan for raw, or a *SyntaxError for unbalanced
// quotes/parentheses, dangling operators, or unknown field names. Input
// that normalises to nothing (empty text, only stop-words) yields an empty
// plan, not an error.
func (p *Parser) Parse(raw string) (*QueryPlan, error) {
	lex := newLexer(raw)
	tokens, err := lex.run()
	if err != nil {
		return nil, err
	}
	ps := &parseState{parser: p, tokens: tokens}
	root, err := ps.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := ps.peek(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: "unexpected ')'"}
	}
	return newPlan(root, raw), nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokPhrase
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) run() ([]token, error) {
	var tokens []token
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, pos: l.pos})
			l.pos++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, pos: l.pos})
			l.pos++
		case c == '"':
			start := l.pos
			l.pos++
			end := strings.IndexByte(l.input[l.pos:], '"')
			if end < 0 {
				return nil, &SyntaxError{Pos: start, Msg: "unbalanced quote"}
			}
			tokens = append(tokens, token{kind: tokPhrase, text: l.input[l.pos : l.pos+end], pos: start})
			l.pos += end + 1
		default:
			start := l.pos
			for l.pos < len(l.input) && !isDelimiter(l.input[l.pos]) {
				l.pos++
			}
			tokens = append(tokens, token{kind: tokWord, text: l.input[start:l.pos], pos: start})
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(l.input)})
	return tokens, nil
}

func isDelimiter(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == ')' || c == '"'
}

type parseState struct {
	parser *Parser
	tokens []token
	idx    int
}

func (ps *parseState) peek() token {
	return ps.tokens[ps.idx]
}

func (ps *parseState) next() token {
	t := ps.tokens[ps.idx]
	if t.kind != tokEOF {
		ps.idx++
	}
	return t
}

func isKeyword(t token, kw string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

// parseOr handles the loosest-binding operator.
func (ps *parseState) parseOr() (Node, error) {
	left, err := ps.parseAnd()
	if err != nil {
		return nil, err
	}
	var children []Node
	if left != nil {
		children = append(children, left)
	}
	for isKeyword(ps.peek(), "OR") {
		ps.next()
		right, err := ps.parseAnd()
		if err != nil {
			return nil, err
		}
		if right != nil {
			children = append(children, right)
		}
	}
	return combine(children, func(c []Node) Node { return Or{Children: c} }, KindOr), nil
}

// parseAnd handles explicit AND and the implicit AND between adjacent
// primaries.
func (ps *parseState) parseAnd() (Node, error) {
	var children []Node
	for {
		t := ps.peek()
		if t.kind == tokEOF || t.kind == tokRParen || isKeyword(t, "OR") {
			break
		}
		if isKeyword(t, "AND") {
			ps.next()
			t = ps.peek()
			if t.kind == tokEOF || t.kind == tokRParen || isKeyword(t, "OR") {
				return nil, &SyntaxError{Pos: t.pos, Msg: "expected expression after AND"}
			}
			continue
		}
		node, err := ps.parseNot()
		if err != nil {
			return nil, err
		}
		if node != nil {
			children = append(children, node)
		}
	}
	return combine(children, func(c []Node) Node { return And{Children: c} }, KindAnd), nil
}

func (ps *parseState) parseNot() (Node, error) {
	if isKeyword(ps.peek(), "NOT") {
		t := ps.next()
		child, err := ps.parseNot()
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: "expected expression after NOT"}
		}
		return Not{Child: child}, nil
	}
	return ps.parsePrimary()
}

func (ps *parseState) parsePrimary() (Node, error) {
	t := ps.next()
	switch t.kind {
	case tokLParen:
		inner, err := ps.parseOr()
		if err != nil {
			return nil, err
		}
		closing := ps.next()
		if closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: t.pos, Msg: "unbalanced parenthesis"}
		}
		return inner, nil
	case tokPhrase:
		return ps.phraseNode(t)
	case tokWord:
		return ps.wordNode(t)
	case tokRParen:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected ')'"}
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected end of query"}
	}
}

// phraseNode normalises a quoted phrase. Single-term phrases collapse to
// Term; phrases that normalise to nothing are dropped.
func (ps *parseState) phraseNode(t token) (Node, error) {
	stems := ps.parser.tok.Stems(t.text)
	switch len(stems) {
	case 0:
		return nil, nil
	case 1:
		return Term{Value: stems[0], Display: strings.TrimSpace(t.text)}, nil
	default:
		return Phrase{Terms: stems, Display: strings.TrimSpace(t.text)}, nil
	}
}

// wordNode handles bare terms, trailing-* wildcards, and field:value
// scoping.
func (ps *parseState) wordNode(t token) (Node, error) {
	word := t.text

	if colon := strings.IndexByte(word, ':'); colon > 0 {
		field := strings.ToLower(word[:colon])
		if _, ok := ps.parser.fields[field]; !ok {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unknown field %q (searchable fields: title, category, tags)", field)}
		}
		value := word[colon+1:]
		if value == "" {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("missing value after %q", field+":")}
		}
		return fieldNode(ps.parser, field, value), nil
	}

	if strings.HasSuffix(word, "*") && len(word) > 1 {
		prefix := strings.ToLower(strings.TrimSuffix(word, "*"))
		return Wildcard{Prefix: prefix, Display: strings.TrimSuffix(word, "*")}, nil
	}

	stems := ps.parser.tok.Stems(word)
	switch len(stems) {
	case 0:
		return nil, nil
	case 1:
		return Term{Value: stems[0], Display: word}, nil
	default:
		// A single chunk that splits into several tokens (hyphens, dots)
		// behaves like a phrase of its parts.
		return Phrase{Terms: stems, Display: word}, nil
	}
}

// fieldNode normalises a field-scoped value. Category and tags match the
// stored value verbatim (lower-cased); title matches the tokenised term.
func fieldNode(p *Parser, field, value string) Node {
	if field == index.FieldTitle {
		if key := p.tok.Key(value); key != "" {
			return FieldScoped{Field: field, Value: key}
		}
		return nil
	}
	return FieldScoped{Field: field, Value: strings.ToLower(value)}
}

// combine collapses a child list: nil for none, the child itself for one,
// and a flattened variadic node otherwise. Flattening keeps nested same-kind
// operators from producing distinct canonical forms.
func combine(children []Node, build func([]Node) Node, kind Kind) Node {
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	flat := make([]Node, 0, len(children))
	for _, c := range children {
		if c.Kind() == kind {
			switch n := c.(type) {
			case And:
				flat = append(flat, n.Children...)
			case Or:
				flat = append(flat, n.Children...)
			}
			continue
		}
		flat = append(flat, c)
	}
	return build(flat)
}
