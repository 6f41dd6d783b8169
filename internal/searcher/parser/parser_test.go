package parser

import (
	"errors"
	"testing"

	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
)

func newTestParser() *Parser {
	return New(tokenizer.New([]string{"z/OS", "DB2", "JCL", "VSAM"}))
}

func TestParseBareTermsBecomeAnd(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse("JCL abend")
	if err != nil {
		t.Fatal(err)
	}
	and, ok := plan.Root.(And)
	if !ok {
		t.Fatalf("root = %T, want And", plan.Root)
	}
	if len(and.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(and.Children))
	}
}

func TestParsePrecedenceOrLoosest(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse("jcl AND abend OR vsam")
	if err != nil {
		t.Fatal(err)
	}
	or, ok := plan.Root.(Or)
	if !ok {
		t.Fatalf("root = %T, want Or", plan.Root)
	}
	if len(or.Children) != 2 {
		t.Fatalf("or children = %d, want 2", len(or.Children))
	}
}

func TestParseNotBindsTightest(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse("abend NOT vsam")
	if err != nil {
		t.Fatal(err)
	}
	and, ok := plan.Root.(And)
	if !ok {
		t.Fatalf("root = %T, want And", plan.Root)
	}
	if _, ok := and.Children[1].(Not); !ok {
		t.Fatalf("second child = %T, want Not", and.Children[1])
	}
}

func TestParseParenthesesOverridePrecedence(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse("jcl AND (abend OR timeout)")
	if err != nil {
		t.Fatal(err)
	}
	and, ok := plan.Root.(And)
	if !ok {
		t.Fatalf("root = %T, want And", plan.Root)
	}
	if _, ok := and.Children[1].(Or); !ok {
		t.Fatalf("second child = %T, want Or", and.Children[1])
	}
}

func TestParsePhrase(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse(`"data exception"`)
	if err != nil {
		t.Fatal(err)
	}
	phrase, ok := plan.Root.(Phrase)
	if !ok {
		t.Fatalf("root = %T, want Phrase", plan.Root)
	}
	if len(phrase.Terms) != 2 {
		t.Fatalf("phrase terms = %v, want 2", phrase.Terms)
	}
}

func TestParseSingleWordPhraseCollapsesToTerm(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse(`"abend"`)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := plan.Root.(Term); !ok {
		t.Fatalf("root = %T, want Term", plan.Root)
	}
}

func TestParseWildcard(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse("abend*")
	if err != nil {
		t.Fatal(err)
	}
	wc, ok := plan.Root.(Wildcard)
	if !ok {
		t.Fatalf("root = %T, want Wildcard", plan.Root)
	}
	if wc.Prefix != "abend" {
		t.Fatalf("prefix = %q, want abend", wc.Prefix)
	}
}

func TestParseFieldScoped(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse("category:JCL")
	if err != nil {
		t.Fatal(err)
	}
	fs, ok := plan.Root.(FieldScoped)
	if !ok {
		t.Fatalf("root = %T, want FieldScoped", plan.Root)
	}
	if fs.Field != "category" || fs.Value != "jcl" {
		t.Fatalf("field scope = %+v, want category:jcl", fs)
	}
}

func TestParseUnknownFieldRejected(t *testing.T) {
	p := newTestParser()
	_, err := p.Parse("author:smith")
	if err == nil {
		t.Fatal("unknown field accepted")
	}
	if !errors.Is(err, pkgerrors.ErrQuerySyntax) {
		t.Fatalf("error %v does not unwrap to ErrQuerySyntax", err)
	}
	var syntaxErr *SyntaxError
	if !errors.As(err, &syntaxErr) || syntaxErr.Hint() == "" {
		t.Fatalf("error %v carries no hint", err)
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	p := newTestParser()
	cases := []string{
		`"unbalanced`,
		"(unbalanced",
		"stray)",
		"abend AND",
		"NOT",
		"abend NOT",
		"title:",
	}
	for _, raw := range cases {
		if _, err := p.Parse(raw); !errors.Is(err, pkgerrors.ErrQuerySyntax) {
			t.Errorf("Parse(%q) err = %v, want ErrQuerySyntax", raw, err)
		}
	}
}

func TestParseEmptyAndStopWordOnlyQueries(t *testing.T) {
	p := newTestParser()
	for _, raw := range []string{"", "   ", "the of is"} {
		plan, err := p.Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) err = %v, want empty plan", raw, err)
		}
		if !plan.Empty() {
			t.Errorf("Parse(%q) produced non-empty plan %v", raw, plan.Canonical())
		}
	}
}

func TestCanonicalFormIsOrderInsensitive(t *testing.T) {
	p := newTestParser()
	a, err := p.Parse("jcl AND abend")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Parse("abend AND jcl")
	if err != nil {
		t.Fatal(err)
	}
	if a.Canonical() != b.Canonical() {
		t.Fatalf("commuted query changed canonical form: %q vs %q", a.Canonical(), b.Canonical())
	}
	if a.Hash() != b.Hash() {
		t.Fatal("commuted query changed hash")
	}
}

func TestCanonicalFormIsStable(t *testing.T) {
	p := newTestParser()
	first, err := p.Parse(`vsam AND (abend OR "status code") NOT test*`)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := p.Parse(`vsam AND (abend OR "status code") NOT test*`)
		if err != nil {
			t.Fatal(err)
		}
		if again.Canonical() != first.Canonical() || again.Hash() != first.Hash() {
			t.Fatalf("canonical form unstable on iteration %d", i)
		}
	}
}

func TestCanonicalDistinguishesStructure(t *testing.T) {
	p := newTestParser()
	a, _ := p.Parse("jcl AND abend")
	b, _ := p.Parse("jcl OR abend")
	c, _ := p.Parse(`"jcl abend"`)
	if a.Canonical() == b.Canonical() || a.Canonical() == c.Canonical() || b.Canonical() == c.Canonical() {
		t.Fatalf("distinct structures share canonical forms: %q %q %q",
			a.Canonical(), b.Canonical(), c.Canonical())
	}
}

func TestScoringTermsSkipNegations(t *testing.T) {
	p := newTestParser()
	plan, err := p.Parse("abend NOT vsam")
	if err != nil {
		t.Fatal(err)
	}
	terms := plan.ScoringTerms()
	if len(terms) != 1 || terms[0] != "abend" {
		t.Fatalf("scoring terms = %v, want [abend]", terms)
	}
}

func TestNestedSameOperatorFlattens(t *testing.T) {
	p := newTestParser()
	a, err := p.Parse("jcl OR (abend OR vsam)")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Parse("jcl OR abend OR vsam")
	if err != nil {
		t.Fatal(err)
	}
	if a.Canonical() != b.Canonical() {
		t.Fatalf("nested OR canonical %q != flat OR canonical %q", a.Canonical(), b.Canonical())
	}
}
