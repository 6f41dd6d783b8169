package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
	"github.com/aapais/kbsearch/internal/searcher/parser"
	"github.com/aapais/kbsearch/internal/searcher/ranker"
)

func buildCorpus(t *testing.T) (*index.Index, *parser.Parser) {
	t.Helper()
	tok := tokenizer.New([]string{"z/OS", "DB2", "VSAM", "JCL", "CICS"})
	idx := index.New(tok)

	docs := []index.Document{
		{ID: "kb-1", Title: "JCL job abends with S0C7", Content: "data exception in COBOL arithmetic on mainframe", Category: "JCL", Tags: []string{"abend"}},
		{ID: "kb-2", Title: "VSAM status code 93", Content: "storage not available for VSAM dataset on mainframe", Category: "VSAM"},
		{ID: "kb-3", Title: "DB2 deadlock", Content: "sqlcode -911 lock timeout during batch window", Category: "DB2", Tags: []string{"lock"}},
		{ID: "kb-4", Title: "JCL dataset not found", Content: "IEF212I step failed, check SYS1.PROCLIB concatenation", Category: "JCL"},
	}
	for _, d := range docs {
		idx.Add(d)
	}
	return idx, parser.New(tok)
}

func run(t *testing.T, idx *index.Index, p *parser.Parser, query string) []ranker.ScoredDoc {
	t.Helper()
	plan, err := p.Parse(query)
	if err != nil {
		t.Fatalf("Parse(%q): %v", query, err)
	}
	exec := New(ranker.New(1.2, 0.75))
	ranked, err := exec.Execute(context.Background(), idx.Snapshot(), plan)
	if err != nil {
		t.Fatalf("Execute(%q): %v", query, err)
	}
	return ranked
}

func ids(ranked []ranker.ScoredDoc) map[string]bool {
	out := make(map[string]bool, len(ranked))
	for _, r := range ranked {
		out[r.DocID] = true
	}
	return out
}

func TestExecuteSingleTerm(t *testing.T) {
	idx, p := buildCorpus(t)
	got := ids(run(t, idx, p, "vsam"))
	if len(got) != 1 || !got["kb-2"] {
		t.Fatalf("vsam matched %v, want kb-2 only", got)
	}
}

func TestExecuteAndIntersects(t *testing.T) {
	idx, p := buildCorpus(t)
	got := ids(run(t, idx, p, "JCL AND dataset"))
	if len(got) != 1 || !got["kb-4"] {
		t.Fatalf("JCL AND dataset matched %v, want kb-4 only", got)
	}
}

func TestExecuteOrUnions(t *testing.T) {
	idx, p := buildCorpus(t)
	got := ids(run(t, idx, p, "vsam OR deadlock"))
	if len(got) != 2 || !got["kb-2"] || !got["kb-3"] {
		t.Fatalf("vsam OR deadlock matched %v, want kb-2 and kb-3", got)
	}
}

func TestExecuteNotIsCorpusComplement(t *testing.T) {
	idx, p := buildCorpus(t)
	got := ids(run(t, idx, p, "mainframe NOT vsam"))
	if len(got) != 1 || !got["kb-1"] {
		t.Fatalf("mainframe NOT vsam matched %v, want kb-1 only", got)
	}
}

func TestExecutePhraseRequiresAdjacency(t *testing.T) {
	idx, p := buildCorpus(t)

	got := ids(run(t, idx, p, `"data exception"`))
	if len(got) != 1 || !got["kb-1"] {
		t.Fatalf("phrase matched %v, want kb-1 only", got)
	}

	// Both words occur in kb-1 but never adjacent in this order.
	if got := ids(run(t, idx, p, `"exception data"`)); len(got) != 0 {
		t.Fatalf("reversed phrase matched %v, want nothing", got)
	}
}

func TestExecuteWildcardExpandsPrefix(t *testing.T) {
	idx, p := buildCorpus(t)
	// "dataset" (kb-2, kb-4) and "data" (kb-1) share the prefix.
	got := ids(run(t, idx, p, "data*"))
	for _, want := range []string{"kb-1", "kb-2", "kb-4"} {
		if !got[want] {
			t.Fatalf("data* matched %v, missing %s", got, want)
		}
	}
}

func TestExecuteFieldScoped(t *testing.T) {
	idx, p := buildCorpus(t)

	got := ids(run(t, idx, p, "category:jcl"))
	if len(got) != 2 || !got["kb-1"] || !got["kb-4"] {
		t.Fatalf("category:jcl matched %v, want kb-1 and kb-4", got)
	}

	got = ids(run(t, idx, p, "tags:lock"))
	if len(got) != 1 || !got["kb-3"] {
		t.Fatalf("tags:lock matched %v, want kb-3", got)
	}

	// "storage" appears in kb-2's content but not its title.
	if got := ids(run(t, idx, p, "title:storage")); len(got) != 0 {
		t.Fatalf("title:storage matched %v, want nothing", got)
	}
}

func TestExecuteRanksRarerTermsHigher(t *testing.T) {
	idx, p := buildCorpus(t)
	// kb-3 matches via the rare term, the others via the common one.
	ranked := run(t, idx, p, "mainframe OR deadlock")
	if len(ranked) != 3 {
		t.Fatalf("matched %d docs, want 3", len(ranked))
	}
	if ranked[0].DocID != "kb-3" {
		t.Fatalf("top doc = %s, want kb-3 (rare term)", ranked[0].DocID)
	}
}

func TestExecuteDeterministicOrder(t *testing.T) {
	idx, p := buildCorpus(t)
	first := run(t, idx, p, "jcl OR vsam OR deadlock")
	for i := 0; i < 10; i++ {
		again := run(t, idx, p, "jcl OR vsam OR deadlock")
		if len(again) != len(first) {
			t.Fatal("result count unstable")
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("iteration %d: position %d changed from %+v to %+v", i, j, first[j], again[j])
			}
		}
	}
}

func TestExecuteEmptyPlan(t *testing.T) {
	idx, p := buildCorpus(t)
	plan, err := p.Parse("the of is")
	if err != nil {
		t.Fatal(err)
	}
	exec := New(ranker.New(1.2, 0.75))
	ranked, err := exec.Execute(context.Background(), idx.Snapshot(), plan)
	if err != nil || ranked != nil {
		t.Fatalf("empty plan returned %v, %v", ranked, err)
	}
}

func TestExecuteHonoursCancellation(t *testing.T) {
	idx, p := buildCorpus(t)
	plan, err := p.Parse("mainframe")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := New(ranker.New(1.2, 0.75))
	if _, err := exec.Execute(ctx, idx.Snapshot(), plan); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
