package index

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/aapais/kbsearch/internal/indexer/tokenizer"
)

func newTestIndex() *Index {
	return New(tokenizer.New([]string{"z/OS", "DB2", "VSAM", "JCL"}))
}

func TestAddThenRemoveRestoresEmptyState(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "JCL abend", Content: "job failed with S0C7", Category: "JCL", Tags: []string{"abend"}})

	idx.Remove("kb-1")
	snap := idx.Snapshot()

	if got := snap.Stats().DocumentCount; got != 0 {
		t.Fatalf("DocumentCount = %d after remove, want 0", got)
	}
	if got := snap.Stats().AvgDocLength; got != 0 {
		t.Fatalf("AvgDocLength = %v after remove, want 0", got)
	}
	if df := snap.DocFreq("jcl"); df != 0 {
		t.Fatalf("DocFreq(jcl) = %d after remove, want 0", df)
	}
	if ids := snap.FieldDocs(FieldCategory, "jcl"); len(ids) != 0 {
		t.Fatalf("FieldDocs(category, jcl) = %v after remove, want empty", ids)
	}
}

func TestUpdateReplacesPostingsAtomically(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "VSAM error", Content: "status code 93"})
	before := idx.Snapshot()

	idx.Update(Document{ID: "kb-1", Title: "DB2 deadlock", Content: "sqlcode -911 timeout"})
	after := idx.Snapshot()

	if df := after.DocFreq("vsam"); df != 0 {
		t.Errorf("old term vsam still has df %d after update", df)
	}
	if df := after.DocFreq("db2"); df != 1 {
		t.Errorf("new term db2 has df %d, want 1", df)
	}
	if after.Generation() != before.Generation()+1 {
		t.Errorf("update advanced generation by %d, want 1", after.Generation()-before.Generation())
	}
	// The old snapshot is untouched: readers holding it keep a consistent
	// view.
	if df := before.DocFreq("vsam"); df != 1 {
		t.Errorf("pinned snapshot changed: DocFreq(vsam) = %d, want 1", df)
	}
}

func TestRemoveUnknownIDIsNoOp(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "batch abend", Content: "recovery steps"})
	gen := idx.Snapshot().Generation()

	idx.Remove("missing")
	if got := idx.Snapshot().Generation(); got != gen {
		t.Fatalf("remove of unknown id advanced generation to %d", got)
	}
}

func TestDocFreqCountsDocumentsNotOccurrences(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "abend", Content: "abend abend abend"})
	idx.Add(Document{ID: "kb-2", Title: "abend", Content: "unrelated"})

	snap := idx.Snapshot()
	if df := snap.DocFreq("abend"); df != 2 {
		t.Fatalf("DocFreq(abend) = %d, want 2", df)
	}
	list := snap.Postings("abend")
	if len(list) != 2 {
		t.Fatalf("postings length = %d, want 2", len(list))
	}
	if list[0].DocID != "kb-1" || list[0].Frequency != 4 {
		t.Errorf("kb-1 posting = %+v, want frequency 4", list[0])
	}
}

func TestPositionsRecordTokenOffsets(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "job control language", Content: "language reference"})

	list := idx.Snapshot().Postings("language")
	if len(list) != 1 {
		t.Fatalf("postings = %+v, want one document", list)
	}
	if !reflect.DeepEqual(list[0].Positions, []int{2, 3}) {
		t.Fatalf("positions = %v, want [2 3]", list[0].Positions)
	}
}

func TestFieldDocs(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "VSAM status 93", Content: "storage not available", Category: "VSAM", Tags: []string{"Storage", "vsam"}})
	snap := idx.Snapshot()

	if ids := snap.FieldDocs(FieldCategory, "vsam"); len(ids) != 1 {
		t.Errorf("category lookup = %v, want kb-1", ids)
	}
	if ids := snap.FieldDocs(FieldTags, "storage"); len(ids) != 1 {
		t.Errorf("tags lookup = %v, want kb-1", ids)
	}
	if ids := snap.FieldDocs(FieldTitle, "vsam"); len(ids) != 1 {
		t.Errorf("title lookup = %v, want kb-1", ids)
	}
	if ids := snap.FieldDocs(FieldTitle, "storage"); len(ids) != 0 {
		t.Errorf("title lookup for content-only term = %v, want empty", ids)
	}
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	idx := newTestIndex()
	for i := 0; i < 50; i++ {
		idx.Add(Document{ID: fmt.Sprintf("seed-%d", i), Title: "abend recovery", Content: "batch abend recovery procedure"})
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id := fmt.Sprintf("churn-%d", i%20)
			idx.Add(Document{ID: id, Title: "churn", Content: "churn document body"})
			idx.Remove(id)
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 2000; i++ {
				snap := idx.Snapshot()
				// Within one snapshot, df and postings must agree.
				if df, n := snap.DocFreq("abend"), len(snap.Postings("abend")); df != n {
					t.Errorf("df %d != postings %d in one snapshot", df, n)
					return
				}
				if err := snap.Verify(); err != nil {
					t.Errorf("snapshot failed verification: %v", err)
					return
				}
			}
		}()
	}

	readers.Wait()
	close(stop)
	wg.Wait()
}

func TestRebuildReplacesEverything(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "old-1", Title: "stale", Content: "stale entry"})

	idx.Rebuild([]Document{
		{ID: "new-1", Title: "fresh", Content: "fresh entry"},
		{ID: "new-2", Title: "fresh", Content: "another fresh entry"},
	})
	snap := idx.Snapshot()

	if _, ok := snap.Document("old-1"); ok {
		t.Fatal("old document survived rebuild")
	}
	if got := snap.Stats().DocumentCount; got != 2 {
		t.Fatalf("DocumentCount = %d after rebuild, want 2", got)
	}
}

func TestTermsWithPrefix(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "abend codes", Content: "abending job with dump"})

	terms := idx.Snapshot().TermsWithPrefix("abend")
	if len(terms) == 0 {
		t.Fatal("no terms found for prefix abend")
	}
	for _, term := range terms {
		if term[:5] != "abend" {
			t.Errorf("term %q does not carry prefix", term)
		}
	}
}

func TestVerifyDetectsDanglingPosting(t *testing.T) {
	idx := newTestIndex()
	idx.Add(Document{ID: "kb-1", Title: "abend", Content: "body"})
	snap := idx.Snapshot()

	if err := snap.Verify(); err != nil {
		t.Fatalf("consistent snapshot failed verification: %v", err)
	}

	// Corrupt a copy of the snapshot state the way a lost publish would.
	broken := snap.clone()
	delete(broken.docs, "kb-1")
	if err := broken.Verify(); err == nil {
		t.Fatal("verification passed on snapshot with dangling postings")
	}
}
