package index

// Document is the unit of indexed content, owned by the index once added.
type Document struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
}

// Posting records the occurrences of one term inside one document.
// Positions are token offsets in ascending order.
type Posting struct {
	DocID     string
	Frequency int
	Positions []int
}

// PostingList holds all postings for one term, sorted by DocID.
type PostingList []Posting

// CorpusStats are the corpus-wide statistics BM25 scoring reads. They are
// derived from one snapshot, so they always agree with the posting lists of
// the same generation.
type CorpusStats struct {
	DocumentCount int
	AvgDocLength  float64
}

// Searchable field names accepted for field-scoped queries.
const (
	FieldTitle    = "title"
	FieldCategory = "category"
	FieldTags     = "tags"
)

// docEntry is the per-document record retained by the index: the original
// document (for snippets and rebuilds), its token count, and the distinct
// match keys it contributed (for document-frequency reversal on removal).
type docEntry struct {
	doc    Document
	length int
	terms  []string
}
