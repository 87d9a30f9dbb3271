// Package graph is the in-memory entity graph: a set of triples grouped into
// the pages (documents) they were merged from, with FIFO page eviction and
// the fetch-need decision used to avoid redundant requests.
package graph

import (
	"time"

	"github.com/coolbeans/ldcache/pkg/jsonld"
	"github.com/coolbeans/ldcache/pkg/rdf"
)

// GraphTriple is a triple together with the page it was merged from and the
// JSON object its subject had in that page.
type GraphTriple struct {
	rdf.Triple

	// Page is the canonical URI of the owning page.
	Page string

	// PageSeq is the merge sequence number of the owning page.
	PageSeq uint64

	// JSON is the subject's object in the owning page, or nil.
	JSON map[string]any
}

// Authoritative reports whether the owning page is the subject's own
// document: the subject is an IRI whose canonical form is the page URI.
func (gt GraphTriple) Authoritative() bool {
	return isAuthoritative(gt.Subject, gt.Page)
}

func isAuthoritative(subject rdf.Node, page string) bool {
	return subject.IsIRI() && rdf.CanonicalURI(subject.Value) == page
}

// Page describes one merged document.
type Page struct {
	URI      string    `json:"uri"`
	Seq      uint64    `json:"seq"`
	Triples  int       `json:"triples"`
	MergedAt time.Time `json:"merged_at"`
}

// Entity is the best-known JSON for a subject plus the page it came from.
type Entity struct {
	URI  string         `json:"uri"`
	Page string         `json:"page"`
	JSON map[string]any `json:"json"`
}

// IsCanonical reports whether the entity was read from its own document.
func (entity *Entity) IsCanonical() bool {
	return entity != nil && entity.Page != "" && rdf.CanonicalURI(entity.URI) == entity.Page
}

// Normalizer is what the store needs from a JSON-LD reader.
type Normalizer interface {
	IsStructurallyValid(doc any) bool
	PrimaryEntityURI(doc any) (string, bool)
	ToTriples(doc any, base string) ([]jsonld.Statement, error)
}

// MergeStatus is the outcome of one merge.
type MergeStatus int

const (
	// MergeApplied means the page's triples were committed.
	MergeApplied MergeStatus = iota
	// MergeDuplicate means the page was already present.
	MergeDuplicate
	// MergeInvalid means the document was dropped.
	MergeInvalid
	// MergeCancelled means the context ended before commit.
	MergeCancelled
)

// String implements fmt.Stringer.
func (status MergeStatus) String() string {
	switch status {
	case MergeApplied:
		return "applied"
	case MergeDuplicate:
		return "duplicate"
	case MergeInvalid:
		return "invalid"
	case MergeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MergeResult reports what a merge did.
type MergeResult struct {
	Page         string
	Status       MergeStatus
	Added        int
	Replaced     int
	Skipped      int
	EvictedPages []string
	// Reason explains a MergeInvalid result.
	Reason string
}

// Stats is a snapshot of the store.
type Stats struct {
	Triples       int `json:"triples"`
	Authoritative int `json:"authoritative"`
	Subjects      int `json:"subjects"`
	Pages         int `json:"pages"`
	MaxTriples    int `json:"max_triples"`

	PagesMerged  uint64 `json:"pages_merged"`
	PagesEvicted uint64 `json:"pages_evicted"`
	Dropped      uint64 `json:"dropped"`
}
