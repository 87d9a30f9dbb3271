package graph

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coolbeans/ldcache/pkg/jsonld"
	"github.com/coolbeans/ldcache/pkg/logger"
	"github.com/coolbeans/ldcache/pkg/metrics"
	"github.com/coolbeans/ldcache/pkg/rdf"
)

// DefaultMaxTriples is the triple count above which the oldest pages are
// evicted before a merge.
const DefaultMaxTriples = 50000

// ErrEmptyPage is returned when merging a document without a page URI.
var ErrEmptyPage = errors.New("page uri is empty")

// StoreConfig configures a Store.
type StoreConfig struct {
	// MaxTriples is the eviction ceiling. Default: 50,000.
	MaxTriples int

	// Normalizer reads documents. Default: jsonld.NewNormalizer().
	Normalizer Normalizer

	Logger  logger.Logger
	Metrics metrics.Recorder

	// now is replaceable in tests.
	now func() time.Time
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxTriples: DefaultMaxTriples,
	}
}

// record is the store's copy of a GraphTriple.
type record struct {
	triple GraphTriple
	page   *pageRecord
}

type pageRecord struct {
	Page
	owned map[rdf.Triple]struct{}
}

// Store holds the merged graph. Every mutation and read goes through one
// mutex.
type Store struct {
	mu sync.Mutex

	triples   map[rdf.Triple]*record
	bySubject map[rdf.Node]map[rdf.Triple]*record
	pages     map[string]*pageRecord
	order     []*pageRecord // FIFO, oldest first

	nextSeq       uint64
	authoritative int
	pagesMerged   uint64
	pagesEvicted  uint64
	dropped       uint64

	maxTriples int
	normalizer Normalizer
	logger     logger.Logger
	metrics    metrics.Recorder
	now        func() time.Time
}

// NewStore creates an empty store.
func NewStore(config StoreConfig) *Store {
	if config.MaxTriples <= 0 {
		config.MaxTriples = DefaultMaxTriples
	}
	if config.Normalizer == nil {
		config.Normalizer = jsonld.NewNormalizer()
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &Store{
		triples:    make(map[rdf.Triple]*record),
		bySubject:  make(map[rdf.Node]map[rdf.Triple]*record),
		pages:      make(map[string]*pageRecord),
		maxTriples: config.MaxTriples,
		normalizer: config.Normalizer,
		logger:     logger.OrNop(config.Logger),
		metrics:    metrics.OrNop(config.Metrics),
		now:        config.now,
	}
}

// MergeDocument normalizes doc and merges it as page pageURI.
//
// The store keeps references into doc, and may add an "@id" to a root object
// that has none, so callers must hand over a private copy. Invalid documents
// are dropped with a MergeInvalid result and a nil error. If ctx ends before
// the commit point nothing is applied and ctx's error is returned.
func (store *Store) MergeDocument(ctx context.Context, doc any, pageURI string) (MergeResult, error) {
	page := rdf.CanonicalURI(pageURI)
	result := MergeResult{Page: page}
	if page == "" {
		return result, ErrEmptyPage
	}

	if !store.normalizer.IsStructurallyValid(doc) {
		return store.drop(result, "document is not a json-ld node object"), nil
	}
	if store.HasPage(page) {
		result.Status = MergeDuplicate
		store.metrics.ObserveMerge(metrics.OutcomeDuplicate, 0, 0)
		return result, nil
	}

	if _, ok := store.normalizer.PrimaryEntityURI(doc); !ok {
		root, isObject := doc.(map[string]any)
		if !isObject {
			return store.drop(result, "document root is not an object"), nil
		}
		minted := "_:" + uuid.NewString()
		root["@id"] = minted
		store.logger.Debug("minted root identifier", "page", page, "id", minted)
	}

	statements, err := store.normalizer.ToTriples(doc, page)
	if err != nil {
		return store.drop(result, err.Error()), nil
	}

	if err := ctx.Err(); err != nil {
		return store.cancelled(result, err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.pages[page]; ok {
		result.Status = MergeDuplicate
		store.metrics.ObserveMerge(metrics.OutcomeDuplicate, 0, 0)
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return store.cancelled(result, err)
	}

	result.EvictedPages = store.evictLocked(store.maxTriples)

	store.nextSeq++
	current := &pageRecord{
		Page: Page{
			URI:      page,
			Seq:      store.nextSeq,
			MergedAt: store.now(),
		},
		owned: make(map[rdf.Triple]struct{}, len(statements)),
	}

	for _, statement := range statements {
		triple := scopeBlankNodes(statement.Triple, current.Seq)
		switch store.insertLocked(triple, statement.JSON, current) {
		case insertAdded:
			result.Added++
		case insertReplaced:
			result.Replaced++
		default:
			result.Skipped++
		}
	}

	current.Triples = len(current.owned)
	store.pages[page] = current
	store.order = append(store.order, current)
	store.pagesMerged++

	result.Status = MergeApplied
	store.metrics.ObserveMerge(metrics.OutcomeOK, result.Added, result.Replaced)
	store.metrics.SetGraphSize(len(store.triples), len(store.pages))
	store.logger.Debug("merged page",
		"page", page,
		"added", result.Added,
		"replaced", result.Replaced,
		"skipped", result.Skipped,
		"triples", len(store.triples))

	return result, nil
}

func (store *Store) drop(result MergeResult, reason string) MergeResult {
	store.mu.Lock()
	store.dropped++
	store.mu.Unlock()

	result.Status = MergeInvalid
	result.Reason = reason
	store.metrics.ObserveMerge(metrics.OutcomeInvalid, 0, 0)
	store.logger.Warn("dropped invalid document", "page", result.Page, "reason", reason)
	return result
}

func (store *Store) cancelled(result MergeResult, err error) (MergeResult, error) {
	result.Status = MergeCancelled
	store.metrics.ObserveMerge(metrics.OutcomeCancelled, 0, 0)
	return result, fmt.Errorf("merge of %s cancelled: %w", result.Page, err)
}

// scopeBlankNodes renames document-local blank labels so that equal labels
// in different pages never collide. Minted root labels are UUIDs and are
// left as they are.
func scopeBlankNodes(triple rdf.Triple, seq uint64) rdf.Triple {
	triple.Subject = scopeBlank(triple.Subject, seq)
	triple.Object = scopeBlank(triple.Object, seq)
	return triple
}

func scopeBlank(node rdf.Node, seq uint64) rdf.Node {
	if !node.IsBlank() {
		return node
	}
	if _, err := uuid.Parse(node.Value); err == nil {
		return node
	}
	return rdf.Blank("p" + strconv.FormatUint(seq, 10) + "_" + node.Value)
}

type insertOutcome int

const (
	insertAdded insertOutcome = iota
	insertReplaced
	insertSkipped
)

// insertLocked applies the precedence rule: an authoritative copy replaces a
// non-authoritative one, everything else keeps what is there.
func (store *Store) insertLocked(triple rdf.Triple, json map[string]any, page *pageRecord) insertOutcome {
	incoming := &record{
		triple: GraphTriple{
			Triple:  triple,
			Page:    page.URI,
			PageSeq: page.Seq,
			JSON:    json,
		},
		page: page,
	}

	existing, ok := store.triples[triple]
	if !ok {
		store.putLocked(incoming)
		return insertAdded
	}
	if existing.triple.Authoritative() || !incoming.triple.Authoritative() {
		return insertSkipped
	}

	store.removeLocked(existing)
	store.putLocked(incoming)
	return insertReplaced
}

func (store *Store) putLocked(rec *record) {
	triple := rec.triple.Triple
	store.triples[triple] = rec
	subjectIndex, ok := store.bySubject[triple.Subject]
	if !ok {
		subjectIndex = make(map[rdf.Triple]*record)
		store.bySubject[triple.Subject] = subjectIndex
	}
	subjectIndex[triple] = rec
	rec.page.owned[triple] = struct{}{}
	if rec.triple.Authoritative() {
		store.authoritative++
	}
}

func (store *Store) removeLocked(rec *record) {
	triple := rec.triple.Triple
	delete(store.triples, triple)
	if subjectIndex, ok := store.bySubject[triple.Subject]; ok {
		delete(subjectIndex, triple)
		if len(subjectIndex) == 0 {
			delete(store.bySubject, triple.Subject)
		}
	}
	delete(rec.page.owned, triple)
	rec.page.Triples = len(rec.page.owned)
	if rec.triple.Authoritative() {
		store.authoritative--
	}
}

// evictLocked removes the oldest pages while the triple count exceeds max.
func (store *Store) evictLocked(max int) []string {
	var evicted []string
	removed := 0
	for len(store.triples) > max && len(store.order) > 0 {
		oldest := store.order[0]
		store.order[0] = nil
		store.order = store.order[1:]

		for triple := range oldest.owned {
			if rec, ok := store.triples[triple]; ok && rec.page == oldest {
				store.removeLocked(rec)
				removed++
			}
		}
		delete(store.pages, oldest.URI)
		store.pagesEvicted++
		evicted = append(evicted, oldest.URI)
	}

	if len(evicted) > 0 {
		store.metrics.ObserveEviction(len(evicted), removed)
		store.metrics.SetGraphSize(len(store.triples), len(store.pages))
		store.logger.Info("evicted pages",
			"pages", len(evicted),
			"triples", removed,
			"remaining", len(store.triples))
	}
	return evicted
}

// Reduce evicts the oldest pages until at most max triples remain and
// returns the evicted page URIs.
func (store *Store) Reduce(max int) []string {
	if max < 0 {
		max = 0
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.evictLocked(max)
}

// Clear drops every page and triple.
func (store *Store) Clear() {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.triples = make(map[rdf.Triple]*record)
	store.bySubject = make(map[rdf.Node]map[rdf.Triple]*record)
	store.pages = make(map[string]*pageRecord)
	store.order = nil
	store.authoritative = 0
	store.metrics.SetGraphSize(0, 0)
}

// HasPage reports whether the page with the given URI is merged.
func (store *Store) HasPage(uri string) bool {
	page := rdf.CanonicalURI(uri)
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.pages[page]
	return ok
}

// HasPageOf reports whether the canonical page of entity is merged.
func (store *Store) HasPageOf(entity string) bool {
	return store.HasPage(entity)
}

// Count returns the number of triples.
func (store *Store) Count() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.triples)
}

// Pages returns the merged pages, oldest first.
func (store *Store) Pages() []Page {
	store.mu.Lock()
	defer store.mu.Unlock()

	pages := make([]Page, len(store.order))
	for i, page := range store.order {
		pages[i] = page.Page
	}
	return pages
}

// Stats returns a snapshot of the store's counters.
func (store *Store) Stats() Stats {
	store.mu.Lock()
	defer store.mu.Unlock()
	return Stats{
		Triples:       len(store.triples),
		Authoritative: store.authoritative,
		Subjects:      len(store.bySubject),
		Pages:         len(store.pages),
		MaxTriples:    store.maxTriples,
		PagesMerged:   store.pagesMerged,
		PagesEvicted:  store.pagesEvicted,
		Dropped:       store.dropped,
	}
}

// subjectNode maps an entity string onto the node the store indexes it by.
func subjectNode(uri string) rdf.Node {
	if len(uri) > 2 && uri[:2] == "_:" {
		return rdf.Blank(uri)
	}
	return rdf.IRI(uri)
}

// Triples returns the triples about subject, ordered by predicate then
// object. JSON back-references are deep copies.
func (store *Store) Triples(subject string) []GraphTriple {
	store.mu.Lock()
	index := store.bySubject[subjectNode(subject)]
	out := make([]GraphTriple, 0, len(index))
	for _, rec := range index {
		triple := rec.triple
		triple.JSON = jsonld.CopyObject(triple.JSON)
		out = append(out, triple)
	}
	store.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate != out[j].Predicate {
			return out[i].Predicate.Value < out[j].Predicate.Value
		}
		return out[i].Object.String() < out[j].Object.String()
	})
	return out
}

// GetEntity returns the best JSON for uri: the back-reference of an
// authoritative triple when one exists, otherwise the one from the earliest
// merged page. It returns nil when no triple about uri carries JSON.
func (store *Store) GetEntity(uri string) *Entity {
	store.mu.Lock()
	defer store.mu.Unlock()

	var best *record
	for _, rec := range store.bySubject[subjectNode(uri)] {
		if rec.triple.JSON == nil {
			continue
		}
		if rec.triple.Authoritative() {
			if best == nil || !best.triple.Authoritative() || rec.triple.PageSeq < best.triple.PageSeq {
				best = rec
			}
			continue
		}
		if best == nil || (!best.triple.Authoritative() && rec.triple.PageSeq < best.triple.PageSeq) {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	return &Entity{
		URI:  uri,
		Page: best.triple.Page,
		JSON: jsonld.CopyObject(best.triple.JSON),
	}
}

// FetchNeeded decides whether entity's canonical page must be fetched to
// know the given predicate IRIs.
func (store *Store) FetchNeeded(entity string, predicates []string) FetchDecision {
	page := rdf.CanonicalURI(entity)

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.pages[page]; ok {
		return AlreadyCanonical
	}

	known := make(map[string]struct{})
	for triple := range store.bySubject[subjectNode(entity)] {
		known[triple.Predicate.Value] = struct{}{}
	}
	for _, predicate := range predicates {
		if _, ok := known[predicate]; !ok {
			return MustFetch
		}
	}
	return SufficientWithoutFetch
}

// WriteNTriples writes the whole graph as sorted N-Triples lines.
func (store *Store) WriteNTriples(w io.Writer) error {
	store.mu.Lock()
	lines := make([]string, 0, len(store.triples))
	for triple := range store.triples {
		lines = append(lines, triple.NTriples())
	}
	store.mu.Unlock()

	sort.Strings(lines)
	writer := bufio.NewWriter(w)
	for _, line := range lines {
		if _, err := writer.WriteString(line); err != nil {
			return fmt.Errorf("failed to write n-triples: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write n-triples: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to write n-triples: %w", err)
	}
	return nil
}
