package graph

// FetchDecision says whether an entity's canonical page has to be fetched to
// answer for a set of predicates.
type FetchDecision int

const (
	// MustFetch: the canonical page was never merged and at least one
	// required predicate is missing.
	MustFetch FetchDecision = iota + 1

	// AlreadyCanonical: the canonical page is merged, so whatever is
	// missing does not exist.
	AlreadyCanonical

	// SufficientWithoutFetch: the canonical page is not merged but every
	// required predicate is known from other pages.
	SufficientWithoutFetch
)

// String implements fmt.Stringer.
func (decision FetchDecision) String() string {
	switch decision {
	case MustFetch:
		return "must-fetch"
	case AlreadyCanonical:
		return "already-canonical"
	case SufficientWithoutFetch:
		return "sufficient-without-fetch"
	default:
		return "unknown"
	}
}

// Need maps the decision onto a nullable boolean: true for MustFetch, false
// for AlreadyCanonical and nil for SufficientWithoutFetch.
func (decision FetchDecision) Need() *bool {
	var need bool
	switch decision {
	case MustFetch:
		need = true
	case AlreadyCanonical:
		need = false
	default:
		return nil
	}
	return &need
}

// ShouldFetch reports whether a network fetch is required.
func (decision FetchDecision) ShouldFetch() bool {
	return decision == MustFetch
}
