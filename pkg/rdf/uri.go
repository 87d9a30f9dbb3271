package rdf

import (
	"net/url"
	"strings"
)

// CanonicalURI returns uri without its fragment. Nothing else is rewritten:
// page keys and subject IRIs are compared exactly as spelled.
func CanonicalURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if hash := strings.IndexByte(uri, '#'); hash >= 0 {
		return uri[:hash]
	}
	return uri
}

// SameDocument reports whether a and b differ only in their fragment.
// Empty values never match.
func SameDocument(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return CanonicalURI(a) == CanonicalURI(b)
}

// IsAbsoluteIRI reports whether value parses as an absolute URI.
func IsAbsoluteIRI(value string) bool {
	if value == "" || strings.HasPrefix(value, "_:") {
		return false
	}
	parsed, err := url.Parse(value)
	return err == nil && parsed.IsAbs()
}
