package rdf

import "strings"

// Triple represents an RDF Subject-Predicate-Object statement.
// Triples are comparable values and can be used directly as map keys.
type Triple struct {
	Subject   Node
	Predicate Node
	Object    Node
}

// NewTriple creates a new triple with the given components.
func NewTriple(subject, predicate, object Node) Triple {
	return Triple{
		Subject:   subject,
		Predicate: predicate,
		Object:    object,
	}
}

// Equals checks if two triples have identical components.
func (t Triple) Equals(other Triple) bool {
	return t == other
}

// IsValid returns true if all components are set and the predicate is an IRI.
// Literal subjects are rejected.
func (t Triple) IsValid() bool {
	if t.Subject.IsZero() || t.Predicate.IsZero() || t.Object.IsZero() {
		return false
	}
	if t.Subject.IsLiteral() {
		return false
	}
	return t.Predicate.IsIRI() && t.Predicate.Value != ""
}

// String returns a human-readable representation of the triple.
func (t Triple) String() string {
	return t.Subject.String() + " " + t.Predicate.String() + " " + t.Object.String()
}

// NTriples returns the triple as one N-Triples line without the trailing newline.
func (t Triple) NTriples() string {
	return t.String() + " ."
}

// escapeLiteralString escapes special characters for a double-quoted literal.
func escapeLiteralString(value string) string {
	var builder strings.Builder
	builder.Grow(len(value) + len(value)/8)

	for _, char := range value {
		switch char {
		case '\\':
			builder.WriteString(`\\`)
		case '"':
			builder.WriteString(`\"`)
		case '\n':
			builder.WriteString(`\n`)
		case '\r':
			builder.WriteString(`\r`)
		case '\t':
			builder.WriteString(`\t`)
		default:
			builder.WriteRune(char)
		}
	}

	return builder.String()
}

// escapeIRI escapes characters not allowed in IRIs within angle brackets.
func escapeIRI(iri string) string {
	var builder strings.Builder
	builder.Grow(len(iri))

	for _, char := range iri {
		switch char {
		case '<':
			builder.WriteString(`\u003C`)
		case '>':
			builder.WriteString(`\u003E`)
		case '"':
			builder.WriteString(`\u0022`)
		case ' ':
			builder.WriteString(`\u0020`)
		case '{':
			builder.WriteString(`\u007B`)
		case '}':
			builder.WriteString(`\u007D`)
		default:
			builder.WriteRune(char)
		}
	}

	return builder.String()
}
