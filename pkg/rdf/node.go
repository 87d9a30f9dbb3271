// Package rdf holds the RDF term and triple model shared by the normalizer and
// the graph store, plus the canonical URI rules used to key documents.
package rdf

import "fmt"

// Well-known datatype IRIs assigned to JSON scalars.
const (
	XSDString  = "http://www.w3.org/2001/XMLSchema#string"
	XSDBoolean = "http://www.w3.org/2001/XMLSchema#boolean"
	XSDInteger = "http://www.w3.org/2001/XMLSchema#integer"
	XSDDouble  = "http://www.w3.org/2001/XMLSchema#double"

	// RDFType is the predicate produced for @type values.
	RDFType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
)

// NodeKind distinguishes the three kinds of RDF terms.
type NodeKind uint8

const (
	// KindIRI is an absolute IRI.
	KindIRI NodeKind = iota + 1
	// KindLiteral is a lexical value with an optional datatype or language.
	KindLiteral
	// KindBlank is a document-local node identified by an opaque label.
	KindBlank
)

// String returns the lowercase name of the kind.
func (kind NodeKind) String() string {
	switch kind {
	case KindIRI:
		return "iri"
	case KindLiteral:
		return "literal"
	case KindBlank:
		return "blank"
	default:
		return "unknown"
	}
}

// Node is an RDF term. Nodes are comparable, so two nodes are equal exactly
// when all of their fields are equal.
type Node struct {
	Kind     NodeKind
	Value    string
	Datatype string
	Language string
}

// IRI creates an IRI node.
func IRI(value string) Node {
	return Node{Kind: KindIRI, Value: value}
}

// Literal creates a plain literal node.
func Literal(value string) Node {
	return Node{Kind: KindLiteral, Value: value}
}

// TypedLiteral creates a literal with a datatype IRI.
func TypedLiteral(value, datatype string) Node {
	return Node{Kind: KindLiteral, Value: value, Datatype: datatype}
}

// LangLiteral creates a language-tagged literal.
func LangLiteral(value, language string) Node {
	return Node{Kind: KindLiteral, Value: value, Language: language}
}

// Blank creates a blank node with the given label. A leading "_:" is stripped.
func Blank(label string) Node {
	if len(label) > 2 && label[:2] == "_:" {
		label = label[2:]
	}
	return Node{Kind: KindBlank, Value: label}
}

// IsIRI reports whether the node is an IRI.
func (node Node) IsIRI() bool { return node.Kind == KindIRI }

// IsLiteral reports whether the node is a literal.
func (node Node) IsLiteral() bool { return node.Kind == KindLiteral }

// IsBlank reports whether the node is a blank node.
func (node Node) IsBlank() bool { return node.Kind == KindBlank }

// IsZero reports whether the node was never set.
func (node Node) IsZero() bool { return node.Kind == 0 }

// String returns the node in N-Triples term syntax.
func (node Node) String() string {
	switch node.Kind {
	case KindIRI:
		return "<" + escapeIRI(node.Value) + ">"
	case KindBlank:
		return "_:" + node.Value
	case KindLiteral:
		literal := `"` + escapeLiteralString(node.Value) + `"`
		if node.Language != "" {
			return literal + "@" + node.Language
		}
		if node.Datatype != "" && node.Datatype != XSDString {
			return literal + "^^<" + escapeIRI(node.Datatype) + ">"
		}
		return literal
	default:
		return fmt.Sprintf("?%q", node.Value)
	}
}
