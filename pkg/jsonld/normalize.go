package jsonld

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/coolbeans/ldcache/pkg/rdf"
)

// DefaultMaxDepth bounds object nesting during normalization.
const DefaultMaxDepth = 64

// Statement is a triple plus the JSON object its subject was read from.
// JSON is nil when the subject has no object of its own in the document.
type Statement struct {
	Triple rdf.Triple
	JSON   map[string]any
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithIdentityProperties replaces the keys that name a node.
func WithIdentityProperties(names ...string) Option {
	return func(normalizer *Normalizer) {
		if len(names) > 0 {
			normalizer.identities = NewIdentities(names...)
		}
	}
}

// WithMaxDepth sets the nesting limit.
func WithMaxDepth(depth int) Option {
	return func(normalizer *Normalizer) {
		if depth > 0 {
			normalizer.maxDepth = depth
		}
	}
}

// Normalizer turns compacted JSON-LD into statements. It is stateless and
// safe for concurrent use.
type Normalizer struct {
	identities Identities
	maxDepth   int
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts ...Option) *Normalizer {
	normalizer := &Normalizer{
		identities: NewIdentities(),
		maxDepth:   DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(normalizer)
	}
	return normalizer
}

// Identities returns the identity property set in use.
func (normalizer *Normalizer) Identities() Identities {
	return normalizer.identities
}

// IsStructurallyValid reports whether doc can be read as a JSON-LD node:
// an object with a usable @context and at least one key besides it, and
// not a bare value object.
func (normalizer *Normalizer) IsStructurallyValid(doc any) bool {
	root, ok := doc.(map[string]any)
	if !ok {
		return false
	}
	ctx, err := newActiveContext("").process(root["@context"])
	if err != nil {
		return false
	}
	content := false
	for key := range root {
		switch ctx.keywordFor(key) {
		case "@context":
			continue
		case "@value", "@list", "@set":
			return false
		}
		content = true
	}
	return content
}

// PrimaryEntityURI returns the expanded identity of the document root.
func (normalizer *Normalizer) PrimaryEntityURI(doc any) (string, bool) {
	root, ok := doc.(map[string]any)
	if !ok {
		return "", false
	}
	ctx, err := newActiveContext("").process(root["@context"])
	if err != nil {
		return "", false
	}
	id, ok := normalizer.identityOf(ctx, root)
	if !ok {
		return "", false
	}
	return ctx.expandIRI(id, false), true
}

// FindEntity returns a deep copy of the object in doc whose identity is uri.
func (normalizer *Normalizer) FindEntity(doc any, uri string) map[string]any {
	return normalizer.identities.FindEntity(doc, uri)
}

// ToTriples reads doc into statements. Relative identifiers resolve against
// base. Objects without an identity get generated blank labels (b0, b1, ...)
// which are unique within this document only. Properties that do not expand
// to an absolute IRI are dropped.
func (normalizer *Normalizer) ToTriples(doc any, base string) ([]Statement, error) {
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}

	state := &normalizeState{normalizer: normalizer}
	if _, err := state.node(newActiveContext(base), root, 0); err != nil {
		return nil, err
	}
	return state.statements, nil
}

type normalizeState struct {
	normalizer *Normalizer
	statements []Statement
	nextBlank  int
}

func (state *normalizeState) blank() rdf.Node {
	label := "b" + strconv.Itoa(state.nextBlank)
	state.nextBlank++
	return rdf.Blank(label)
}

func (state *normalizeState) emit(subject rdf.Node, predicate string, object rdf.Node, source map[string]any) {
	state.statements = append(state.statements, Statement{
		Triple: rdf.NewTriple(subject, rdf.IRI(predicate), object),
		JSON:   source,
	})
}

// identityOf finds the identity of obj, honouring context aliases of @id.
func (normalizer *Normalizer) identityOf(ctx *activeContext, obj map[string]any) (string, bool) {
	if id, ok := normalizer.identities.IdentityOf(obj); ok {
		return id, true
	}
	for _, key := range sortedKeys(obj) {
		if ctx.keywordFor(key) != "@id" {
			continue
		}
		if id, ok := obj[key].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

func (normalizer *Normalizer) isIdentityKey(ctx *activeContext, key string) bool {
	return normalizer.identities.Has(key) || ctx.keywordFor(key) == "@id"
}

func (state *normalizeState) subjectFor(ctx *activeContext, obj map[string]any) rdf.Node {
	id, ok := state.normalizer.identityOf(ctx, obj)
	if !ok {
		return state.blank()
	}
	expanded := ctx.expandIRI(id, false)
	if strings.HasPrefix(expanded, "_:") {
		return rdf.Blank(expanded)
	}
	if !rdf.IsAbsoluteIRI(expanded) {
		return state.blank()
	}
	return rdf.IRI(expanded)
}

// node emits the statements of a node object and returns its subject.
func (state *normalizeState) node(parent *activeContext, obj map[string]any, depth int) (rdf.Node, error) {
	if depth > state.normalizer.maxDepth {
		return rdf.Node{}, fmt.Errorf("json-ld nesting exceeds %d levels", state.normalizer.maxDepth)
	}

	ctx := parent
	if local, ok := obj["@context"]; ok {
		processed, err := parent.process(local)
		if err != nil {
			return rdf.Node{}, fmt.Errorf("invalid @context: %w", err)
		}
		ctx = processed
	}

	subject := state.subjectFor(ctx, obj)

	for _, key := range sortedKeys(obj) {
		value := obj[key]
		if state.normalizer.isIdentityKey(ctx, key) {
			continue
		}

		switch ctx.keywordFor(key) {
		case "@context", "@index", "@reverse", "@id":
			continue
		case "@type":
			for _, typ := range asList(value) {
				name, ok := typ.(string)
				if !ok {
					continue
				}
				object, ok := typeNode(ctx.expandIRI(name, true))
				if ok {
					state.emit(subject, rdf.RDFType, object, obj)
				}
			}
			continue
		case "@graph":
			for _, member := range asList(value) {
				if child, ok := member.(map[string]any); ok {
					if _, err := state.node(ctx, child, depth+1); err != nil {
						return rdf.Node{}, err
					}
				}
			}
			continue
		case "":
		default:
			// Remaining keywords carry no statements at node level.
			continue
		}

		predicate := ctx.expandIRI(key, true)
		if !rdf.IsAbsoluteIRI(predicate) {
			continue
		}
		definition := ctx.terms[key]

		objects, err := state.objects(ctx, definition, value, depth+1)
		if err != nil {
			return rdf.Node{}, err
		}
		for _, object := range objects {
			state.emit(subject, predicate, object, obj)
		}
	}

	return subject, nil
}

// objects converts a property value into object nodes, emitting the
// statements of any nested node objects on the way.
func (state *normalizeState) objects(ctx *activeContext, definition termDefinition, value any, depth int) ([]rdf.Node, error) {
	if depth > state.normalizer.maxDepth {
		return nil, fmt.Errorf("json-ld nesting exceeds %d levels", state.normalizer.maxDepth)
	}

	switch typed := value.(type) {
	case nil:
		return nil, nil
	case []any:
		var out []rdf.Node
		for _, item := range typed {
			nodes, err := state.objects(ctx, definition, item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, nodes...)
		}
		return out, nil
	case map[string]any:
		return state.objectFromMap(ctx, definition, typed, depth)
	case string:
		return []rdf.Node{stringObject(ctx, definition, typed)}, nil
	default:
		literal, ok := scalarLiteral(typed, definition.typ)
		if !ok {
			return nil, nil
		}
		return []rdf.Node{literal}, nil
	}
}

func (state *normalizeState) objectFromMap(ctx *activeContext, definition termDefinition, obj map[string]any, depth int) ([]rdf.Node, error) {
	keywords := make(map[string]any, len(obj))
	for key, value := range obj {
		if keyword := ctx.keywordFor(key); keyword != "" {
			keywords[keyword] = value
		}
	}

	if raw, ok := keywords["@value"]; ok {
		literal, ok := valueObject(ctx, raw, keywords)
		if !ok {
			return nil, nil
		}
		return []rdf.Node{literal}, nil
	}
	if list, ok := keywords["@list"]; ok {
		return state.objects(ctx, definition, list, depth+1)
	}
	if set, ok := keywords["@set"]; ok {
		return state.objects(ctx, definition, set, depth+1)
	}

	subject, err := state.node(ctx, obj, depth+1)
	if err != nil {
		return nil, err
	}
	return []rdf.Node{subject}, nil
}

func valueObject(ctx *activeContext, raw any, keywords map[string]any) (rdf.Node, bool) {
	datatype := ""
	if typ, ok := keywords["@type"].(string); ok {
		datatype = ctx.expandIRI(typ, true)
	}

	switch value := raw.(type) {
	case nil:
		return rdf.Node{}, false
	case string:
		if datatype != "" {
			return rdf.TypedLiteral(value, datatype), true
		}
		if language, ok := keywords["@language"].(string); ok && language != "" {
			return rdf.LangLiteral(value, strings.ToLower(language)), true
		}
		return rdf.Literal(value), true
	default:
		return scalarLiteral(value, datatype)
	}
}

func stringObject(ctx *activeContext, definition termDefinition, value string) rdf.Node {
	switch definition.typ {
	case "@id":
		return referenceNode(ctx.expandIRI(value, false), value)
	case "@vocab":
		return referenceNode(ctx.expandIRI(value, true), value)
	case "":
	default:
		return rdf.TypedLiteral(value, definition.typ)
	}

	language := definition.language
	if language == "" {
		language = ctx.language
	}
	if language != "" {
		return rdf.LangLiteral(value, language)
	}
	return rdf.Literal(value)
}

// referenceNode returns an IRI or blank node for expanded, falling back to a
// plain literal of the original text when it is neither.
func referenceNode(expanded, original string) rdf.Node {
	if strings.HasPrefix(expanded, "_:") {
		return rdf.Blank(expanded)
	}
	if rdf.IsAbsoluteIRI(expanded) {
		return rdf.IRI(expanded)
	}
	return rdf.Literal(original)
}

func typeNode(expanded string) (rdf.Node, bool) {
	if strings.HasPrefix(expanded, "_:") {
		return rdf.Blank(expanded), true
	}
	if rdf.IsAbsoluteIRI(expanded) {
		return rdf.IRI(expanded), true
	}
	return rdf.Node{}, false
}

// scalarLiteral maps JSON booleans and numbers to typed literals. An explicit
// datatype wins over the inferred one.
func scalarLiteral(value any, datatype string) (rdf.Node, bool) {
	var lexical, inferred string

	switch typed := value.(type) {
	case bool:
		lexical, inferred = strconv.FormatBool(typed), rdf.XSDBoolean
	case json.Number:
		lexical = typed.String()
		if strings.ContainsAny(lexical, ".eE") {
			inferred = rdf.XSDDouble
		} else {
			inferred = rdf.XSDInteger
		}
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1e15 {
			lexical, inferred = strconv.FormatInt(int64(typed), 10), rdf.XSDInteger
		} else {
			lexical, inferred = strconv.FormatFloat(typed, 'E', -1, 64), rdf.XSDDouble
		}
	case int:
		lexical, inferred = strconv.Itoa(typed), rdf.XSDInteger
	case int64:
		lexical, inferred = strconv.FormatInt(typed, 10), rdf.XSDInteger
	default:
		return rdf.Node{}, false
	}

	if datatype == "" || datatype == "@id" || datatype == "@vocab" {
		datatype = inferred
	}
	return rdf.TypedLiteral(lexical, datatype), true
}

func asList(value any) []any {
	if list, ok := value.([]any); ok {
		return list
	}
	return []any{value}
}
