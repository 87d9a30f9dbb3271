package jsonld

import (
	"fmt"
	"net/url"
	"strings"
)

// maxContextDepth bounds term-definition chains such as a -> b:x -> c:y.
const maxContextDepth = 16

// termDefinition is one expanded entry of an @context.
type termDefinition struct {
	id        string // expanded IRI or keyword
	typ       string // "@id", "@vocab" or a datatype IRI
	language  string
	container string
}

// activeContext is the context in effect for one JSON object.
type activeContext struct {
	base     string
	vocab    string
	language string
	terms    map[string]termDefinition
}

func newActiveContext(base string) *activeContext {
	return &activeContext{
		base:  base,
		terms: make(map[string]termDefinition),
	}
}

func (ctx *activeContext) clone() *activeContext {
	out := &activeContext{
		base:     ctx.base,
		vocab:    ctx.vocab,
		language: ctx.language,
		terms:    make(map[string]termDefinition, len(ctx.terms)),
	}
	for term, definition := range ctx.terms {
		out.terms[term] = definition
	}
	return out
}

// process applies a local @context value and returns the resulting context.
// Remote (string) contexts are not dereferenced and are skipped.
func (ctx *activeContext) process(local any) (*activeContext, error) {
	switch value := local.(type) {
	case nil:
		return newActiveContext(ctx.base), nil
	case string:
		return ctx, nil
	case []any:
		result := ctx
		for _, entry := range value {
			next, err := result.process(entry)
			if err != nil {
				return nil, err
			}
			result = next
		}
		return result, nil
	case map[string]any:
		return ctx.processObject(value)
	default:
		return nil, fmt.Errorf("invalid @context of type %T", local)
	}
}

func (ctx *activeContext) processObject(local map[string]any) (*activeContext, error) {
	result := ctx.clone()

	if base, ok := local["@base"]; ok {
		switch b := base.(type) {
		case nil:
			result.base = ""
		case string:
			result.base = resolveReference(ctx.base, b)
		default:
			return nil, fmt.Errorf("invalid @base of type %T", base)
		}
	}
	if language, ok := local["@language"]; ok {
		l, _ := language.(string)
		result.language = strings.ToLower(l)
	}

	// Terms may reference each other in any order, so definitions are
	// expanded lazily against the raw local entries.
	pending := make(map[string]any, len(local))
	for key, raw := range local {
		if key == "@base" || key == "@language" || key == "@version" {
			continue
		}
		pending[key] = raw
	}

	if vocab, ok := local["@vocab"]; ok {
		switch v := vocab.(type) {
		case nil:
			result.vocab = ""
		case string:
			expanded, err := result.expandPending(v, pending, 0)
			if err != nil {
				return nil, err
			}
			result.vocab = expanded
		default:
			return nil, fmt.Errorf("invalid @vocab of type %T", vocab)
		}
		delete(pending, "@vocab")
	}

	for _, term := range sortedKeys(pending) {
		if _, err := result.defineTerm(term, pending, 0); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// defineTerm expands the raw definition of term from pending into ctx.terms.
func (ctx *activeContext) defineTerm(term string, pending map[string]any, depth int) (termDefinition, error) {
	if depth > maxContextDepth {
		return termDefinition{}, fmt.Errorf("term definition for %q is too deeply nested or cyclic", term)
	}
	raw, ok := pending[term]
	if !ok {
		return ctx.terms[term], nil
	}
	delete(pending, term)

	var definition termDefinition
	switch value := raw.(type) {
	case nil:
		delete(ctx.terms, term)
		return termDefinition{}, nil
	case string:
		id, err := ctx.expandPending(value, pending, depth+1)
		if err != nil {
			return termDefinition{}, err
		}
		definition.id = id
	case map[string]any:
		if id, ok := value["@id"].(string); ok {
			expanded, err := ctx.expandPending(id, pending, depth+1)
			if err != nil {
				return termDefinition{}, err
			}
			definition.id = expanded
		} else {
			expanded, err := ctx.expandPending(term, pending, depth+1)
			if err != nil {
				return termDefinition{}, err
			}
			definition.id = expanded
		}
		if typ, ok := value["@type"].(string); ok {
			if typ == "@id" || typ == "@vocab" {
				definition.typ = typ
			} else {
				expanded, err := ctx.expandPending(typ, pending, depth+1)
				if err != nil {
					return termDefinition{}, err
				}
				definition.typ = expanded
			}
		}
		if language, ok := value["@language"].(string); ok {
			definition.language = strings.ToLower(language)
		}
		if container, ok := value["@container"].(string); ok {
			definition.container = container
		}
	default:
		return termDefinition{}, fmt.Errorf("invalid definition for term %q of type %T", term, raw)
	}

	ctx.terms[term] = definition
	return definition, nil
}

// expandPending expands a vocabulary-relative value while the context is being
// built, defining any prefix it depends on first.
func (ctx *activeContext) expandPending(value string, pending map[string]any, depth int) (string, error) {
	if strings.HasPrefix(value, "@") {
		return value, nil
	}
	if _, ok := pending[value]; ok {
		definition, err := ctx.defineTerm(value, pending, depth+1)
		if err != nil {
			return "", err
		}
		if definition.id != "" {
			return definition.id, nil
		}
	}
	if prefix, _, ok := strings.Cut(value, ":"); ok {
		if _, isPending := pending[prefix]; isPending {
			if _, err := ctx.defineTerm(prefix, pending, depth+1); err != nil {
				return "", err
			}
		}
	}
	return ctx.expandIRI(value, true), nil
}

// expandIRI expands a term, compact IRI or relative reference. Vocabulary
// expansion applies to property names and @type values; document-relative
// expansion applies to @id values.
func (ctx *activeContext) expandIRI(value string, vocab bool) string {
	if value == "" || strings.HasPrefix(value, "@") {
		return value
	}
	if vocab {
		if definition, ok := ctx.terms[value]; ok && definition.id != "" {
			return definition.id
		}
	}
	if prefix, suffix, ok := strings.Cut(value, ":"); ok {
		if prefix == "_" || strings.HasPrefix(suffix, "//") {
			return value
		}
		if definition, ok := ctx.terms[prefix]; ok && definition.id != "" && !strings.HasPrefix(definition.id, "@") {
			return definition.id + suffix
		}
		return value
	}
	if vocab && ctx.vocab != "" {
		return ctx.vocab + value
	}
	if !vocab {
		return resolveReference(ctx.base, value)
	}
	return value
}

// keywordFor returns the keyword a key stands for ("@id", "@type", ...), or
// "" when key is an ordinary property.
func (ctx *activeContext) keywordFor(key string) string {
	if strings.HasPrefix(key, "@") {
		return key
	}
	if definition, ok := ctx.terms[key]; ok && strings.HasPrefix(definition.id, "@") {
		return definition.id
	}
	return ""
}

func resolveReference(base, ref string) string {
	if base == "" {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
