package jsonld

import (
	"sort"
	"strconv"
)

// Visitor receives every JSON object of a document in depth-first order.
// path lists the keys (and "[i]" indexes) leading to obj and is only valid
// during the call. Returning false skips the object's children.
type Visitor interface {
	VisitObject(path []string, obj map[string]any) bool
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(path []string, obj map[string]any) bool

// VisitObject calls f.
func (f VisitorFunc) VisitObject(path []string, obj map[string]any) bool {
	return f(path, obj)
}

// Walk visits every object reachable from doc. Keys are visited in sorted
// order so traversal is deterministic.
func Walk(doc any, visitor Visitor) {
	walk(nil, doc, visitor)
}

func walk(path []string, value any, visitor Visitor) {
	switch typed := value.(type) {
	case map[string]any:
		if !visitor.VisitObject(path, typed) {
			return
		}
		for _, key := range sortedKeys(typed) {
			walk(append(path, key), typed[key], visitor)
		}
	case []any:
		for i, child := range typed {
			walk(append(path, indexSegment(i)), child, visitor)
		}
	}
}

func indexSegment(i int) string {
	return "[" + strconv.Itoa(i) + "]"
}

// Identities decides which keys of an object name the node.
type Identities struct {
	names map[string]struct{}
}

// NewIdentities builds an identity set. With no names the defaults are used.
func NewIdentities(names ...string) Identities {
	if len(names) == 0 {
		names = DefaultIdentityProperties
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return Identities{names: set}
}

// Has reports whether key is an identity property.
func (identities Identities) Has(key string) bool {
	_, ok := identities.names[key]
	return ok
}

// Names returns the identity property names, sorted.
func (identities Identities) Names() []string {
	return sortedKeys(identities.names)
}

// IdentityOf returns the first string-valued identity property of obj.
// "@id" wins over aliases; aliases are tried in sorted order.
func (identities Identities) IdentityOf(obj map[string]any) (string, bool) {
	if identities.Has("@id") {
		if id, ok := obj["@id"].(string); ok && id != "" {
			return id, true
		}
	}
	for _, name := range identities.Names() {
		if name == "@id" {
			continue
		}
		if id, ok := obj[name].(string); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// FindEntity returns a deep copy of the first object in doc whose identity
// equals uri, or nil.
func (identities Identities) FindEntity(doc any, uri string) map[string]any {
	var found map[string]any
	Walk(doc, VisitorFunc(func(path []string, obj map[string]any) bool {
		if found != nil {
			return false
		}
		if id, ok := identities.IdentityOf(obj); ok && id == uri {
			found = obj
			return false
		}
		return true
	}))
	return CopyObject(found)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
