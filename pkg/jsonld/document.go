// Package jsonld reads compacted JSON-LD documents into RDF statements that
// keep a reference to the JSON object each subject came from.
//
// Documents are the generic values produced by encoding/json: map[string]any,
// []any, string, json.Number (or float64), bool and nil.
package jsonld

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultIdentityProperties are the JSON keys that name a node. "url" is the
// alias catalog documents use for "@id".
var DefaultIdentityProperties = []string{"@id", "url"}

// ErrNotObject is returned when a document root is not a JSON object.
var ErrNotObject = errors.New("json-ld document root is not an object")

// Parse decodes body into a generic document. Numbers are kept as json.Number
// so integers and doubles can be told apart.
func Parse(body []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse json: %w", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, errors.New("failed to parse json: trailing data after document")
	}
	return doc, nil
}

// DeepCopy returns a copy of doc that shares no maps or slices with it.
func DeepCopy(doc any) any {
	switch value := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, child := range value {
			out[key] = DeepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, child := range value {
			out[i] = DeepCopy(child)
		}
		return out
	default:
		return value
	}
}

// CopyObject deep-copies obj, returning nil for nil.
func CopyObject(obj map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	return DeepCopy(obj).(map[string]any)
}
