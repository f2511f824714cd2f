// Package schema implements strict JSON-Schema validation of tool call
// arguments (C4) and the TTL+LRU descriptor cache that feeds it (C5).
//
// Validation is strict: no additional properties beyond those declared, no
// type coercion, and integers are distinguished from non-integral numbers.
// The underlying compiler is github.com/santhosh-tekuri/jsonschema/v6, the
// same validator the teacher uses for tool-payload validation in
// registry/service.go.
package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldIssue describes one validation failure at a JSON-Pointer path.
type FieldIssue struct {
	// Path is the JSON-Pointer to the offending fragment (e.g. "/x").
	Path string
	// Constraint names the violated schema keyword (e.g. "type", "enum",
	// "required", "additionalProperties").
	Constraint string
	// Expected is a short human-readable description of what was required.
	Expected string
	// Message is the underlying validator message.
	Message string
}

// Result is the outcome of a Validate call.
type Result struct {
	OK     bool
	Errors []FieldIssue
}

// compiledEntry pairs a compiled schema with the content hash of the
// document it was compiled from, so a changed schemaDoc for the same tool
// is detected and recompiled rather than silently reusing a stale schema.
type compiledEntry struct {
	hash     string
	compiled *jsonschema.Schema
}

// Validator compiles and caches JSON Schemas and performs strict validation
// against them. A Validator is safe for concurrent use; it keeps one compiled
// schema per tool name and recompiles only when that tool's schema document
// changes.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]compiledEntry
}

// NewValidator constructs an empty Validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]compiledEntry)}
}

// Validate checks args (raw JSON) against schema (raw JSON Schema) for the
// named tool. Compiled schemas are cached by a content-derived key so
// repeated validations against the same descriptor avoid recompilation.
func (v *Validator) Validate(toolName string, args, schemaDoc json.RawMessage) (Result, error) {
	compiled, err := v.compile(toolName, schemaDoc)
	if err != nil {
		return Result{}, fmt.Errorf("schema: compile schema for %q: %w", toolName, err)
	}

	instance, err := decodeStrict(args)
	if err != nil {
		return Result{OK: false, Errors: []FieldIssue{{
			Path:       "",
			Constraint: "syntax",
			Expected:   "valid JSON",
			Message:    err.Error(),
		}}}, nil
	}

	if err := compiled.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if !asValidationError(err, &verr) {
			return Result{}, fmt.Errorf("schema: unexpected validation error type: %w", err)
		}
		return Result{OK: false, Errors: flattenIssues(verr)}, nil
	}
	return Result{OK: true}, nil
}

// compile compiles schemaDoc, injecting strict-mode defaults (no additional
// properties beyond those declared) wherever the schema is silent on the
// point, and caches the result under toolName keyed by schemaDoc's content
// hash. A cache hit requires both the tool name and the hash to match, so a
// changed schemaDoc (e.g. after C5 refreshes a descriptor) is recompiled
// instead of silently reusing the stale entry.
func (v *Validator) compile(toolName string, schemaDoc json.RawMessage) (*jsonschema.Schema, error) {
	hash := hashDoc(schemaDoc)

	v.mu.Lock()
	if e, ok := v.compiled[toolName]; ok && e.hash == hash {
		v.mu.Unlock()
		return e.compiled, nil
	}
	v.mu.Unlock()

	doc, err := decodeStrict(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	enforceAdditionalPropertiesFalse(doc)

	resourceName := "tool://" + toolName + "@" + hash
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	v.mu.Lock()
	v.compiled[toolName] = compiledEntry{hash: hash, compiled: compiled}
	v.mu.Unlock()
	return compiled, nil
}

// Invalidate drops a cached compiled schema for toolName, forcing
// recompilation on next Validate (used when C5 refreshes a descriptor).
func (v *Validator) Invalidate(toolName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.compiled, toolName)
}

func hashDoc(schemaDoc json.RawMessage) string {
	sum := sha256.Sum256(schemaDoc)
	return hex.EncodeToString(sum[:])
}

// decodeStrict decodes raw JSON using json.Number so integers and
// non-integral numbers remain distinguishable downstream, instead of
// collapsing everything to float64.
func decodeStrict(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// enforceAdditionalPropertiesFalse recursively walks a decoded schema
// document (as produced by decodeStrict) and sets "additionalProperties":
// false on every object subschema that declares "properties" but does not
// already constrain additionalProperties. This is what makes validation
// strict by default even for descriptors fetched from downstream servers
// that did not explicitly close their schemas.
func enforceAdditionalPropertiesFalse(node any) {
	m, ok := node.(map[string]any)
	if !ok {
		if arr, ok := node.([]any); ok {
			for _, item := range arr {
				enforceAdditionalPropertiesFalse(item)
			}
		}
		return
	}
	if _, hasProps := m["properties"]; hasProps {
		if _, set := m["additionalProperties"]; !set {
			m["additionalProperties"] = false
		}
	}
	for key, val := range m {
		if key == "additionalProperties" {
			continue
		}
		enforceAdditionalPropertiesFalse(val)
	}
}

func flattenIssues(verr *jsonschema.ValidationError) []FieldIssue {
	var out []FieldIssue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if e == nil {
			return
		}
		if len(e.Causes) == 0 {
			out = append(out, FieldIssue{
				Path:       instanceLocationToPointer(e),
				Constraint: lastKeyword(e),
				Expected:   e.Error(),
				Message:    e.Error(),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return out
}

func instanceLocationToPointer(e *jsonschema.ValidationError) string {
	if len(e.InstanceLocation) == 0 {
		return ""
	}
	return "/" + strings.Join(e.InstanceLocation, "/")
}

func lastKeyword(e *jsonschema.ValidationError) string {
	if len(e.KeywordLocation) == 0 {
		return ""
	}
	return e.KeywordLocation[len(e.KeywordLocation)-1]
}

// asValidationError is a small indirection so tests can stub error matching
// without importing the concrete jsonschema type in call sites.
func asValidationError(err error, target **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = verr
	return true
}
