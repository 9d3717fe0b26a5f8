package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Violation is one failed keyword, addressed by JSON pointer into the instance.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	compiled, err := compile(id, schema)
	if err != nil {
		return err
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// Set holds schemas compiled once at startup, looked up by id on the request path.
type Set struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func NewSet() *Set {
	return &Set{compiled: map[string]*jsonschema.Schema{}}
}

// Add compiles schema under id, replacing any previous schema with that id.
func (s *Set) Add(id string, schema []byte) error {
	compiled, err := compile(id, schema)
	if err != nil {
		return fmt.Errorf("schema %s: %w", id, err)
	}
	s.mu.Lock()
	s.compiled[id] = compiled
	s.mu.Unlock()
	return nil
}

func (s *Set) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.compiled[id]
	return ok
}

// Violations validates value and returns every leaf failure, sorted by path.
// A nil slice means the value is valid.
func (s *Set) Violations(id string, value any) ([]Violation, error) {
	s.mu.RLock()
	compiled, ok := s.compiled[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("schema %q not registered", id)
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	err = compiled.Validate(payload)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	out := collectLeaves(ve, nil)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out []Violation) []Violation {
	if len(ve.Causes) == 0 {
		path := ve.InstanceLocation
		if path == "" {
			path = "/"
		}
		return append(out, Violation{Path: path, Message: strings.TrimSpace(ve.Message)})
	}
	for _, cause := range ve.Causes {
		out = collectLeaves(cause, out)
	}
	return out
}

func compile(id string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return decode(v)
	case []byte:
		return decode(v)
	default:
		return value, nil
	}
}

func decode(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + strings.ReplaceAll(id, " ", "-")
}
