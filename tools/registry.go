package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds the tool specs available to a thread and the JSON Schemas
// compiled from their InputSchema, compiled once at registration time
// (spec §4.2a).
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]Spec
	schemas map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:   make(map[string]Spec),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool spec, compiling its InputSchema if present. It
// returns an error if the name is already registered, the spec is
// malformed, or the schema fails to compile.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: spec.Name is required")
	}
	switch spec.Kind {
	case KindSync:
		if spec.Handler == nil {
			return fmt.Errorf("tools: %q is sync but has no Handler", spec.Name)
		}
	case KindAsync:
		if spec.Callback == nil {
			return fmt.Errorf("tools: %q is async but has no Callback", spec.Name)
		}
	default:
		return fmt.Errorf("tools: %q has unknown kind %q", spec.Name, spec.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tools: %q is already registered", spec.Name)
	}

	var compiled *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		c := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(spec.InputSchema, &doc); err != nil {
			return fmt.Errorf("tools: %q input schema is not valid JSON: %w", spec.Name, err)
		}
		resource := "turnengine://tools/" + spec.Name + "/input-schema.json"
		if err := c.AddResource(resource, doc); err != nil {
			return fmt.Errorf("tools: %q input schema invalid: %w", spec.Name, err)
		}
		schema, err := c.Compile(resource)
		if err != nil {
			return fmt.Errorf("tools: %q input schema failed to compile: %w", spec.Name, err)
		}
		compiled = schema
	}

	r.specs[spec.Name] = spec
	r.schemas[spec.Name] = compiled
	return nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Validate checks args against the tool's compiled input schema, per spec
// §4.2a: a validation failure is treated as a tool failure, not a
// stream-level error. A tool without an InputSchema accepts any input.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	schema, known := r.schemas[name]
	_, specKnown := r.specs[name]
	r.mu.RUnlock()
	if !specKnown {
		return fmt.Errorf("tools: %q is not registered", name)
	}
	if !known || schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("tools: %q input is not valid JSON: %w", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("tools: %q input failed validation: %w", name, err)
	}
	return nil
}

// Names returns every registered tool name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}
