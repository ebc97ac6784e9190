package toolexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]interface{}, runCtx map[string]interface{}) (interface{}, error)

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`

	// Retryable marks failures of this tool as safe to re-attempt
	Retryable bool `json:"retryable,omitempty"`
}

// Registry manages tool definitions and their argument schemas
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register validates and registers a tool definition
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)

	r.logger.Info().Str("tool", name).Msg("Tool unregistered")
}

// schemaFor returns the compiled argument schema for a tool, or nil
func (r *Registry) schemaFor(name string) *gojsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.schemas[name]
}

// Get returns a tool definition by name, or nil
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// List returns all registered tool names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}

	return names
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Without returns a copy of the registry with the named tools removed. The
// copy shares handlers with the original; registrations on it do not leak
// back. Used to strip spawn/plan tools from depth-limited children.
func (r *Registry) Without(names ...string) *Registry {
	excluded := make(map[string]bool, len(names))
	for _, name := range names {
		excluded[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	clone := &Registry{
		tools:   make(map[string]*Definition, len(r.tools)),
		schemas: make(map[string]*gojsonschema.Schema, len(r.schemas)),
		logger:  r.logger,
	}
	for name, def := range r.tools {
		if excluded[name] {
			continue
		}
		clone.tools[name] = def
		clone.schemas[name] = r.schemas[name]
	}

	return clone
}

// Schemas returns the model-facing schema for every registered tool
func (r *Registry) Schemas() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(r.tools))
	for _, def := range r.tools {
		inputSchema := map[string]interface{}{
			"type":       "object",
			"properties": make(map[string]interface{}),
		}
		properties := inputSchema["properties"].(map[string]interface{})
		required := []string{}

		for _, param := range def.Parameters {
			properties[param.Name] = map[string]interface{}{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Required {
				required = append(required, param.Name)
			}
		}
		if len(required) > 0 {
			inputSchema["required"] = required
		}

		out = append(out, map[string]interface{}{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": inputSchema,
		})
	}

	return out
}

// validateDefinition validates a tool definition
func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateSchema generates a JSON Schema from tool parameters
func generateSchema(def Definition) (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// validateArgs validates arguments against a tool's schema
func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := []string{}
		for _, err := range result.Errors() {
			msgs = append(msgs, err.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}
