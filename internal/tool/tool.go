// Package tool defines the uniform tool contract and an immutable
// registry of tools available to an agent instance.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/iiagent/coreserver/internal/models"
)

// ErrDuplicateTool is returned by NewRegistry when two tools share a name.
var ErrDuplicateTool = errors.New("tool: duplicate tool name")

// Tool is the uniform contract every concrete tool implementation
// satisfies. Concrete implementations (web search, file I/O, image
// generation, browser automation, static deployment) are external
// collaborators; the core only depends on this interface.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns the tool's JSON Schema fragment describing its
	// input shape, as a decoded JSON value (map[string]any or similar).
	InputSchema() map[string]any
	// Invoke runs the tool synchronously from the caller's perspective.
	// Implementations may use any internal concurrency model but MUST
	// return only once the invocation has completed, successfully or not.
	Invoke(ctx context.Context, input any) (models.ToolOutcome, error)
}

// Registry is an immutable, name-keyed set of tools, built once at agent
// construction time.
type Registry struct {
	byName map[string]Tool
	names  []string
}

// NewRegistry validates uniqueness of tool names and compiles each tool's
// input schema, returning ErrDuplicateTool if any name repeats.
func NewRegistry(tools []Tool) (*Registry, error) {
	byName := make(map[string]Tool, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if _, exists := byName[t.Name()]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name())
		}
		if err := validateSchema(t.InputSchema()); err != nil {
			return nil, fmt.Errorf("tool %q: invalid input_schema: %w", t.Name(), err)
		}
		byName[t.Name()] = t
		names = append(names, t.Name())
	}
	return &Registry{byName: byName, names: names}, nil
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// validateSchema compiles a tool's input schema to catch malformed
// fragments at registration time rather than at first invocation.
func validateSchema(schema map[string]any) error {
	if schema == nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	const resourceName = "schema.json"
	if err := c.AddResource(resourceName, toReader(schema)); err != nil {
		return err
	}
	_, err := c.Compile(resourceName)
	return err
}

func toReader(v map[string]any) io.Reader {
	b, err := json.Marshal(v)
	if err != nil {
		return bytes.NewReader([]byte("{}"))
	}
	return bytes.NewReader(b)
}

// ValidateInput validates input against tool t's input_schema, returning a
// descriptive error if it does not conform. Tools with no schema accept
// any input.
func ValidateInput(t Tool, input any) error {
	schema := t.InputSchema()
	if schema == nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	const resourceName = "schema.json"
	if err := c.AddResource(resourceName, toReader(schema)); err != nil {
		return err
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return err
	}
	return compiled.Validate(input)
}
