package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/iiagent/coreserver/internal/models"
)

type fakeTool struct {
	name   string
	schema map[string]any
}

func (f *fakeTool) Name() string                     { return f.name }
func (f *fakeTool) Description() string              { return "fake tool " + f.name }
func (f *fakeTool) InputSchema() map[string]any       { return f.schema }
func (f *fakeTool) Invoke(ctx context.Context, input any) (models.ToolOutcome, error) {
	return models.ToolOutcome{Output: "ok"}, nil
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry([]Tool{
		&fakeTool{name: "calculate"},
		&fakeTool{name: "calculate"},
	})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestRegistryGetAndNames(t *testing.T) {
	reg, err := NewRegistry([]Tool{
		&fakeTool{name: "calculate"},
		&fakeTool{name: "bash"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if !reg.Has("bash") {
		t.Fatalf("expected bash to be registered")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatalf("did not expect missing tool to be found")
	}
	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}

func TestValidateInputRejectsSchemaViolation(t *testing.T) {
	ft := &fakeTool{
		name: "calculate",
		schema: map[string]any{
			"type":     "object",
			"required": []any{"expression"},
			"properties": map[string]any{
				"expression": map[string]any{"type": "string"},
			},
		},
	}
	if err := ValidateInput(ft, map[string]any{"expression": "1+1"}); err != nil {
		t.Fatalf("expected valid input to pass, got %v", err)
	}
	if err := ValidateInput(ft, map[string]any{}); err == nil {
		t.Fatalf("expected missing required field to fail validation")
	}
}
