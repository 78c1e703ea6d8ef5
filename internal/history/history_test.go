package history

import (
	"errors"
	"testing"

	"github.com/iiagent/coreserver/internal/models"
)

func TestAlternationEnforced(t *testing.T) {
	h := New()
	if err := h.AddUserTurn([]models.UserBlock{models.NewUserText("hi")}); err != nil {
		t.Fatalf("first user turn: %v", err)
	}
	if err := h.AddUserTurn([]models.UserBlock{models.NewUserText("again")}); !errors.Is(err, ErrAlternationViolation) {
		t.Fatalf("expected alternation violation, got %v", err)
	}
	if err := h.AddAssistantTurn([]models.AssistantBlock{models.NewAssistantText("ok")}); err != nil {
		t.Fatalf("assistant turn: %v", err)
	}
	if err := h.AddAssistantTurn([]models.AssistantBlock{models.NewAssistantText("again")}); !errors.Is(err, ErrAlternationViolation) {
		t.Fatalf("expected alternation violation, got %v", err)
	}
}

func TestPendingToolCallsEmptyAfterUserTurn(t *testing.T) {
	h := New()
	_ = h.AddUserTurn([]models.UserBlock{models.NewUserText("hi")})
	_ = h.AddAssistantTurn([]models.AssistantBlock{
		models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "calc", Input: map[string]any{"x": 1}}),
	})
	if got := h.PendingToolCalls(); len(got) != 1 {
		t.Fatalf("expected 1 pending call, got %d", len(got))
	}
	_ = h.AddToolCallResults(
		[]models.ToolCall{{ID: "1", Name: "calc", Input: map[string]any{"x": 1}}},
		[]models.ToolOutcome{{Output: "2"}},
	)
	if got := h.PendingToolCalls(); len(got) != 0 {
		t.Fatalf("expected 0 pending calls after user turn, got %d", len(got))
	}
}

func TestPendingToolCallsDeduped(t *testing.T) {
	h := New()
	_ = h.AddUserTurn([]models.UserBlock{models.NewUserText("hi")})
	_ = h.AddAssistantTurn([]models.AssistantBlock{
		models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "search", Input: map[string]any{"q": "go"}}),
		models.NewAssistantToolCall(models.ToolCall{ID: "2", Name: "search", Input: map[string]any{"q": "go"}}),
		models.NewAssistantToolCall(models.ToolCall{ID: "3", Name: "search", Input: map[string]any{"q": "rust"}}),
	})
	got := h.PendingToolCalls()
	if len(got) != 2 {
		t.Fatalf("expected 2 deduped calls, got %d: %+v", len(got), got)
	}
}

func TestPendingToolCallsUnhashableInput(t *testing.T) {
	h := New()
	_ = h.AddUserTurn([]models.UserBlock{models.NewUserText("hi")})
	input := []any{"a", map[string]any{"k": "v"}, "b"}
	_ = h.AddAssistantTurn([]models.AssistantBlock{
		models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "present", Input: input}),
		models.NewAssistantToolCall(models.ToolCall{ID: "2", Name: "present", Input: input}),
	})

	got := h.PendingToolCalls()
	if len(got) != 1 {
		t.Fatalf("expected unhashable input deduped to 1 call without panicking, got %d", len(got))
	}
}

func TestLastAssistantText(t *testing.T) {
	h := New()
	_ = h.AddUserTurn([]models.UserBlock{models.NewUserText("hi")})
	_ = h.AddAssistantTurn([]models.AssistantBlock{models.NewAssistantText("done")})

	text, ok := h.LastAssistantText()
	if !ok || text != "done" {
		t.Fatalf("LastAssistantText() = %q, %v; want done, true", text, ok)
	}
}

func TestReplaceAndMessages(t *testing.T) {
	h := New()
	_ = h.AddUserTurn([]models.UserBlock{models.NewUserText("hi")})
	msgs := h.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	h.Replace(nil)
	if h.Len() != 0 {
		t.Fatalf("expected 0 after replace, got %d", h.Len())
	}
}
