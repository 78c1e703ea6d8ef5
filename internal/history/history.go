// Package history implements the per-agent message history: an
// ordered, strictly role-alternating sequence of turns, with recursive
// deduplication of pending tool calls.
package history

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/iiagent/coreserver/internal/models"
)

// ErrAlternationViolation is returned when a caller tries to add a turn out
// of the expected user/assistant sequence.
var ErrAlternationViolation = errors.New("history: turn alternation violated")

// History is the ordered turn sequence owned by a single agent instance.
// It is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	turns []models.Turn
}

// New returns an empty history.
func New() *History {
	return &History{}
}

// AddUserPrompt is a convenience wrapper that builds a user turn from a text
// prompt and optional pre-encoded images.
func (h *History) AddUserPrompt(text string, images []models.UserBlock) error {
	blocks := []models.UserBlock{models.NewUserText(text)}
	blocks = append(blocks, images...)
	return h.AddUserTurn(blocks)
}

// AddUserTurn appends a user turn. It fails if the next expected turn is an
// assistant turn.
func (h *History) AddUserTurn(items []models.UserBlock) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.expectsAssistantLocked() {
		return fmt.Errorf("%w: expected assistant turn, got user", ErrAlternationViolation)
	}
	h.turns = append(h.turns, models.Turn{IsAssistant: false, User: items})
	return nil
}

// AddAssistantTurn appends an assistant turn. It fails if the next expected
// turn is a user turn.
func (h *History) AddAssistantTurn(items []models.AssistantBlock) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.expectsAssistantLocked() {
		return fmt.Errorf("%w: expected user turn, got assistant", ErrAlternationViolation)
	}
	h.turns = append(h.turns, models.Turn{IsAssistant: true, Assistant: items})
	return nil
}

// AddToolCallResult appends a single tool-formatted-result as a user turn.
func (h *History) AddToolCallResult(call models.ToolCall, outcome models.ToolOutcome) error {
	return h.AddUserTurn([]models.UserBlock{
		models.NewUserToolResult(call.ID, call.Name, outcome.Output),
	})
}

// AddToolCallResults appends a batch of tool results as a single user turn.
func (h *History) AddToolCallResults(calls []models.ToolCall, outcomes []models.ToolOutcome) error {
	if len(calls) != len(outcomes) {
		return fmt.Errorf("history: calls/outcomes length mismatch (%d vs %d)", len(calls), len(outcomes))
	}
	blocks := make([]models.UserBlock, 0, len(calls))
	for i, c := range calls {
		blocks = append(blocks, models.NewUserToolResult(c.ID, c.Name, outcomes[i].Output))
	}
	return h.AddUserTurn(blocks)
}

// expectsAssistantLocked reports whether the next turn must be an assistant
// turn, i.e. the history is non-empty and its last turn was a user turn.
// Callers must hold h.mu.
func (h *History) expectsAssistantLocked() bool {
	if len(h.turns) == 0 {
		return false
	}
	return !h.turns[len(h.turns)-1].IsAssistant
}

// PendingToolCalls returns the tool calls from the last turn iff that turn
// was an assistant turn, with duplicates removed by (name, canonicalized
// input) key.
func (h *History) PendingToolCalls() []models.ToolCall {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.turns) == 0 {
		return nil
	}
	last := h.turns[len(h.turns)-1]
	if !last.IsAssistant {
		return nil
	}

	seen := make(map[string]struct{})
	out := make([]models.ToolCall, 0, len(last.Assistant))
	for _, block := range last.Assistant {
		if block.Kind != models.AssistantToolCall {
			continue
		}
		key := dedupeKey(block.Call.Name, block.Call.Input)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, block.Call)
	}
	return out
}

// dedupeKey canonicalizes name+input into a stable string key. Nested
// arrays and mappings are canonicalized recursively so that unhashable raw
// inputs (e.g. a bare JSON array) never panic; any canonicalization error
// falls back to a stringified key and the call is still included.
func dedupeKey(name string, input any) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	canonicalize(&b, input)
	return b.String()
}

func canonicalize(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			canonicalize(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			canonicalize(b, item)
		}
		b.WriteByte(']')
	default:
		fmt.Fprintf(b, "%v", val)
	}
}

// LastAssistantText returns the text of the last assistant turn's first
// text block, if any.
func (h *History) LastAssistantText() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.turns) - 1; i >= 0; i-- {
		if !h.turns[i].IsAssistant {
			continue
		}
		for _, block := range h.turns[i].Assistant {
			if block.Kind == models.AssistantText && block.Text != "" {
				return block.Text, true
			}
		}
		return "", false
	}
	return "", false
}

// Clear empties the history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// Messages returns a snapshot copy of the turn sequence.
func (h *History) Messages() []models.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Replace swaps the live turn sequence for msgs, used by the context
// manager after truncation.
func (h *History) Replace(msgs []models.Turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = msgs
}

// Len returns the number of turns currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
