// Package contextmgr implements the context manager: token counting
// and truncate-middle policy, in a standard (in-memory) or file-spill
// variant.
package contextmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/iiagent/coreserver/internal/models"
)

// Variant selects how evicted turns are handled.
type Variant int

const (
	// Standard drops evicted turns entirely.
	Standard Variant = iota
	// FileSpill writes evicted turns to workspace files before dropping
	// them from the live transcript.
	FileSpill
)

// Manager truncates a Message History's turns to fit within a token
// budget, preserving the first user turn and the most recent
// assistant+user pair.
type Manager struct {
	variant      Variant
	tokenBudget  int
	workspaceDir string
	enc          *tiktoken.Tiktoken
}

// New builds a Manager. workspaceDir is only consulted when variant is
// FileSpill. tokenBudget is the maximum token count
// apply_truncation_if_needed will fit the returned messages within.
func New(variant Variant, tokenBudget int, workspaceDir string) (*Manager, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("contextmgr: load encoding: %w", err)
	}
	return &Manager{variant: variant, tokenBudget: tokenBudget, workspaceDir: workspaceDir, enc: enc}, nil
}

// CountTokens returns the approximate BPE token count of the given turns.
func (m *Manager) CountTokens(turns []models.Turn) int {
	total := 0
	for _, t := range turns {
		total += m.countTurn(t)
	}
	return total
}

func (m *Manager) countTurn(t models.Turn) int {
	var b strings.Builder
	if t.IsAssistant {
		for _, block := range t.Assistant {
			switch block.Kind {
			case models.AssistantText:
				b.WriteString(block.Text)
			case models.AssistantToolCall:
				fmt.Fprintf(&b, "%s %v", block.Call.Name, block.Call.Input)
			}
		}
	} else {
		for _, block := range t.User {
			switch block.Kind {
			case models.UserText:
				b.WriteString(block.Text)
			case models.UserImage:
				// Images are not text-tokenized here; approximate with a
				// fixed placeholder cost.
				b.WriteString("[[image]]")
			case models.UserToolResult:
				fmt.Fprintf(&b, "%s %s", block.ToolName, block.ToolOutput)
			}
		}
	}
	return len(m.enc.Encode(b.String(), nil, nil))
}

// ApplyTruncationIfNeeded returns turns unchanged if they already fit the
// token budget; otherwise it drops turns from the middle, preserving the
// first user turn and the last assistant+user pair, until the remainder
// fits. In FileSpill mode, evicted turns are written to workspace files
// named by their original index before being dropped.
func (m *Manager) ApplyTruncationIfNeeded(turns []models.Turn) ([]models.Turn, error) {
	if m.CountTokens(turns) <= m.tokenBudget || len(turns) <= 3 {
		return turns, nil
	}

	keepFirst := 1
	keepLast := 2
	if len(turns) <= keepFirst+keepLast {
		return turns, nil
	}

	head := append([]models.Turn{}, turns[:keepFirst]...)
	tail := append([]models.Turn{}, turns[len(turns)-keepLast:]...)
	middle := append([]models.Turn{}, turns[keepFirst:len(turns)-keepLast]...)

	compose := func() []models.Turn {
		out := make([]models.Turn, 0, len(head)+len(middle)+len(tail))
		out = append(out, head...)
		out = append(out, middle...)
		out = append(out, tail...)
		return out
	}

	evictedIdx := keepFirst
	for len(middle) > 0 && m.CountTokens(compose()) > m.tokenBudget {
		if m.variant == FileSpill {
			if err := m.spill(evictedIdx, middle[0]); err != nil {
				return nil, err
			}
		}
		middle = middle[1:]
		evictedIdx++
	}

	return compose(), nil
}

func (m *Manager) spill(index int, t models.Turn) error {
	if m.workspaceDir == "" {
		return nil
	}
	path := filepath.Join(m.workspaceDir, fmt.Sprintf("evicted_turn_%d.txt", index))
	var b strings.Builder
	if t.IsAssistant {
		for _, block := range t.Assistant {
			if block.Kind == models.AssistantText {
				b.WriteString(block.Text)
				b.WriteByte('\n')
			}
		}
	} else {
		for _, block := range t.User {
			if block.Kind == models.UserText {
				b.WriteString(block.Text)
				b.WriteByte('\n')
			}
		}
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
