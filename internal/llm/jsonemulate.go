package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/iiagent/coreserver/internal/models"
)

// jsonEmulationInstruction is appended to the system prompt when a
// provider is run in JSON-emulated tool-calling mode. toolNames lists the
// only names the model may call.
func jsonEmulationInstruction(toolNames []string) string {
	var b strings.Builder
	b.WriteString("You can call tools by emitting a single fenced JSON block matching exactly this schema:\n")
	b.WriteString("```json\n{\"tool_call\": {\"id\": \"<string>\", \"name\": \"<string>\", \"arguments\": {}}}\n```\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Emit at most one tool call per response.\n")
	b.WriteString("- Do not repeat a call you already made with identical arguments.\n")
	b.WriteString("- \"name\" must be one of: ")
	b.WriteString(strings.Join(toolNames, ", "))
	b.WriteString(".\n")
	b.WriteString("- The sequential_thinking tool's \"nextThoughtNeeded\" and \"totalThoughts\" fields are optional; omit them if unknown.\n")
	return b.String()
}

// toolCallEnvelope is the exact emulated-mode wire shape the instruction
// above asks the model to emit.
type toolCallEnvelope struct {
	ToolCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments any    `json:"arguments"`
	} `json:"tool_call"`
}

// parseEmulatedToolCall scans text for a fenced or inline JSON block
// matching toolCallEnvelope, repairing truncated blocks by brace-balancing.
// It returns the extracted call (if any, and if its name is registered),
// plus the remaining text with the JSON substring stripped.
func parseEmulatedToolCall(text string, registeredNames map[string]struct{}) (*models.ToolCall, string) {
	start, end, ok := findJSONBlock(text)
	if !ok {
		return nil, text
	}

	raw := repairTruncatedJSON(text[start:end])

	var env toolCallEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, text
	}
	if env.ToolCall.Name == "" {
		return nil, text
	}
	if _, ok := registeredNames[env.ToolCall.Name]; !ok {
		return nil, stripRange(text, start, end)
	}

	id := env.ToolCall.ID
	if id == "" {
		id = uuid.NewString()
	}

	call := &models.ToolCall{ID: id, Name: env.ToolCall.Name, Input: env.ToolCall.Arguments}
	return call, stripRange(text, start, end)
}

// findJSONBlock locates the first fenced ```json ... ``` block, or failing
// that the first balanced-looking {...} span containing "tool_call". It
// returns byte offsets into text.
func findJSONBlock(text string) (start, end int, ok bool) {
	if fenceStart := strings.Index(text, "```json"); fenceStart >= 0 {
		bodyStart := fenceStart + len("```json")
		if fenceEnd := strings.Index(text[bodyStart:], "```"); fenceEnd >= 0 {
			return fenceStart, bodyStart + fenceEnd + len("```"), true
		}
		// Truncated fence with no closing marker: take the rest of the text.
		return fenceStart, len(text), true
	}

	idx := strings.Index(text, `"tool_call"`)
	if idx < 0 {
		return 0, 0, false
	}
	braceStart := strings.LastIndex(text[:idx], "{")
	if braceStart < 0 {
		return 0, 0, false
	}
	return braceStart, len(text), true
}

// repairTruncatedJSON strips fence markers and balances unmatched braces
// and brackets so a response cut off mid-object still parses.
func repairTruncatedJSON(raw string) string {
	s := strings.TrimPrefix(raw, "```json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)

	openBraces, openBrackets := 0, 0
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				openBraces++
			}
		case '}':
			if !inString {
				openBraces--
			}
		case '[':
			if !inString {
				openBrackets++
			}
		case ']':
			if !inString {
				openBrackets--
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	for i := 0; i < openBrackets; i++ {
		b.WriteByte(']')
	}
	for i := 0; i < openBraces; i++ {
		b.WriteByte('}')
	}
	return b.String()
}

func stripRange(text string, start, end int) string {
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[:start] + text[end:])
}

// renderToolCallAsText renders a previously-issued tool call as an
// assistant text turn for JSON-emulated mode history replay, so the model
// retains context despite having no native memory of tool calls.
func renderToolCallAsText(call models.ToolCall) string {
	pretty, err := json.MarshalIndent(call.Input, "", "  ")
	if err != nil {
		pretty = []byte(fmt.Sprintf("%v", call.Input))
	}
	return fmt.Sprintf("I'll use the %s tool with these parameters: %s", call.Name, string(pretty))
}

// renderToolResultAsText renders a tool-formatted-result as a user text
// turn for JSON-emulated mode.
func renderToolResultAsText(toolName, output string) string {
	return fmt.Sprintf("Tool result from %s:\n%s", toolName, output)
}
