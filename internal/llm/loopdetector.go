package llm

import (
	"encoding/json"
	"sort"

	"github.com/iiagent/coreserver/internal/models"
)

// loopWindow is how many trailing assistant messages the loop detector
// inspects.
const loopWindow = 8

// detectLoops inspects the trailing assistant turns in history and returns
// the set of tool calls in candidate that should be dropped because they
// would extend a detected loop. candidate is evaluated as if appended
// after history (it is not yet part of it).
func detectLoops(history []models.Turn, candidate []models.ToolCall) []bool {
	counts := make(map[string]int)
	pairCounts := make(map[string]int)

	assistantSeen := 0
	for i := len(history) - 1; i >= 0 && assistantSeen < loopWindow; i-- {
		t := history[i]
		if !t.IsAssistant {
			continue
		}
		assistantSeen++
		for _, block := range t.Assistant {
			if block.Kind != models.AssistantToolCall {
				continue
			}
			counts[block.Call.Name]++
			pairCounts[pairKey(block.Call.Name, block.Call.Input)]++
		}
	}

	blocked := make([]bool, len(candidate))
	for i, call := range candidate {
		name := call.Name
		pair := pairKey(call.Name, call.Input)

		// Account for earlier entries in this same candidate batch too,
		// so a burst of identical calls in one response is still caught.
		// The candidate itself counts as one occurrence.
		projectedCount := counts[name] + 1
		projectedPair := pairCounts[pair] + 1
		for j := 0; j < i; j++ {
			if candidate[j].Name == name {
				projectedCount++
			}
			if pairKey(candidate[j].Name, candidate[j].Input) == pair {
				projectedPair++
			}
		}

		blocked[i] = isBlocked(name, projectedCount, projectedPair)
	}
	return blocked
}

func isBlocked(name string, count, pairCount int) bool {
	switch name {
	case "sequential_thinking":
		return count >= 3
	case "web_search", "visit_webpage":
		if count >= 5 {
			return true
		}
		return count >= 4 && pairCount >= 2
	default:
		return count >= 3
	}
}

// pairKey canonicalizes (name, arguments) into a stable comparison key,
// recursing through nested arrays and maps so no input shape panics.
func pairKey(name string, input any) string {
	b, err := canonicalJSON(input)
	if err != nil {
		raw, _ := json.Marshal(input)
		return name + "|" + string(raw)
	}
	return name + "|" + string(b)
}

// canonicalJSON renders v as JSON with map keys sorted, so byte-identical
// (name, arguments) detection is order-independent for object inputs.
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]orderedPair, 0, len(keys))
		for _, k := range keys {
			nv, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, orderedPair{Key: k, Value: nv})
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return val, nil
	}
}

// orderedPair marshals as a two-element array so key order in the
// surrounding object never affects the canonical byte sequence.
type orderedPair struct {
	Key   string
	Value any
}

func (p orderedPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Value})
}
