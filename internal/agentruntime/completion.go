package agentruntime

import (
	"regexp"
	"strings"
)

// completionPhrases and continuationPhrases implement the English-only
// termination heuristic: a fixed keyword list, not an i18n-aware
// classifier. Intended to be replaced with an explicit done marker from
// the model once providers support one reliably.
var completionPhrases = []string{
	"task completed",
	"task is complete",
	"here is",
	"here's",
	"in conclusion",
	"based on",
	"to summarize",
	"in summary",
}

var continuationPhrases = []string{
	"let me",
	"i'll",
	"i will",
	"next",
	"searching",
	"looking into",
	"one moment",
}

// shortTextThreshold is the minimum text length the phrase-based heuristic
// requires before treating a response as a real answer rather than a filler
// acknowledgment.
const shortTextThreshold = 20

// domainTextThreshold is the minimum length for the structural fallback
// heuristic below.
const domainTextThreshold = 100

// domainPattern matches a well-formed multi-part answer (a markdown heading,
// an enumerated/bulleted list, or a fenced code block) — a shape a model
// produces when it believes it has finished, independent of phrasing.
var domainPattern = regexp.MustCompile(`(?m)(^#{1,6}\s|^\s*[-*]\s|^\s*\d+[.)]\s|` + "```" + `)`)

// completionMarkerText is the literal text synthesized into history when a
// provider returns an empty response.
const completionMarkerText = "[no response content received]"

// isComplete applies the termination heuristic to the last assistant text.
func isComplete(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)

	hasCompletion := containsAnyPhrase(lower, completionPhrases)
	hasContinuation := containsAnyPhrase(lower, continuationPhrases)
	if hasCompletion && !hasContinuation && len(trimmed) > shortTextThreshold {
		return true
	}

	if len(trimmed) > domainTextThreshold && domainPattern.MatchString(trimmed) {
		return true
	}

	return false
}

func containsAnyPhrase(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// continuationPrompt is injected as a user turn when the termination
// heuristic is not satisfied.
const continuationPrompt = "Please either declare that the task is complete or call a tool to make progress."
