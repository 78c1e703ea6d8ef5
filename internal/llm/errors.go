package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a provider failure for the retry ladder; it is the
// only thing the ladder dispatches on.
type ErrorKind int

const (
	// KindTransient covers rate limits and transient network failures:
	// retry the same model with backoff.
	KindTransient ErrorKind = iota
	// KindTargetExhausted is a provider-reported quota/capacity exhaustion
	// on the current model: retry the same model with backoff.
	KindTargetExhausted
	// KindContextLength means the request exceeded the model's context
	// window: do not retry this model, advance to the next one.
	KindContextLength
	// KindToolsUnsupported means the model rejected the tool-calling
	// request: switch to JSON-emulated mode if available, else advance.
	KindToolsUnsupported
	// KindAuth is an authentication failure (401): never retried.
	KindAuth
	// KindMalformedResponse is an empty or unparsable response body.
	KindMalformedResponse
	// KindFatal is any other unrecoverable failure, including exhausting
	// the outer retry budget.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTargetExhausted:
		return "target_exhausted"
	case KindContextLength:
		return "context_length"
	case KindToolsUnsupported:
		return "tools_unsupported"
	case KindAuth:
		return "auth"
	case KindMalformedResponse:
		return "malformed_response"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ProviderError is the explicit result type the retry ladder reasons over.
type ProviderError struct {
	Kind      ErrorKind
	Retryable bool
	Provider  string
	Model     string
	Source    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: %s provider %q model %q: %v", e.Kind, e.Provider, e.Model, e.Source)
}

func (e *ProviderError) Unwrap() error { return e.Source }

// NewProviderError wraps source with an explicit kind, deriving Retryable
// from the kind the same way the retry ladder itself does.
func NewProviderError(kind ErrorKind, provider, model string, source error) *ProviderError {
	return &ProviderError{
		Kind:      kind,
		Retryable: kind == KindTransient || kind == KindTargetExhausted,
		Provider:  provider,
		Model:     model,
		Source:    source,
	}
}

// AsProviderError extracts a *ProviderError from err, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ErrOuterRetriesExhausted is raised when all models have failed across 3
// outer "clarify the system prompt and retry" rounds.
var ErrOuterRetriesExhausted = errors.New("llm: exceeded outer retry budget")

// classifyHTTPError is the single classification point for transport-level
// failures; statusCode is 0 when unknown (e.g. a network-level failure).
func classifyHTTPError(statusCode int, msg string) ErrorKind {
	lower := strings.ToLower(msg)

	switch statusCode {
	case 401, 403:
		return KindAuth
	}

	if containsAny(lower, "maximum context length", "context length", "token limit", "reduce the length", "context_length_exceeded") {
		return KindContextLength
	}
	if containsAny(lower, "does not support tool", "tool use is not supported", "tools are not supported", "function calling is not supported") {
		return KindToolsUnsupported
	}
	if containsAny(lower, "rate limit", "quota", "exhausted", "insufficient_quota", "capacity", "overloaded", "429") {
		return KindTargetExhausted
	}
	if statusCode >= 500 || containsAny(lower, "timeout", "timed out", "deadline exceeded", "connection reset", "temporarily unavailable", "502", "503", "504") {
		return KindTransient
	}
	if containsAny(lower, "empty response", "empty content", "no content") {
		return KindMalformedResponse
	}
	return KindFatal
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
