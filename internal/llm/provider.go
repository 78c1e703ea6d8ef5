// Package llm implements the LLM provider abstraction: a
// provider-agnostic generate() contract with retries, exponential backoff,
// model fallback chains, native-vs-JSON-emulated tool calling, and
// tool-call loop detection.
package llm

import (
	"context"

	"github.com/iiagent/coreserver/internal/models"
)

// ToolSpec is the provider-agnostic description of a tool the model may
// call, derived from the agent's tool registry.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolChoice constrains which tool(s), if any, the model may call.
type ToolChoice struct {
	// Mode is one of "auto", "none", "any" (native providers only honor
	// the modes they support; JSON-emulated mode always behaves as "auto").
	Mode string
}

// ToolCallingMode selects how a provider exchanges tool calls with the
// model.
type ToolCallingMode int

const (
	// ToolCallingNative uses the provider's structured function-calling API.
	ToolCallingNative ToolCallingMode = iota
	// ToolCallingJSONEmulated instructs the model via a system prompt to
	// emit fenced JSON tool calls, which this package parses out.
	ToolCallingJSONEmulated
)

// Request is the uniform input to Provider.Generate.
type Request struct {
	Messages     []models.Turn
	MaxTokens    int
	SystemPrompt string
	Temperature  float64
	Tools        []ToolSpec
	ToolChoice   *ToolChoice

	// Model is the effective model identifier this request should use;
	// the Agent Runtime sets it per turn (never mutated on the provider).
	Model string

	// ToolCallingMode selects native vs JSON-emulated tool exchange. Only
	// consulted by providers that support both (chutes).
	ToolCallingMode ToolCallingMode
}

// ResponseMetadata carries accounting/debugging data alongside the
// generated blocks.
type ResponseMetadata struct {
	InputTokens  int
	OutputTokens int
	Model        string
	RawResponse  any
}

// Response is the result of a single successful Provider.Generate call.
type Response struct {
	Blocks   []models.AssistantBlock
	Metadata ResponseMetadata
}

// Capabilities describes what a concrete provider variant supports.
type Capabilities struct {
	Chat              bool
	ToolsNative       bool
	ToolsJSONEmulated bool
	Vision            bool
}

// Provider is the uniform contract every concrete LLM backend implements.
// A single call corresponds to one "round" in the Agent Runtime's
// accounting.
type Provider interface {
	// Name identifies the provider for logging/metrics ("anthropic",
	// "chutes", "openrouter", "moonshot").
	Name() string

	Capabilities() Capabilities

	// Generate issues one completion request against req.Model. It does
	// not retry or fail over; that is the Chain's responsibility.
	Generate(ctx context.Context, req Request) (Response, error)
}
