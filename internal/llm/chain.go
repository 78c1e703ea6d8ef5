package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iiagent/coreserver/internal/backoff"
	"github.com/iiagent/coreserver/internal/models"
	"github.com/iiagent/coreserver/internal/observability"
)

// ModelEntry is one entry in a Chain's ordered model list: a provider plus
// the concrete model identifier to request from it, and whether it is
// flagged free (used to decide try-order when tools are requested).
type ModelEntry struct {
	Provider Provider
	Model    string
	Free     bool
	// ToolCapable marks whether this entry should be preferred first when
	// the request needs tools and the primary entry is free.
	ToolCapable bool
}

// Chain implements the per-run model fallback ladder, retry-with-backoff,
// and the outer clarify-and-retry protocol.
type Chain struct {
	entries    []ModelEntry
	maxRetries int
	policy     backoff.BackoffPolicy
	log        *observability.Logger
	metrics    *observability.Metrics
}

// NewChain builds a Chain over entries (primary first, fallbacks after).
// maxRetries bounds per-model attempts; policy controls backoff timing
// (use backoff.TestModePolicy() to cap at 1s under test).
func NewChain(entries []ModelEntry, maxRetries int, policy backoff.BackoffPolicy, log *observability.Logger, metrics *observability.Metrics) *Chain {
	return &Chain{entries: entries, maxRetries: maxRetries, policy: policy, log: log, metrics: metrics}
}

// orderedEntries returns the chain entries in try-order for this request:
// if tools are requested and the first entry is flagged free, tool-capable
// paid entries are tried first, then the other paid entries, then the free
// ones.
func (c *Chain) orderedEntries(needsTools bool) []ModelEntry {
	if !needsTools || len(c.entries) == 0 || !c.entries[0].Free {
		return c.entries
	}
	ordered := make([]ModelEntry, 0, len(c.entries))
	var otherPaid, free []ModelEntry
	for _, e := range c.entries {
		switch {
		case e.Free:
			free = append(free, e)
		case e.ToolCapable:
			ordered = append(ordered, e)
		default:
			otherPaid = append(otherPaid, e)
		}
	}
	ordered = append(ordered, otherPaid...)
	ordered = append(ordered, free...)
	return ordered
}

// outerClarification is appended to the system prompt on each outer retry
// round after every model in the chain has failed.
const outerClarification = " Please provide a complete response to the previous request."

// maxOuterRetries bounds the outer "clarify and re-enter the model loop"
// rounds.
const maxOuterRetries = 3

// Generate runs req across the chain: for each model, up to maxRetries
// attempts with backoff; on context-length or tools-unsupported it advances
// to the next model instead of retrying. If every model fails, it appends
// a clarifying sentence to the system prompt and restarts the ladder, up
// to maxOuterRetries times.
func (c *Chain) Generate(ctx context.Context, req Request) (Response, error) {
	if len(c.entries) == 0 {
		return Response{}, errors.New("llm: chain has no configured models")
	}

	needsTools := len(req.Tools) > 0
	baseSystem := req.SystemPrompt

	for outer := 0; outer <= maxOuterRetries; outer++ {
		attemptReq := req
		attemptReq.SystemPrompt = baseSystem
		for i := 0; i < outer; i++ {
			attemptReq.SystemPrompt += outerClarification
		}

		resp, err := c.runLadder(ctx, attemptReq, needsTools)
		if err == nil {
			return resp, nil
		}
		if c.log != nil {
			c.log.Warn(ctx, "llm chain exhausted all models, entering outer retry",
				"outer_attempt", outer+1, "error", err.Error())
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
	}

	return Response{}, NewProviderError(KindFatal, "chain", req.Model, ErrOuterRetriesExhausted)
}

// runLadder tries every model in try-order once through its own
// per-model retry budget, returning the first success.
func (c *Chain) runLadder(ctx context.Context, req Request, needsTools bool) (Response, error) {
	var lastErr error

	for _, entry := range c.orderedEntries(needsTools) {
		mode := req.ToolCallingMode
		caps := entry.Provider.Capabilities()
		if needsTools && mode == ToolCallingNative && !caps.ToolsNative && caps.ToolsJSONEmulated {
			mode = ToolCallingJSONEmulated
		}

		resp, err := c.tryModel(ctx, entry, req, mode)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		pe, ok := AsProviderError(err)
		if !ok {
			continue
		}
		if c.metrics != nil {
			c.metrics.LLMFailoversTotal.WithLabelValues(entry.Provider.Name()).Inc()
		}
		if pe.Kind == KindToolsUnsupported && mode == ToolCallingNative && caps.ToolsJSONEmulated {
			// Retry the same model once more in emulated mode before
			// giving up on it entirely.
			resp, err = c.tryModel(ctx, entry, req, ToolCallingJSONEmulated)
			if err == nil {
				return resp, nil
			}
			lastErr = err
		}
	}

	return Response{}, lastErr
}

// tryModel runs the per-model retry ladder: up to c.maxRetries attempts,
// exponential backoff between them, short-circuiting on non-retryable
// kinds (context length, tools unsupported, auth).
func (c *Chain) tryModel(ctx context.Context, entry ModelEntry, req Request, mode ToolCallingMode) (Response, error) {
	attemptReq := req
	attemptReq.Model = entry.Model
	attemptReq.ToolCallingMode = mode

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		started := time.Now()
		resp, err := entry.Provider.Generate(ctx, attemptReq)
		if c.metrics != nil {
			c.metrics.LLMRequestDuration.WithLabelValues(entry.Provider.Name(), entry.Model).Observe(time.Since(started).Seconds())
		}
		if err == nil {
			if c.metrics != nil {
				c.metrics.LLMRequestsTotal.WithLabelValues(entry.Provider.Name(), entry.Model, "success").Inc()
			}
			return resp, nil
		}
		lastErr = err

		pe, ok := AsProviderError(err)
		if !ok {
			pe = NewProviderError(KindFatal, entry.Provider.Name(), entry.Model, err)
		}
		if c.metrics != nil {
			c.metrics.LLMRequestsTotal.WithLabelValues(entry.Provider.Name(), entry.Model, "error").Inc()
			c.metrics.LLMRetriesTotal.WithLabelValues(entry.Provider.Name(), pe.Kind.String()).Inc()
		}

		switch pe.Kind {
		case KindContextLength, KindToolsUnsupported, KindAuth, KindFatal:
			// Do not retry this model; caller advances the ladder.
			return Response{}, pe
		}

		if attempt < c.maxRetries-1 {
			if sleepErr := backoff.SleepWithBackoff(ctx, c.policy, attempt); sleepErr != nil {
				return Response{}, sleepErr
			}
		}
	}
	return Response{}, fmt.Errorf("llm: model %q exhausted %d attempts: %w", entry.Model, c.maxRetries, lastErr)
}

// ApplyLoopDetector drops tool calls from blocks that would extend a
// detected loop, given the history preceding this response. It returns the
// filtered blocks and the names of any dropped calls (for logging).
func ApplyLoopDetector(history []models.Turn, blocks []models.AssistantBlock) ([]models.AssistantBlock, []string) {
	var calls []models.ToolCall
	callIdx := make([]int, 0)
	for i, b := range blocks {
		if b.Kind == models.AssistantToolCall {
			calls = append(calls, b.Call)
			callIdx = append(callIdx, i)
		}
	}
	if len(calls) == 0 {
		return blocks, nil
	}

	blocked := detectLoops(history, calls)
	dropSet := make(map[int]bool)
	var droppedNames []string
	for i, isBlocked := range blocked {
		if isBlocked {
			dropSet[callIdx[i]] = true
			droppedNames = append(droppedNames, calls[i].Name)
		}
	}
	if len(dropSet) == 0 {
		return blocks, nil
	}

	out := make([]models.AssistantBlock, 0, len(blocks))
	for i, b := range blocks {
		if dropSet[i] {
			continue
		}
		out = append(out, b)
	}
	return out, droppedNames
}
