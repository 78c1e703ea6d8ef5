package agentruntime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iiagent/coreserver/internal/contextmgr"
	"github.com/iiagent/coreserver/internal/credits"
	"github.com/iiagent/coreserver/internal/history"
	"github.com/iiagent/coreserver/internal/llm"
	"github.com/iiagent/coreserver/internal/models"
	"github.com/iiagent/coreserver/internal/observability"
	"github.com/iiagent/coreserver/internal/tool"
)

// Generator is the surface the runtime needs from the provider layer;
// satisfied by *llm.Chain in production and by a scripted fake in tests.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (llm.Response, error)
}

// EventEmitter is the surface the runtime needs from the event router: a
// fire-and-forget
// sink for outbound protocol events, keyed to whichever session/connection
// owns this runtime instance.
type EventEmitter interface {
	Emit(ctx context.Context, eventType models.EventType, payload map[string]any)
}

// Outcome classifies how a run ended, matching the AgentRunsTotal metric's
// label set.
type Outcome string

const (
	OutcomeDone           Outcome = "done"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
	OutcomeError          Outcome = "error"
	OutcomeCanceled       Outcome = "canceled"
)

// Result is what Run returns once the state machine reaches DONE (or a
// terminal abort).
type Result struct {
	Outcome  Outcome
	Text     string
	Err      error
	Turns    int
	Rounds   int
}

// ErrNoGenerator is returned by Run when no Generator is configured.
var ErrNoGenerator = errors.New("agentruntime: no generator configured")

// Deps wires the Runtime to the rest of the core. ProKey is empty when the
// run is not bound to a Pro key, in which case the Ledger is never
// consulted.
type Deps struct {
	Generator  Generator
	History    *history.History
	ContextMgr *contextmgr.Manager
	Tools      []tool.Tool
	Emitter    EventEmitter
	Log        *observability.Logger
	Metrics    *observability.Metrics

	Ledger        *credits.Ledger
	ProKey        string
	ModelClassOf  func(model string) credits.ModelClass
	FallbackModel string

	SystemPrompt string
	Model        string
	MaxTokens    int
}

// Runtime is a single agent instance's turn loop.
type Runtime struct {
	deps   Deps
	config Config
}

// New builds a Runtime. config is sanitized with DefaultConfig()'s values
// for any non-positive field.
func New(deps Deps, config Config) *Runtime {
	return &Runtime{deps: deps, config: sanitizeConfig(config)}
}

// Run drives the turn loop to completion for a single user instruction.
// attachmentPaths are workspace-relative file paths referenced by the
// instruction.
func (r *Runtime) Run(ctx context.Context, instruction string, attachmentPaths []string) Result {
	result := r.run(ctx, instruction, attachmentPaths)
	if r.deps.Metrics != nil {
		r.deps.Metrics.AgentRunsTotal.WithLabelValues(string(result.Outcome)).Inc()
		r.deps.Metrics.AgentTurns.Observe(float64(result.Turns))
		r.deps.Metrics.AgentRounds.Observe(float64(result.Rounds))
	}
	return result
}

func (r *Runtime) run(ctx context.Context, instruction string, attachmentPaths []string) Result {
	if r.deps.Generator == nil {
		return Result{Outcome: OutcomeError, Err: ErrNoGenerator}
	}

	blocks, err := buildAttachmentBlocks(attachmentPaths)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	if err := r.deps.History.AddUserPrompt(instruction, blocks); err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}

	effectiveModel := r.deps.Model
	rounds := 0

	for turn := 0; turn < r.config.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			r.emitCanceled(ctx)
			return Result{Outcome: OutcomeCanceled, Turns: turn, Rounds: rounds}
		}
		if rounds >= r.config.MaxRounds {
			return r.budgetExceeded(ctx, turn, rounds, "round")
		}

		// Step 1: truncate history to fit the token budget.
		truncated, err := r.deps.ContextMgr.ApplyTruncationIfNeeded(r.deps.History.Messages())
		if err != nil {
			return Result{Outcome: OutcomeError, Err: fmt.Errorf("agentruntime: truncation: %w", err), Turns: turn, Rounds: rounds}
		}
		r.deps.History.Replace(truncated)

		// Step 2: Pro credit ledger gate, only for premium models bound to a
		// Pro key.
		if r.deps.Ledger != nil && r.deps.ProKey != "" && r.deps.ModelClassOf != nil {
			class := r.deps.ModelClassOf(effectiveModel)
			cost := credits.CostOf(class)
			if cost > 0 {
				track, err := r.deps.Ledger.Track(ctx, r.deps.ProKey, cost)
				if err != nil {
					return Result{Outcome: OutcomeError, Err: fmt.Errorf("agentruntime: ledger track: %w", err), Turns: turn, Rounds: rounds}
				}
				if r.deps.Metrics != nil {
					r.deps.Metrics.ProCreditsUsed.WithLabelValues(r.deps.ProKey, time.Now().Format("2006-01")).Set(float64(track.CurrentUsage))
				}
				if !track.Allowed {
					if r.deps.FallbackModel == "" {
						text := "Your Pro credit limit has been reached for this month and no fallback model is configured."
						r.emitResponse(ctx, text)
						return Result{Outcome: OutcomeDone, Text: text, Turns: turn, Rounds: rounds}
					}
					effectiveModel = r.deps.FallbackModel
					if r.deps.Metrics != nil {
						r.deps.Metrics.ProFallbacksTotal.Inc()
					}
				}
			}
		}

		// Rebuild the tool schema list fresh every turn; duplicate names
		// fail the turn with tool.ErrDuplicateTool.
		registry, err := tool.NewRegistry(r.deps.Tools)
		if err != nil {
			return Result{Outcome: OutcomeError, Err: err, Turns: turn, Rounds: rounds}
		}
		toolSpecs := buildToolSpecs(registry)

		req := llm.Request{
			Messages:     r.deps.History.Messages(),
			MaxTokens:    r.deps.MaxTokens,
			SystemPrompt: r.deps.SystemPrompt,
			Tools:        toolSpecs,
			Model:        effectiveModel,
		}

		r.emit(ctx, models.EventProcessing, nil)

		ctxSpan, span := observability.StartProviderSpan(ctx, "chain", effectiveModel)
		resp, err := r.deps.Generator.Generate(ctxSpan, req)
		observability.EndSpan(span, err)
		rounds++
		if err != nil {
			return Result{Outcome: OutcomeError, Err: fmt.Errorf("agentruntime: generate: %w", err), Turns: turn, Rounds: rounds}
		}

		blocks := resp.Blocks
		if len(blocks) == 0 {
			blocks = []models.AssistantBlock{models.NewAssistantText(completionMarkerText)}
		}

		filtered, dropped := llm.ApplyLoopDetector(r.deps.History.Messages(), blocks)
		if len(dropped) > 0 && r.deps.Log != nil {
			r.deps.Log.Warn(ctx, "agentruntime: dropped looping tool calls", "tools", dropped)
		}
		blocks = filtered

		if err := r.deps.History.AddAssistantTurn(blocks); err != nil {
			return Result{Outcome: OutcomeError, Err: fmt.Errorf("agentruntime: append assistant turn: %w", err), Turns: turn, Rounds: rounds}
		}

		pending := r.deps.History.PendingToolCalls()
		if len(pending) == 0 {
			text, _ := r.deps.History.LastAssistantText()
			if isComplete(text) {
				r.emitResponse(ctx, text)
				return Result{Outcome: OutcomeDone, Text: text, Turns: turn + 1, Rounds: rounds}
			}
			if err := r.deps.History.AddUserTurn([]models.UserBlock{models.NewUserText(continuationPrompt)}); err != nil {
				return Result{Outcome: OutcomeError, Err: err, Turns: turn + 1, Rounds: rounds}
			}
			continue
		}

		done, doneResult := r.dispatchTools(ctx, registry, pending, turn+1, rounds)
		if done {
			return doneResult
		}
	}

	return r.budgetExceeded(ctx, r.config.MaxTurns, rounds, "turn")
}

// dispatchTools invokes each pending tool call in order, emitting
// tool_call and tool_result events. It returns done=true with a Result
// when the run should end (terminal tool, cancellation, or a history
// error).
func (r *Runtime) dispatchTools(ctx context.Context, registry *tool.Registry, pending []models.ToolCall, turns, rounds int) (bool, Result) {
	calls := make([]models.ToolCall, 0, len(pending))
	outcomes := make([]models.ToolOutcome, 0, len(pending))

	for i, call := range pending {
		if err := ctx.Err(); err != nil {
			r.recordInterruption(calls, outcomes, pending[i:])
			r.emitCanceled(ctx)
			return true, Result{Outcome: OutcomeCanceled, Turns: turns, Rounds: rounds}
		}

		r.emit(ctx, models.EventToolCall, map[string]any{"id": call.ID, "name": call.Name, "input": call.Input})

		t, ok := registry.Get(call.Name)
		if !ok {
			outcome := models.ToolOutcome{Output: fmt.Sprintf("tool %q is not registered", call.Name)}
			calls = append(calls, call)
			outcomes = append(outcomes, outcome)
			r.emit(ctx, models.EventToolResult, map[string]any{"id": call.ID, "name": call.Name, "output": outcome.Output})
			continue
		}

		ctxSpan, span := observability.StartToolSpan(ctx, call.Name)
		started := time.Now()
		outcome, err := t.Invoke(ctxSpan, call.Input)
		observability.EndSpan(span, err)
		if r.deps.Metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			r.deps.Metrics.ToolInvocationsTotal.WithLabelValues(call.Name, status).Inc()
			r.deps.Metrics.ToolInvocationDuration.WithLabelValues(call.Name).Observe(time.Since(started).Seconds())
		}

		if err != nil {
			if errors.Is(err, context.Canceled) {
				r.recordInterruption(calls, outcomes, pending[i:])
				r.emitCanceled(ctx)
				return true, Result{Outcome: OutcomeCanceled, Turns: turns, Rounds: rounds}
			}
			outcome = models.ToolOutcome{Output: fmt.Sprintf("Error: %v", err)}
		}

		calls = append(calls, call)
		outcomes = append(outcomes, outcome)
		r.emit(ctx, models.EventToolResult, map[string]any{"id": call.ID, "name": call.Name, "output": outcome.Output})

		if outcome.Terminal {
			if err := r.deps.History.AddToolCallResults(calls, outcomes); err != nil {
				return true, Result{Outcome: OutcomeError, Err: err, Turns: turns, Rounds: rounds}
			}
			if err := r.deps.History.AddAssistantTurn([]models.AssistantBlock{models.NewAssistantText(outcome.FinalAnswer)}); err != nil {
				return true, Result{Outcome: OutcomeError, Err: err, Turns: turns, Rounds: rounds}
			}
			r.emitResponse(ctx, outcome.FinalAnswer)
			return true, Result{Outcome: OutcomeDone, Text: outcome.FinalAnswer, Turns: turns, Rounds: rounds}
		}
	}

	if err := r.deps.History.AddToolCallResults(calls, outcomes); err != nil {
		return true, Result{Outcome: OutcomeError, Err: err, Turns: turns, Rounds: rounds}
	}
	return false, Result{}
}

// recordInterruption flushes the batch's already-completed results together
// with interrupted markers for the current and any not-yet-run calls in a
// single user turn, then appends a marker assistant turn. Every tool_call
// block in the preceding assistant turn gets exactly one result — completed
// calls keep their real output; dropping or skipping any of them would
// leave results unmatched to calls and get the next native-tool-calling
// request rejected by the provider.
func (r *Runtime) recordInterruption(calls []models.ToolCall, outcomes []models.ToolOutcome, remaining []models.ToolCall) {
	const marker = "Tool invocation interrupted by cancellation."
	for _, call := range remaining {
		calls = append(calls, call)
		outcomes = append(outcomes, models.ToolOutcome{Output: marker})
	}
	_ = r.deps.History.AddToolCallResults(calls, outcomes)
	_ = r.deps.History.AddAssistantTurn([]models.AssistantBlock{models.NewAssistantText(marker)})
}

func (r *Runtime) budgetExceeded(ctx context.Context, turns, rounds int, kind string) Result {
	text := fmt.Sprintf("This run exceeded its maximum %s budget and was stopped.", kind)
	r.emitResponse(ctx, text)
	return Result{Outcome: OutcomeBudgetExceeded, Text: text, Turns: turns, Rounds: rounds}
}

func (r *Runtime) emitCanceled(ctx context.Context) {
	r.emit(ctx, models.EventSystem, map[string]any{"message": "Processing was canceled by the user."})
}

func (r *Runtime) emitResponse(ctx context.Context, text string) {
	r.emit(ctx, models.EventAgentResponse, map[string]any{"text": text})
}

func (r *Runtime) emit(ctx context.Context, eventType models.EventType, payload map[string]any) {
	if r.deps.Emitter == nil {
		return
	}
	r.deps.Emitter.Emit(ctx, eventType, payload)
}

func buildToolSpecs(registry *tool.Registry) []llm.ToolSpec {
	names := registry.Names()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		t, _ := registry.Get(name)
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return specs
}
