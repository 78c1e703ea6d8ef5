package agentruntime

import (
	"context"
	"errors"
	"testing"

	"github.com/iiagent/coreserver/internal/contextmgr"
	"github.com/iiagent/coreserver/internal/history"
	"github.com/iiagent/coreserver/internal/llm"
	"github.com/iiagent/coreserver/internal/models"
	"github.com/iiagent/coreserver/internal/tool"
)

// scriptedGenerator replays a fixed sequence of responses, one per call to
// Generate, and records the requests it was given.
type scriptedGenerator struct {
	responses []llm.Response
	errs      []error
	calls     int
	requests  []llm.Request
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	g.requests = append(g.requests, req)
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return llm.Response{}, g.errs[i]
	}
	if i >= len(g.responses) {
		return llm.Response{Blocks: []models.AssistantBlock{models.NewAssistantText("task completed, here is the final answer")}}, nil
	}
	return g.responses[i], nil
}

// recordingEmitter captures every emitted event in order.
type recordingEmitter struct {
	events []emitted
}

type emitted struct {
	Type    models.EventType
	Payload map[string]any
}

func (e *recordingEmitter) Emit(ctx context.Context, eventType models.EventType, payload map[string]any) {
	e.events = append(e.events, emitted{Type: eventType, Payload: payload})
}

func (e *recordingEmitter) hasType(t models.EventType) bool {
	for _, ev := range e.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type fakeTool struct {
	name     string
	schema   map[string]any
	outcome  models.ToolOutcome
	err      error
	invoked  int
	lastArgs any
}

func (f *fakeTool) Name() string                    { return f.name }
func (f *fakeTool) Description() string             { return "fake tool " + f.name }
func (f *fakeTool) InputSchema() map[string]any      { return f.schema }
func (f *fakeTool) Invoke(ctx context.Context, input any) (models.ToolOutcome, error) {
	f.invoked++
	f.lastArgs = input
	return f.outcome, f.err
}

func newTestDeps(gen Generator, tools []tool.Tool, emitter EventEmitter) Deps {
	mgr, err := contextmgr.New(contextmgr.Standard, 100000, "")
	if err != nil {
		panic(err)
	}
	return Deps{
		Generator:    gen,
		History:      history.New(),
		ContextMgr:   mgr,
		Tools:        tools,
		Emitter:      emitter,
		SystemPrompt: "you are a test agent",
		Model:        "test-model",
		MaxTokens:    1024,
	}
}

func TestRunHappyPathSingleTool(t *testing.T) {
	calc := &fakeTool{name: "calculate", outcome: models.ToolOutcome{Output: "714"}}
	gen := &scriptedGenerator{
		responses: []llm.Response{
			{Blocks: []models.AssistantBlock{
				models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "calculate", Input: map[string]any{"expression": "42*17"}}),
			}},
			{Blocks: []models.AssistantBlock{
				models.NewAssistantText("Here is the result: 714. Task completed."),
			}},
		},
	}
	emitter := &recordingEmitter{}
	r := New(newTestDeps(gen, []tool.Tool{calc}, emitter), DefaultConfig())

	result := r.Run(context.Background(), "What is 42*17?", nil)

	if result.Outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %v (err=%v)", result.Outcome, result.Err)
	}
	if calc.invoked != 1 {
		t.Fatalf("expected tool invoked once, got %d", calc.invoked)
	}
	if !emitter.hasType(models.EventToolCall) || !emitter.hasType(models.EventToolResult) {
		t.Fatalf("expected tool_call and tool_result events, got %+v", emitter.events)
	}
	if !emitter.hasType(models.EventAgentResponse) {
		t.Fatalf("expected agent_response event, got %+v", emitter.events)
	}
}

func TestRunTerminalToolEndsRun(t *testing.T) {
	final := &fakeTool{name: "final_answer", outcome: models.ToolOutcome{Terminal: true, FinalAnswer: "done here"}}
	gen := &scriptedGenerator{
		responses: []llm.Response{
			{Blocks: []models.AssistantBlock{
				models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "final_answer", Input: map[string]any{}}),
			}},
		},
	}
	r := New(newTestDeps(gen, []tool.Tool{final}, nil), DefaultConfig())

	result := r.Run(context.Background(), "wrap it up", nil)

	if result.Outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %v", result.Outcome)
	}
	if result.Text != "done here" {
		t.Fatalf("expected final answer text, got %q", result.Text)
	}
	if gen.calls != 1 {
		t.Fatalf("expected exactly one generate call, got %d", gen.calls)
	}
}

func TestRunBudgetExceededOnMaxTurns(t *testing.T) {
	gen := &scriptedGenerator{
		// Every response is plain chatter that never satisfies the
		// completion heuristic, forcing the loop to run out its turn budget.
		responses: nil,
	}
	gen.responses = []llm.Response{}
	for i := 0; i < 10; i++ {
		gen.responses = append(gen.responses, llm.Response{Blocks: []models.AssistantBlock{
			models.NewAssistantText("still working on it"),
		}})
	}
	r := New(newTestDeps(gen, nil, nil), Config{MaxTurns: 3, MaxRounds: 100})

	result := r.Run(context.Background(), "keep going forever", nil)

	if result.Outcome != OutcomeBudgetExceeded {
		t.Fatalf("expected OutcomeBudgetExceeded, got %v (err=%v)", result.Outcome, result.Err)
	}
	if result.Turns != 3 {
		t.Fatalf("expected 3 turns executed, got %d", result.Turns)
	}
}

func TestRunBudgetExceededOnMaxRounds(t *testing.T) {
	tool1 := &fakeTool{name: "noop", outcome: models.ToolOutcome{Output: "ok"}}
	var responses []llm.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, llm.Response{Blocks: []models.AssistantBlock{
			models.NewAssistantToolCall(models.ToolCall{ID: "x", Name: "noop", Input: map[string]any{"i": i}}),
		}})
	}
	gen := &scriptedGenerator{responses: responses}
	r := New(newTestDeps(gen, []tool.Tool{tool1}, nil), Config{MaxTurns: 100, MaxRounds: 2})

	result := r.Run(context.Background(), "loop", nil)

	if result.Outcome != OutcomeBudgetExceeded {
		t.Fatalf("expected OutcomeBudgetExceeded, got %v", result.Outcome)
	}
	if result.Rounds < 2 {
		t.Fatalf("expected at least 2 rounds executed, got %d", result.Rounds)
	}
}

func TestRunEmptyResponseSynthesizesMarker(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []llm.Response{
			{Blocks: nil},
			{Blocks: []models.AssistantBlock{models.NewAssistantText("task completed. here is the answer.")}},
		},
	}
	r := New(newTestDeps(gen, nil, nil), DefaultConfig())

	result := r.Run(context.Background(), "say nothing first", nil)

	if result.Outcome != OutcomeDone {
		t.Fatalf("expected OutcomeDone, got %v (err=%v)", result.Outcome, result.Err)
	}
}

func TestRunCancellationAtTurnBoundaryEmitsSystemEvent(t *testing.T) {
	gen := &scriptedGenerator{}
	emitter := &recordingEmitter{}
	r := New(newTestDeps(gen, nil, emitter), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before the run even starts its turn loop

	result := r.Run(ctx, "start then cancel", nil)

	if result.Outcome != OutcomeCanceled {
		t.Fatalf("expected OutcomeCanceled, got %v", result.Outcome)
	}
	found := false
	for _, ev := range emitter.events {
		if ev.Type == models.EventSystem && ev.Payload["message"] == "Processing was canceled by the user." {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a system cancellation event, got %+v", emitter.events)
	}
	if gen.calls != 0 {
		t.Fatalf("expected the generator never to be called, got %d calls", gen.calls)
	}
}

// cancelingTool cancels the shared context as a side effect of being
// invoked, simulating cancellation arriving mid-dispatch.
type cancelingTool struct {
	name    string
	cancel  context.CancelFunc
	invoked int
}

func (c *cancelingTool) Name() string               { return c.name }
func (c *cancelingTool) Description() string        { return "cancels on invoke" }
func (c *cancelingTool) InputSchema() map[string]any { return nil }
func (c *cancelingTool) Invoke(ctx context.Context, input any) (models.ToolOutcome, error) {
	c.invoked++
	c.cancel()
	return models.ToolOutcome{Output: "first done"}, nil
}

func TestRunCancellationBetweenToolsInSameTurnStopsSecondCall(t *testing.T) {
	second := &fakeTool{name: "second", outcome: models.ToolOutcome{Output: "should not run"}}
	ctx, cancel := context.WithCancel(context.Background())
	first := &cancelingTool{name: "first", cancel: cancel}

	gen := &scriptedGenerator{
		responses: []llm.Response{
			{Blocks: []models.AssistantBlock{
				models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "first", Input: map[string]any{}}),
				models.NewAssistantToolCall(models.ToolCall{ID: "2", Name: "second", Input: map[string]any{}}),
			}},
		},
	}
	emitter := &recordingEmitter{}
	deps := newTestDeps(gen, []tool.Tool{first, second}, emitter)
	r := New(deps, DefaultConfig())

	result := r.Run(ctx, "run two tools, cancel mid-dispatch", nil)

	if result.Outcome != OutcomeCanceled {
		t.Fatalf("expected OutcomeCanceled, got %v (err=%v)", result.Outcome, result.Err)
	}
	if first.invoked != 1 {
		t.Fatalf("expected first tool invoked once, got %d", first.invoked)
	}
	if second.invoked != 0 {
		t.Fatalf("expected second tool never invoked, got %d", second.invoked)
	}

	// Every tool_call block in the assistant turn must be paired with
	// exactly one result in the following user turn: the completed first
	// call keeps its real output, the never-run second gets an interrupted
	// marker. Missing either would get the next native-tool-calling
	// request rejected.
	msgs := deps.History.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 turns (user, assistant, tool results, marker), got %d", len(msgs))
	}
	results := msgs[2]
	if results.IsAssistant || len(results.User) != 2 {
		t.Fatalf("expected a user turn with 2 tool results, got %+v", results)
	}
	byID := map[string]string{}
	for _, b := range results.User {
		if b.Kind != models.UserToolResult {
			t.Fatalf("expected only tool result blocks, got %+v", b)
		}
		byID[b.ToolCallID] = b.ToolOutput
	}
	if byID["1"] != "first done" {
		t.Fatalf("expected the completed call's real output to survive, got %q", byID["1"])
	}
	if byID["2"] == "" || byID["2"] == "first done" {
		t.Fatalf("expected an interrupted marker for the never-run call, got %q", byID["2"])
	}
	if !msgs[3].IsAssistant {
		t.Fatalf("expected a trailing marker assistant turn, got %+v", msgs[3])
	}
}

func TestRunDuplicateToolNamesFail(t *testing.T) {
	a := &fakeTool{name: "dup", outcome: models.ToolOutcome{Output: "a"}}
	b := &fakeTool{name: "dup", outcome: models.ToolOutcome{Output: "b"}}
	gen := &scriptedGenerator{}
	r := New(newTestDeps(gen, []tool.Tool{a, b}, nil), DefaultConfig())

	result := r.Run(context.Background(), "hello", nil)

	if result.Outcome != OutcomeError {
		t.Fatalf("expected OutcomeError, got %v", result.Outcome)
	}
	if !errors.Is(result.Err, tool.ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", result.Err)
	}
}

func TestRunNoGeneratorConfigured(t *testing.T) {
	r := New(newTestDeps(nil, nil, nil), DefaultConfig())
	result := r.Run(context.Background(), "hi", nil)
	if !errors.Is(result.Err, ErrNoGenerator) {
		t.Fatalf("expected ErrNoGenerator, got %v", result.Err)
	}
	if result.Outcome != OutcomeError {
		t.Fatalf("expected OutcomeError, got %v", result.Outcome)
	}
}

func TestRunUnregisteredToolNameContinuesRun(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []llm.Response{
			{Blocks: []models.AssistantBlock{
				models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "nonexistent", Input: map[string]any{}}),
			}},
			{Blocks: []models.AssistantBlock{models.NewAssistantText("task completed, here is the wrap-up.")}},
		},
	}
	emitter := &recordingEmitter{}
	r := New(newTestDeps(gen, nil, emitter), DefaultConfig())

	result := r.Run(context.Background(), "call a tool that doesn't exist", nil)

	if result.Outcome != OutcomeDone {
		t.Fatalf("expected the run to continue past an unregistered tool call, got %v (err=%v)", result.Outcome, result.Err)
	}
}
