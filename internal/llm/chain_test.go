package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/iiagent/coreserver/internal/backoff"
	"github.com/iiagent/coreserver/internal/models"
)

// fakeProvider is a scriptable Provider double for exercising the Chain's
// retry/fallback logic without any network transport.
type fakeProvider struct {
	name  string
	caps  Capabilities
	calls int
	// script returns (response, error) for the Nth call (0-indexed); once
	// exhausted the last entry repeats.
	script []func(call int) (Response, error)
}

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) Capabilities() Capabilities  { return f.caps }
func (f *fakeProvider) Generate(ctx context.Context, req Request) (Response, error) {
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i](f.calls - 1)
}

func alwaysSucceeds(text string) func(int) (Response, error) {
	return func(int) (Response, error) {
		return Response{Blocks: []models.AssistantBlock{models.NewAssistantText(text)}}, nil
	}
}

func alwaysFailsWithKind(provider string, kind ErrorKind) func(int) (Response, error) {
	return func(int) (Response, error) {
		return Response{}, NewProviderError(kind, provider, "model", errors.New("boom"))
	}
}

func TestChain_PrimarySucceedsFirstTry(t *testing.T) {
	p := &fakeProvider{name: "primary", caps: Capabilities{Chat: true}, script: []func(int) (Response, error){alwaysSucceeds("hi")}}
	chain := NewChain([]ModelEntry{{Provider: p, Model: "m1"}}, 3, backoff.TestModePolicy(), nil, nil)

	resp, err := chain.Generate(context.Background(), Request{Messages: []models.Turn{{User: []models.UserBlock{models.NewUserText("hello")}}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Blocks) != 1 || resp.Blocks[0].Text != "hi" {
		t.Errorf("got %+v", resp.Blocks)
	}
	if p.calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", p.calls)
	}
}

func TestChain_RetriesTransientThenSucceeds(t *testing.T) {
	p := &fakeProvider{
		name: "primary",
		caps: Capabilities{Chat: true},
		script: []func(int) (Response, error){
			alwaysFailsWithKind("primary", KindTransient),
			alwaysFailsWithKind("primary", KindTransient),
			alwaysSucceeds("recovered"),
		},
	}
	chain := NewChain([]ModelEntry{{Provider: p, Model: "m1"}}, 5, backoff.TestModePolicy(), nil, nil)

	resp, err := chain.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Blocks[0].Text != "recovered" {
		t.Errorf("got %+v", resp.Blocks)
	}
	if p.calls != 3 {
		t.Errorf("expected 3 calls (2 failures + success), got %d", p.calls)
	}
}

func TestChain_ContextLengthAdvancesToNextModelWithoutRetryingFirst(t *testing.T) {
	primary := &fakeProvider{name: "primary", caps: Capabilities{Chat: true}, script: []func(int) (Response, error){alwaysFailsWithKind("primary", KindContextLength)}}
	fallback := &fakeProvider{name: "fallback", caps: Capabilities{Chat: true}, script: []func(int) (Response, error){alwaysSucceeds("from fallback")}}

	chain := NewChain([]ModelEntry{
		{Provider: primary, Model: "m1"},
		{Provider: fallback, Model: "m2"},
	}, 5, backoff.TestModePolicy(), nil, nil)

	resp, err := chain.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Blocks[0].Text != "from fallback" {
		t.Errorf("expected fallback response, got %+v", resp.Blocks)
	}
	if primary.calls != 1 {
		t.Errorf("context-length should not be retried on the same model, got %d calls", primary.calls)
	}
}

func TestChain_AllModelsFailExhaustsOuterRetries(t *testing.T) {
	p := &fakeProvider{name: "primary", caps: Capabilities{Chat: true}, script: []func(int) (Response, error){alwaysFailsWithKind("primary", KindAuth)}}
	chain := NewChain([]ModelEntry{{Provider: p, Model: "m1"}}, 2, backoff.TestModePolicy(), nil, nil)

	_, err := chain.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatalf("expected an error when every model and every outer retry fails")
	}
	if !errors.Is(err, ErrOuterRetriesExhausted) {
		t.Errorf("expected ErrOuterRetriesExhausted, got %v", err)
	}
	// 4 rounds total (1 initial + 3 outer retries), 1 call per round since
	// KindAuth never retries within a model.
	if p.calls != maxOuterRetries+1 {
		t.Errorf("expected %d calls across outer retries, got %d", maxOuterRetries+1, p.calls)
	}
}

func TestChain_FreeModelWithToolsTriesPaidModelsFirst(t *testing.T) {
	free := &fakeProvider{name: "free", caps: Capabilities{Chat: true, ToolsNative: true}}
	paid := &fakeProvider{name: "paid", caps: Capabilities{Chat: true, ToolsNative: true}, script: []func(int) (Response, error){alwaysSucceeds("paid answer")}}
	free.script = []func(int) (Response, error){func(int) (Response, error) {
		t.Fatalf("the free model should not be tried first when tools are requested")
		return Response{}, nil
	}}

	chain := NewChain([]ModelEntry{
		{Provider: free, Model: "free-model", Free: true},
		{Provider: paid, Model: "paid-model"},
	}, 1, backoff.TestModePolicy(), nil, nil)

	resp, err := chain.Generate(context.Background(), Request{Tools: []ToolSpec{{Name: "bash"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Blocks[0].Text != "paid answer" {
		t.Errorf("expected the paid model to answer first, got %+v", resp.Blocks)
	}
}

func TestChain_NoModelsConfigured(t *testing.T) {
	chain := NewChain(nil, 3, backoff.TestModePolicy(), nil, nil)
	_, err := chain.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatalf("expected an error for an empty chain")
	}
}

func TestApplyLoopDetector_DropsBlockedCallsOnly(t *testing.T) {
	history := []models.Turn{
		assistantToolTurn("bash", map[string]any{"cmd": "ls"}),
		assistantToolTurn("bash", map[string]any{"cmd": "pwd"}),
	}
	blocks := []models.AssistantBlock{
		models.NewAssistantText("thinking..."),
		models.NewAssistantToolCall(models.ToolCall{ID: "1", Name: "bash", Input: map[string]any{"cmd": "whoami"}}),
	}

	filtered, dropped := ApplyLoopDetector(history, blocks)
	if len(filtered) != 1 {
		t.Fatalf("expected the blocked tool call to be dropped, got %+v", filtered)
	}
	if filtered[0].Kind != models.AssistantText {
		t.Errorf("expected the text block to survive, got %+v", filtered[0])
	}
	if len(dropped) != 1 || dropped[0] != "bash" {
		t.Errorf("expected dropped=[bash], got %v", dropped)
	}
}

func TestApplyLoopDetector_NoToolCallsIsNoop(t *testing.T) {
	blocks := []models.AssistantBlock{models.NewAssistantText("just text")}
	filtered, dropped := ApplyLoopDetector(nil, blocks)
	if len(filtered) != 1 || dropped != nil {
		t.Errorf("expected an untouched pass-through, got filtered=%+v dropped=%v", filtered, dropped)
	}
}
