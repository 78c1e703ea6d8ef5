package main

import (
	"context"
	"fmt"

	"github.com/iiagent/coreserver/internal/agentruntime"
	"github.com/iiagent/coreserver/internal/backoff"
	"github.com/iiagent/coreserver/internal/config"
	"github.com/iiagent/coreserver/internal/connection"
	"github.com/iiagent/coreserver/internal/contextmgr"
	"github.com/iiagent/coreserver/internal/credits"
	"github.com/iiagent/coreserver/internal/eventrouter"
	"github.com/iiagent/coreserver/internal/history"
	"github.com/iiagent/coreserver/internal/llm"
	"github.com/iiagent/coreserver/internal/observability"
	"github.com/iiagent/coreserver/internal/tool"
)

// providerSet is every llm.Provider the process could construct, keyed by
// the InitParams flag that selects it. A nil entry means that provider's
// API key was not configured; selecting it falls back to Anthropic.
type providerSet struct {
	anthropic  llm.Provider
	chutes     llm.Provider
	openrouter llm.Provider
	moonshot   llm.Provider

	cfg config.ProvidersConfig
}

func buildProviderSet(cfg config.ProvidersConfig, log *observability.Logger) (*providerSet, error) {
	ps := &providerSet{cfg: cfg}

	if cfg.Anthropic.APIKey != "" {
		p, err := llm.NewAnthropicProvider(cfg.Anthropic.APIKey)
		if err != nil {
			return nil, fmt.Errorf("build anthropic provider: %w", err)
		}
		ps.anthropic = p
	}
	if cfg.Chutes.APIKey != "" {
		p, err := llm.NewChutesProvider(cfg.Chutes.APIKey)
		if err != nil {
			return nil, fmt.Errorf("build chutes provider: %w", err)
		}
		ps.chutes = p
	}
	if cfg.OpenRouter.APIKey != "" {
		p, err := llm.NewOpenRouterProvider(cfg.OpenRouter.APIKey)
		if err != nil {
			return nil, fmt.Errorf("build openrouter provider: %w", err)
		}
		ps.openrouter = p
	}
	if cfg.Moonshot.APIKey != "" {
		p, err := llm.NewMoonshotProvider(cfg.Moonshot.APIKey)
		if err != nil {
			return nil, fmt.Errorf("build moonshot provider: %w", err)
		}
		ps.moonshot = p
	}

	if ps.anthropic == nil && ps.chutes == nil && ps.openrouter == nil && ps.moonshot == nil {
		if log != nil {
			log.Warn(context.Background(), "no LLM provider API keys configured; every agent run will fail until one is set")
		}
	}

	return ps, nil
}

// entriesFor builds the model fallback ladder for one connection's
// InitParams: the use_chutes/use_openrouter/
// use_moonshot query flags pick the primary provider (Anthropic otherwise),
// model_id overrides that provider's configured primary model, and the
// remaining configured providers are appended as cross-provider fallbacks
// so a run still completes if the requested provider is unreachable.
func (ps *providerSet) entriesFor(params connection.InitParams) []llm.ModelEntry {
	type candidate struct {
		provider llm.Provider
		primary  string
		free     string
		fallback []string
		native   bool
	}

	ordered := []candidate{
		{ps.anthropic, ps.cfg.Anthropic.PrimaryModel, "", ps.cfg.Anthropic.Fallbacks, true},
		{ps.chutes, ps.cfg.Chutes.PrimaryModel, ps.cfg.Chutes.FreeModel, ps.cfg.Chutes.Fallbacks, ps.cfg.Chutes.NativeToolCap || params.UseNativeToolCalling},
		{ps.openrouter, ps.cfg.OpenRouter.PrimaryModel, ps.cfg.OpenRouter.FreeModel, ps.cfg.OpenRouter.Fallbacks, true},
		{ps.moonshot, ps.cfg.Moonshot.PrimaryModel, "", ps.cfg.Moonshot.Fallbacks, true},
	}

	// Move the requested provider to the front.
	pick := 0
	switch {
	case params.UseChutes:
		pick = 1
	case params.UseOpenRouter:
		pick = 2
	case params.UseMoonshot:
		pick = 3
	}
	ordered[0], ordered[pick] = ordered[pick], ordered[0]

	var entries []llm.ModelEntry
	for i, c := range ordered {
		if c.provider == nil {
			continue
		}
		model := c.primary
		if i == 0 && params.ModelID != "" {
			model = params.ModelID
		}
		if model == "" {
			continue
		}
		entries = append(entries, llm.ModelEntry{
			Provider:    c.provider,
			Model:       model,
			Free:        model == c.free && c.free != "",
			ToolCapable: c.native,
		})
		for _, fb := range c.fallback {
			entries = append(entries, llm.ModelEntry{Provider: c.provider, Model: fb, ToolCapable: c.native})
		}
	}
	return entries
}

// modelClassOf maps a model identifier to the Pro Credit Ledger's cost
// class. Anthropic's "opus" models cost 4 credits;
// everything else recognized costs 1; OpenRouter's Pro-listed free models
// cost 0.
func modelClassOf(cfg config.ProvidersConfig) func(model string) credits.ModelClass {
	freeForPro := map[string]bool{}
	if cfg.OpenRouter.FreeModel != "" {
		freeForPro[cfg.OpenRouter.FreeModel] = true
	}
	return func(model string) credits.ModelClass {
		if freeForPro[model] {
			return credits.ClassOpenRouterForPro
		}
		if containsFold(model, "opus") {
			return credits.ClassOpus
		}
		if containsFold(model, "sonnet") {
			return credits.ClassSonnet
		}
		return credits.ClassUnknownPremium
	}
}

func containsFold(s, substr string) bool {
	sl, subl := []rune(s), []rune(substr)
	for i, r := range sl {
		if 'A' <= r && r <= 'Z' {
			sl[i] = r + 'a' - 'A'
		}
	}
	for i, r := range subl {
		if 'A' <= r && r <= 'Z' {
			subl[i] = r + 'a' - 'A'
		}
	}
	s, substr = string(sl), string(subl)
	if len(substr) == 0 {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// runtimeFactory is the production connection.AgentFactory: one fresh
// history, context manager, and llm.Chain per connection, wired to the
// shared provider set, Pro ledger, and backoff policy.
type runtimeFactory struct {
	providers  *providerSet
	ledger     *credits.Ledger
	log        *observability.Logger
	metrics    *observability.Metrics
	policy     backoff.BackoffPolicy
	budgets    config.BudgetsConfig
	proCredits config.ProCreditsConfig
	maxRetries int
	classOf    func(model string) credits.ModelClass
}

func (f *runtimeFactory) Build(ctx context.Context, sessionID, workspaceDir string, params connection.InitParams, emitter *eventrouter.Router) (*connection.Agent, error) {
	if params.ProKey != "" && !credits.ValidateProKeyWithPrime(params.ProKey, f.proCredits.Prime) {
		if f.log != nil {
			f.log.Warn(ctx, "invalid pro key supplied, treating connection as free tier", "session_id", sessionID)
		}
		params.ProKey = ""
	}

	entries := f.providers.entriesFor(params)
	chain := llm.NewChain(entries, f.maxRetries, f.policy, f.log, f.metrics)

	hist := history.New()
	ctxMgr, err := contextmgr.New(contextmgr.Standard, f.budgets.TokenBudget, workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("build context manager: %w", err)
	}

	var tools []tool.Tool

	fallbackModel := f.proCredits.FallbackModel
	var model string
	if len(entries) > 0 {
		model = entries[0].Model
	}

	deps := agentruntime.Deps{
		Generator:     chain,
		History:       hist,
		ContextMgr:    ctxMgr,
		Tools:         tools,
		Emitter:       emitter,
		Log:           f.log,
		Metrics:       f.metrics,
		Ledger:        f.ledger,
		ProKey:        params.ProKey,
		ModelClassOf:  f.classOf,
		FallbackModel: fallbackModel,
		Model:         model,
		MaxTokens:     4096,
	}

	runtime := agentruntime.New(deps, agentruntime.Config{MaxTurns: f.budgets.MaxTurns, MaxRounds: f.budgets.MaxRounds})
	return &connection.Agent{Runtime: runtime, Tools: tools}, nil
}
