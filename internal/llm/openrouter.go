package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider is OpenAI-compatible provider B: native tool calling
// only. Free models (a ":free" model-id suffix) may reject tool calls
// outright, surfaced as KindToolsUnsupported by the transport.
type OpenRouterProvider struct {
	client    *openai.Client
	transport openAICompatTransport
}

// NewOpenRouterProvider builds an OpenRouterProvider from
// OPENROUTER_API_KEY.
func NewOpenRouterProvider(apiKey string) (*OpenRouterProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: openrouter provider requires OPENROUTER_API_KEY")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = openRouterBaseURL
	return &OpenRouterProvider{
		client:    openai.NewClientWithConfig(cfg),
		transport: newOpenAICompatTransport("openrouter"),
	}, nil
}

func (p *OpenRouterProvider) Name() string { return "openrouter" }

func (p *OpenRouterProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, ToolsNative: true}
}

func (p *OpenRouterProvider) Generate(ctx context.Context, req Request) (Response, error) {
	req.ToolCallingMode = ToolCallingNative
	resp, err := p.transport.generate(ctx, p.client, req, false)
	if err != nil {
		if IsFreeModel(req.Model) && len(req.Tools) > 0 {
			if pe, ok := AsProviderError(err); ok && pe.Kind == KindFatal {
				pe.Kind = KindToolsUnsupported
				return resp, pe
			}
		}
		return resp, err
	}
	return resp, nil
}

// IsFreeModel reports whether modelID carries OpenRouter's ":free" suffix
// convention.
func IsFreeModel(modelID string) bool {
	return strings.HasSuffix(modelID, ":free")
}
