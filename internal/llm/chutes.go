package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// chutesBaseURL is the default OpenAI-compatible endpoint for the "chutes"
// routed provider, primary path for DeepSeek/Qwen/Llama variants.
const chutesBaseURL = "https://llm.chutes.ai/v1"

// ChutesProvider is OpenAI-compatible provider A: it supports both native
// and JSON-emulated tool calling, selectable per request via
// Request.ToolCallingMode, and vision on a subset of models.
type ChutesProvider struct {
	client    *openai.Client
	transport openAICompatTransport
	vision    bool
}

// NewChutesProvider builds a ChutesProvider from the CHUTES_API_KEY value;
// an empty key is an error.
func NewChutesProvider(apiKey string) (*ChutesProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: chutes provider requires CHUTES_API_KEY")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = chutesBaseURL
	return &ChutesProvider{
		client:    openai.NewClientWithConfig(cfg),
		transport: newOpenAICompatTransport("chutes"),
		vision:    true,
	}, nil
}

func (p *ChutesProvider) Name() string { return "chutes" }

func (p *ChutesProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, ToolsNative: true, ToolsJSONEmulated: true, Vision: p.vision}
}

func (p *ChutesProvider) Generate(ctx context.Context, req Request) (Response, error) {
	return p.transport.generate(ctx, p.client, req, p.vision)
}
