package llm

import (
	"context"
	"errors"

	openai "github.com/sashabaranov/go-openai"
)

// moonshotBaseURL is Moonshot's OpenAI-compatible endpoint.
const moonshotBaseURL = "https://api.moonshot.cn/v1"

// MoonshotProvider is the Moonshot-direct provider: native tool calling,
// no vision.
type MoonshotProvider struct {
	client    *openai.Client
	transport openAICompatTransport
}

// NewMoonshotProvider builds a MoonshotProvider from an API key.
func NewMoonshotProvider(apiKey string) (*MoonshotProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: moonshot provider requires an API key")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = moonshotBaseURL
	return &MoonshotProvider{
		client:    openai.NewClientWithConfig(cfg),
		transport: newOpenAICompatTransport("moonshot"),
	}, nil
}

func (p *MoonshotProvider) Name() string { return "moonshot" }

func (p *MoonshotProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, ToolsNative: true}
}

func (p *MoonshotProvider) Generate(ctx context.Context, req Request) (Response, error) {
	req.ToolCallingMode = ToolCallingNative
	return p.transport.generate(ctx, p.client, req, false)
}
