package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/iiagent/coreserver/internal/models"
)

// AnthropicProvider is the Anthropic-direct provider: native tool calling
// and vision via the non-beta Messages API.
type AnthropicProvider struct {
	client sdk.Client
}

// NewAnthropicProvider builds an AnthropicProvider from an API key.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: anthropic provider requires an API key")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: client}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{Chat: true, ToolsNative: true, Vision: true}
}

func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Response, error) {
	messages, err := encodeAnthropicMessages(req.Messages)
	if err != nil {
		return Response{}, NewProviderError(KindFatal, p.Name(), req.Model, fmt.Errorf("encode messages: %w", err))
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeAnthropicTools(req.Tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyAnthropicError(p.Name(), req.Model, err)
	}
	if msg == nil || len(msg.Content) == 0 {
		return Response{}, NewProviderError(KindMalformedResponse, p.Name(), req.Model, errors.New("empty response content"))
	}

	return Response{
		Blocks: decodeAnthropicContent(msg.Content),
		Metadata: ResponseMetadata{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			Model:        string(msg.Model),
			RawResponse:  msg,
		},
	}, nil
}

func encodeAnthropicTools(specs []ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		schema := sdk.ToolInputSchemaParam{ExtraFields: s.InputSchema}
		tool := sdk.ToolUnionParamOfTool(schema, s.Name)
		if tool.OfTool != nil {
			tool.OfTool.Description = sdk.String(s.Description)
		}
		out = append(out, tool)
	}
	return out
}

func encodeAnthropicMessages(turns []models.Turn) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(turns))
	for _, turn := range turns {
		var blocks []sdk.ContentBlockParamUnion
		if turn.IsAssistant {
			for _, b := range turn.Assistant {
				switch b.Kind {
				case models.AssistantText:
					if b.Text != "" {
						blocks = append(blocks, sdk.NewTextBlock(b.Text))
					}
				case models.AssistantToolCall:
					blocks = append(blocks, sdk.NewToolUseBlock(b.Call.ID, b.Call.Input, b.Call.Name))
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
			continue
		}

		for _, b := range turn.User {
			switch b.Kind {
			case models.UserText:
				if b.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(b.Text))
				}
			case models.UserImage:
				mediaType, ok := anthropicMediaType(b.MediaType)
				if ok {
					blocks = append(blocks, sdk.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(b.ImageBytes)))
				}
			case models.UserToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolCallID, b.ToolOutput, false))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, sdk.NewUserMessage(blocks...))
	}
	if len(out) == 0 {
		return nil, errors.New("at least one user/assistant message is required")
	}
	return out, nil
}

func anthropicMediaType(mediaType string) (string, bool) {
	switch mediaType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return mediaType, true
	default:
		return "", false
	}
}

func decodeAnthropicContent(content []sdk.ContentBlockUnion) []models.AssistantBlock {
	var blocks []models.AssistantBlock
	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				blocks = append(blocks, models.NewAssistantText(block.Text))
			}
		case "tool_use":
			blocks = append(blocks, models.NewAssistantToolCall(models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			}))
		}
	}
	return blocks
}

// anthropicErrorPayload decodes the JSON body the SDK attaches to a
// *sdk.Error.
type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyAnthropicError centralizes error classification for the
// Anthropic transport.
func classifyAnthropicError(provider, model string, err error) *ProviderError {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Error()
		var payload anthropicErrorPayload
		if raw := apiErr.RawJSON(); raw != "" {
			if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr == nil && payload.Error.Message != "" {
				message = payload.Error.Message
			}
		}
		return NewProviderError(classifyHTTPError(apiErr.StatusCode, message), provider, model, err)
	}
	return NewProviderError(classifyHTTPError(0, err.Error()), provider, model, err)
}
