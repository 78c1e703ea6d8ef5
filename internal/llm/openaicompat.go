package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/iiagent/coreserver/internal/models"
)

// openAICompatTransport is the shared OpenAI-compatible chat-completions
// transport used by the two "OpenAI-compatible" provider variants (chutes,
// openrouter) and Moonshot-direct. Each concrete provider owns its
// own *openai.Client (pointed at a different base URL) and capability set,
// but shares this request/response translation.
type openAICompatTransport struct {
	name string
}

func newOpenAICompatTransport(name string) openAICompatTransport {
	return openAICompatTransport{name: name}
}

// generate issues one non-streaming chat completion against client and
// translates the result into the uniform Response shape.
func (t openAICompatTransport) generate(ctx context.Context, client *openai.Client, req Request, vision bool) (Response, error) {
	registered := make(map[string]struct{}, len(req.Tools))
	for _, spec := range req.Tools {
		registered[spec.Name] = struct{}{}
	}

	messages, err := t.encodeMessages(req, vision)
	if err != nil {
		return Response{}, NewProviderError(KindFatal, t.name, req.Model, err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if len(req.Tools) > 0 && req.ToolCallingMode == ToolCallingNative {
		chatReq.Tools = t.encodeTools(req.Tools)
		if req.ToolChoice != nil && req.ToolChoice.Mode == "none" {
			chatReq.ToolChoice = "none"
		}
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, classifyOpenAIError(t.name, req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, NewProviderError(KindMalformedResponse, t.name, req.Model, errors.New("empty response: no choices"))
	}

	blocks := t.decodeChoice(resp.Choices[0], req.ToolCallingMode, registered)

	return Response{
		Blocks: blocks,
		Metadata: ResponseMetadata{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			Model:        resp.Model,
			RawResponse:  resp,
		},
	}, nil
}

func (t openAICompatTransport) decodeChoice(choice openai.ChatCompletionChoice, mode ToolCallingMode, registered map[string]struct{}) []models.AssistantBlock {
	var blocks []models.AssistantBlock

	if mode == ToolCallingNative {
		for _, tc := range choice.Message.ToolCalls {
			input := decodeToolArguments(tc.Function.Arguments)
			blocks = append(blocks, models.NewAssistantToolCall(models.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			}))
		}
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			blocks = append(blocks, models.NewAssistantText(text))
		}
		return blocks
	}

	// JSON-emulated: parse at most one tool call out of the text content.
	text := choice.Message.Content
	call, remaining := parseEmulatedToolCall(text, registered)
	if call != nil {
		blocks = append(blocks, models.NewAssistantToolCall(*call))
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		blocks = append(blocks, models.NewAssistantText(remaining))
	}
	return blocks
}

// decodeToolArguments attempts to parse a native tool call's argument
// string as JSON first; on failure it is wrapped in {"arguments": raw} and
// the caller is expected to log the fallback.
func decodeToolArguments(raw string) any {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"arguments": raw}
}

func (t openAICompatTransport) encodeTools(specs []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.InputSchema,
			},
		})
	}
	return out
}

func (t openAICompatTransport) encodeMessages(req Request, vision bool) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage

	system := req.SystemPrompt
	if req.ToolCallingMode == ToolCallingJSONEmulated && len(req.Tools) > 0 {
		names := make([]string, 0, len(req.Tools))
		for _, s := range req.Tools {
			names = append(names, s.Name)
		}
		if system != "" {
			system += "\n\n"
		}
		system += jsonEmulationInstruction(names)
	}
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, turn := range req.Messages {
		if turn.IsAssistant {
			out = append(out, t.encodeAssistantTurn(turn, req.ToolCallingMode)...)
		} else {
			msgs, err := t.encodeUserTurn(turn, req.ToolCallingMode, vision)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		}
	}
	return out, nil
}

func (t openAICompatTransport) encodeAssistantTurn(turn models.Turn, mode ToolCallingMode) []openai.ChatCompletionMessage {
	var texts []string
	var toolCalls []openai.ToolCall

	for _, block := range turn.Assistant {
		switch block.Kind {
		case models.AssistantText:
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case models.AssistantToolCall:
			if mode == ToolCallingNative {
				args, _ := json.Marshal(block.Call.Input)
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   block.Call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.Call.Name,
						Arguments: string(args),
					},
				})
			} else {
				texts = append(texts, renderToolCallAsText(block.Call))
			}
		}
	}

	msg := openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   strings.Join(texts, "\n"),
		ToolCalls: toolCalls,
	}
	return []openai.ChatCompletionMessage{msg}
}

func (t openAICompatTransport) encodeUserTurn(turn models.Turn, mode ToolCallingMode, vision bool) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	var texts []string
	var parts []openai.ChatMessagePart
	var toolResults []openai.ChatCompletionMessage

	for _, block := range turn.User {
		switch block.Kind {
		case models.UserText:
			if block.Text != "" {
				texts = append(texts, block.Text)
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: block.Text})
			}
		case models.UserImage:
			if !vision {
				continue
			}
			dataURL := fmt.Sprintf("data:%s;base64,%s", block.MediaType, base64.StdEncoding.EncodeToString(block.ImageBytes))
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
			})
		case models.UserToolResult:
			if mode == ToolCallingNative {
				toolResults = append(toolResults, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.ToolOutput,
					ToolCallID: block.ToolCallID,
				})
			} else {
				rendered := renderToolResultAsText(block.ToolName, block.ToolOutput)
				texts = append(texts, rendered)
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: rendered})
			}
		}
	}

	if len(toolResults) > 0 {
		out = append(out, toolResults...)
	}
	if len(texts) > 0 {
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
		if hasImagePart(parts) {
			msg.MultiContent = parts
		} else {
			msg.Content = strings.Join(texts, "\n")
		}
		out = append(out, msg)
	}
	return out, nil
}

func hasImagePart(parts []openai.ChatMessagePart) bool {
	for _, p := range parts {
		if p.Type == openai.ChatMessagePartTypeImageURL {
			return true
		}
	}
	return false
}

// classifyOpenAIError centralizes error classification for OpenAI-compatible
// transports; call sites never string-sniff error bodies themselves.
func classifyOpenAIError(provider, model string, err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := classifyHTTPError(apiErr.HTTPStatusCode, apiErr.Message)
		return NewProviderError(kind, provider, model, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		kind := classifyHTTPError(reqErr.HTTPStatusCode, reqErr.Error())
		return NewProviderError(kind, provider, model, err)
	}
	return NewProviderError(classifyHTTPError(0, err.Error()), provider, model, err)
}
