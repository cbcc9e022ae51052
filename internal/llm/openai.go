package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/danvaneijck/attache/internal/fault"
)

// OpenAIClient adapts the Chat Completions API to the Client interface.
// A custom base URL points it at any OpenAI-compatible gateway.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI adapter. baseURL may be empty for
// the default endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{
		client: &client,
		logger: logger.With("vendor", "openai"),
	}
}

// Vendor implements Client.
func (c *OpenAIClient) Vendor() string { return "openai" }

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(req.Model),
		Messages:            convertMessagesToOpenAI(req.System, req.Messages),
		MaxCompletionTokens: openai.Int(int64(req.maxTokens())),
		Tools:               convertToolsToOpenAI(req.Tools),
	}

	c.logger.Debug("sending completion request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, c.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.Newf(fault.KindProviderRejected, "openai", "response has no choices")
	}

	choice := resp.Choices[0]
	comp := &Completion{
		Vendor: "openai",
		Model:  resp.Model,
		Text:   choice.Message.Content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if choice.FinishReason == "length" {
		comp.StopReason = StopMaxTokens
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		comp.ToolUses = append(comp.ToolUses, ToolUse{
			ID:        tc.ID,
			Name:      localToolName(tc.Function.Name),
			Arguments: args,
		})
	}

	c.logger.Debug("completion received",
		"model", comp.Model,
		"input_tokens", comp.Usage.InputTokens,
		"output_tokens", comp.Usage.OutputTokens,
		"tool_uses", len(comp.ToolUses),
	)
	c.logger.Log(ctx, LevelTrace, "completion text", "text", comp.Text)

	return normalize(comp), nil
}

// Ping lists models to verify the endpoint and credentials.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return c.classify(err)
	}
	return nil
}

// classify maps SDK errors to the fault taxonomy.
func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fault.New(classifyStatus(apiErr.StatusCode), "openai",
			fmt.Errorf("openai API error %d: %w", apiErr.StatusCode, err))
	}
	return fault.New(fault.KindProviderUnavailable, "openai", err)
}

// convertMessagesToOpenAI converts neutral messages to the Chat
// Completions shape. The system prompt becomes the leading message.
func convertMessagesToOpenAI(system string, messages []Message) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	if system != "" {
		result = append(result, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			result = append(result, openai.UserMessage(msg.Content))

		case RoleAssistant:
			if len(msg.ToolUses) == 0 {
				result = append(result, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tu := range msg.ToolUses {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tu.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      wireToolName(tu.Name),
							Arguments: tu.ArgumentsJSON(),
						},
					},
				})
			}
			result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case RoleTool:
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolUseID))
		}
	}
	return result
}

// convertToolsToOpenAI converts tool definitions to function tools.
func convertToolsToOpenAI(tools []ToolDef) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        wireToolName(t.Name),
			Description: openai.String(t.Description),
			Parameters:  shared.FunctionParameters(t.InputSchema),
		}))
	}
	return result
}
