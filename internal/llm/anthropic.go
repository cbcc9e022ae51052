package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/danvaneijck/attache/internal/fault"
)

// AnthropicClient adapts the Anthropic Messages API to the Client
// interface.
type AnthropicClient struct {
	client *anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates an Anthropic adapter. The API key must be
// non-empty; unconfigured vendors are never constructed.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{
		client: &client,
		logger: logger.With("vendor", "anthropic"),
	}
}

// Vendor implements Client.
func (c *AnthropicClient) Vendor() string { return "anthropic" }

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.maxTokens()),
		Messages:  convertMessagesToAnthropic(req.Messages),
		Tools:     convertToolsToAnthropic(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	c.logger.Debug("sending completion request",
		"model", req.Model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, c.classify(err)
	}

	comp := &Completion{
		Vendor: "anthropic",
		Model:  string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if msg.StopReason == anthropic.StopReasonMaxTokens {
		comp.StopReason = StopMaxTokens
	}

	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			comp.Text += v.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if raw := v.JSON.Input.Raw(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					args = map[string]any{"_raw": raw}
				}
			}
			comp.ToolUses = append(comp.ToolUses, ToolUse{
				ID:        v.ID,
				Name:      localToolName(v.Name),
				Arguments: args,
			})
		}
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

// Ping verifies the API key with a one-token request. Anthropic has no
// dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return c.classify(err)
	}
	return nil
}

// classify maps SDK errors to the fault taxonomy.
func (c *AnthropicClient) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fault.New(classifyStatus(apiErr.StatusCode), "anthropic",
			fmt.Errorf("anthropic API error %d: %w", apiErr.StatusCode, err))
	}
	// No HTTP response at all: connection failure or timeout.
	return fault.New(fault.KindProviderUnavailable, "anthropic", err)
}

// convertMessagesToAnthropic converts neutral messages to the Messages
// API shape. System messages are handled by the caller; tool results
// become tool_result blocks on user messages.
func convertMessagesToAnthropic(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tu := range msg.ToolUses {
				args := tu.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tu.ID,
						Name:  wireToolName(tu.Name),
						Input: args,
					},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		case RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolUseID, msg.Content, msg.IsError)))
		}
	}
	return result
}

// convertToolsToAnthropic converts tool definitions to the Messages API
// tool shape.
func convertToolsToAnthropic(tools []ToolDef) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.InputSchema["properties"],
		}
		if req, ok := t.InputSchema["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        wireToolName(t.Name),
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return result
}
