package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"github.com/danvaneijck/attache/internal/fault"
	"github.com/danvaneijck/attache/internal/httpkit"
)

// OllamaClient adapts a local Ollama server to the Client interface.
type OllamaClient struct {
	client *api.Client
	logger *slog.Logger
}

// NewOllamaClient creates an Ollama adapter. An empty baseURL uses the
// standard local endpoint.
func NewOllamaClient(baseURL string, logger *slog.Logger) (*OllamaClient, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama URL: %w", err)
	}
	// Local models with tools can take minutes before first byte; rely
	// on ctx deadlines instead of a client timeout.
	httpClient := httpkit.NewClient(httpkit.WithTimeout(0))
	return &OllamaClient{
		client: api.NewClient(u, httpClient),
		logger: logger.With("vendor", "ollama"),
	}, nil
}

// Vendor implements Client.
func (c *OllamaClient) Vendor() string { return "ollama" }

// Complete implements Client.
func (c *OllamaClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	tools, err := convertToolsToOllama(req.Tools)
	if err != nil {
		return nil, fault.New(fault.KindProviderRejected, "ollama", err)
	}

	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: convertMessagesToOllama(req.System, req.Messages),
		Stream:   new(bool), // *false: single response
		Tools:    tools,
	}

	c.logger.Debug("sending completion request",
		"model", req.Model,
		"messages", len(chatReq.Messages),
		"tools", len(chatReq.Tools),
	)

	var last api.ChatResponse
	err = c.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		last = resp
		return nil
	})
	if err != nil {
		return nil, c.classify(err)
	}

	comp := &Completion{
		Vendor: "ollama",
		Model:  last.Model,
		Text:   last.Message.Content,
		Usage: Usage{
			InputTokens:  last.Metrics.PromptEvalCount,
			OutputTokens: last.Metrics.EvalCount,
		},
	}
	if last.DoneReason == "length" {
		comp.StopReason = StopMaxTokens
	}

	for _, tc := range last.Message.ToolCalls {
		// Ollama does not assign tool-call IDs; synthesize one so the
		// result correlation works the same as the hosted vendors.
		comp.ToolUses = append(comp.ToolUses, ToolUse{
			ID:        "toolu_" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments.ToMap(),
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

// Ping checks the Ollama server version endpoint.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if _, err := c.client.Version(ctx); err != nil {
		return c.classify(err)
	}
	return nil
}

// classify maps API errors to the fault taxonomy.
func (c *OllamaClient) classify(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return fault.New(classifyStatus(statusErr.StatusCode), "ollama",
			fmt.Errorf("ollama API error %d: %w", statusErr.StatusCode, err))
	}
	return fault.New(fault.KindProviderUnavailable, "ollama", err)
}

// convertMessagesToOllama converts neutral messages to the Ollama chat
// shape. The system prompt becomes the leading message.
func convertMessagesToOllama(system string, messages []Message) []api.Message {
	var result []api.Message
	if system != "" {
		result = append(result, api.Message{Role: RoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			result = append(result, api.Message{Role: RoleUser, Content: msg.Content})

		case RoleAssistant:
			m := api.Message{Role: RoleAssistant, Content: msg.Content}
			for _, tu := range msg.ToolUses {
				args := api.NewToolCallFunctionArguments()
				for k, v := range tu.Arguments {
					args.Set(k, v)
				}
				m.ToolCalls = append(m.ToolCalls, api.ToolCall{
					Function: api.ToolCallFunction{
						Name:      tu.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, m)

		case RoleTool:
			result = append(result, api.Message{
				Role:     RoleTool,
				Content:  msg.Content,
				ToolName: msg.ToolName,
			})
		}
	}
	return result
}

// convertToolsToOllama converts tool definitions to the api.Tool shape
// via a JSON round trip, which spares us mirroring the SDK's nested
// schema structs field by field.
func convertToolsToOllama(tools []ToolDef) (api.Tools, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	type fn struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}
	type wireTool struct {
		Type     string `json:"type"`
		Function fn     `json:"function"`
	}

	wire := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, wireTool{
			Type: "function",
			Function: fn{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal tools: %w", err)
	}
	var result api.Tools
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("convert tools: %w", err)
	}
	return result, nil
}
