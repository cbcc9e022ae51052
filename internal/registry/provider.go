package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danvaneijck/attache/internal/config"
	"github.com/danvaneijck/attache/internal/fault"
	"github.com/danvaneijck/attache/internal/httpkit"
)

// ActingUser identifies the human a tool execution is performed for.
// Providers receive it alongside, never inside, the tool arguments.
type ActingUser struct {
	ID              string `json:"id"`
	PermissionLevel int    `json:"permission_level"`
}

// RoutingContext tells a provider where the invoking conversation
// lives, so tools that complete asynchronously can notify back into the
// originating channel. Injected only for providers configured with
// routing_context, always as a sibling of the arguments.
type RoutingContext struct {
	ConversationID string `json:"conversation_id"`
	Channel        string `json:"channel,omitempty"`
}

// provider is the HTTP client for one tool provider endpoint.
type provider struct {
	name           string
	url            string
	headers        map[string]string
	routingContext bool
	httpClient     *http.Client
	logger         *slog.Logger
}

func newProvider(cfg config.ProviderConfig, timeout time.Duration, logger *slog.Logger) *provider {
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(timeout),
		httpkit.WithLogger(logger),
		httpkit.WithRetry(2, 500*time.Millisecond),
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return &provider{
		name:           cfg.Name,
		url:            strings.TrimSuffix(cfg.URL, "/"),
		headers:        cfg.Headers,
		routingContext: cfg.RoutingContext,
		httpClient:     httpkit.NewClient(opts...),
		logger:         logger.With("provider", cfg.Name),
	}
}

// fetchManifest retrieves and decodes the provider's tool list.
func (p *provider) fetchManifest(ctx context.Context) ([]ToolDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/manifest", nil)
	if err != nil {
		return nil, fmt.Errorf("create manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest from %s: %w", p.url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("provider %s returned %d for manifest: %s", p.name, resp.StatusCode, errBody)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read manifest body: %w", err)
	}

	var tools []ToolDescriptor
	if err := json.Unmarshal(body, &tools); err != nil {
		return nil, fmt.Errorf("decode manifest from %s: %w", p.name, err)
	}
	return tools, nil
}

type executeRequest struct {
	ToolName       string          `json:"tool_name"`
	Arguments      map[string]any  `json:"arguments"`
	ActingUser     ActingUser      `json:"acting_user"`
	RoutingContext *RoutingContext `json:"routing_context,omitempty"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// execute forwards one tool invocation. The returned payload is the
// provider's result verbatim: unquoted when it is a JSON string,
// otherwise the raw JSON text.
func (p *provider) execute(ctx context.Context, tool string, args map[string]any, user ActingUser, rc *RoutingContext) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	wireReq := executeRequest{
		ToolName:   tool,
		Arguments:  args,
		ActingUser: user,
	}
	if p.routingContext {
		wireReq.RoutingContext = rc
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return "", fault.New(fault.KindToolExecutionFailed, p.name, fmt.Errorf("marshal execute request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", fault.New(fault.KindToolExecutionFailed, p.name, fmt.Errorf("create execute request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	p.logger.Debug("executing tool", "tool", tool, "routing_context", wireReq.RoutingContext != nil)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fault.New(fault.KindProviderUnavailable, p.name, fmt.Errorf("execute %s: %w", tool, err))
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return "", fault.New(fault.KindProviderUnavailable, p.name,
			fmt.Errorf("provider returned %d for execute: %s", resp.StatusCode, errBody))
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fault.New(fault.KindProviderUnavailable, p.name, fmt.Errorf("read execute response: %w", err))
	}

	var wireResp executeResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return "", fault.New(fault.KindToolExecutionFailed, p.name, fmt.Errorf("decode execute response: %w", err))
	}

	if !wireResp.Success {
		msg := wireResp.Error
		if msg == "" {
			msg = "tool reported failure without a reason"
		}
		return "", fault.Newf(fault.KindToolExecutionFailed, p.name, "%s: %s", tool, msg)
	}

	return decodeResult(wireResp.Result), nil
}

// decodeResult renders a result payload as a string without disturbing
// its content.
func decodeResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
