// Package llm provides the vendor-neutral model layer: message and tool
// types, one adapter per vendor SDK, and the ordered fallback chain that
// routes completion requests across vendors.
package llm

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles. Tool results travel as RoleTool messages correlated to
// the originating tool use by ToolUseID.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of conversation in vendor-neutral form. Wire
// format conversion happens at the adapter boundary.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ToolUses  []ToolUse `json:"tool_uses,omitempty"`   // assistant messages only
	ToolUseID string    `json:"tool_use_id,omitempty"` // tool messages only
	ToolName  string    `json:"tool_name,omitempty"`   // tool messages only
	IsError   bool      `json:"is_error,omitempty"`    // tool messages only
}

// ToolUse is a model's request to invoke one tool.
type ToolUse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ArgumentsJSON marshals the arguments for vendors that carry them as a
// JSON string. A nil map marshals as an empty object.
func (t ToolUse) ArgumentsJSON() string {
	args := t.Arguments
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Hosted vendors restrict tool names to [A-Za-z0-9_-], which rejects
// the namespace dot in qualified names like "search.query". Adapters
// carry the dot as a double underscore on the wire and restore it on
// the way back. Registered names never contain consecutive
// underscores, so the mapping round-trips.
func wireToolName(name string) string { return strings.ReplaceAll(name, ".", "__") }

func localToolName(name string) string { return strings.ReplaceAll(name, "__", ".") }

// ToolDef describes one tool offered to the model. InputSchema is a
// JSON Schema object (type, properties, required).
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// StopReason is the normalized reason a completion ended.
type StopReason string

const (
	// StopEndTurn means the model finished a text response.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model is requesting tool executions.
	StopToolUse StopReason = "tool_use"

	// StopMaxTokens means the completion was truncated by the token cap.
	StopMaxTokens StopReason = "max_tokens"
)

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Completion is the normalized result of one model call. The invariant
// maintained by normalize: StopToolUse implies at least one ToolUse, and
// StopEndTurn implies none.
type Completion struct {
	Vendor     string     `json:"vendor"`
	Model      string     `json:"model"`
	Text       string     `json:"text"`
	ToolUses   []ToolUse  `json:"tool_uses,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// normalize reconciles the stop reason with the tool-use list. Vendors
// disagree on how they report tool requests (some omit a stop reason,
// some report end-of-turn alongside tool calls), so the presence of tool
// uses is authoritative.
func normalize(c *Completion) *Completion {
	if len(c.ToolUses) > 0 {
		c.StopReason = StopToolUse
		return c
	}
	if c.StopReason != StopMaxTokens {
		c.StopReason = StopEndTurn
	}
	return c
}
