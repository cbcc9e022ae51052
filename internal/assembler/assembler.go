// Package assembler builds the ordered prompt consumed by the model
// layer: persona instructions, relevant long-term memory, a bounded
// window of recent history, and attachment references. It also runs the
// background compactor that folds old history into summaries.
package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/danvaneijck/attache/internal/config"
	"github.com/danvaneijck/attache/internal/embeddings"
	"github.com/danvaneijck/attache/internal/llm"
	"github.com/danvaneijck/attache/internal/memory"
	"github.com/danvaneijck/attache/internal/persona"
)

// Attachment is one file reference accompanying an incoming turn.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Prompt is the assembled model input: system instructions plus the
// ordered message list ending with the incoming user turn.
type Prompt struct {
	System   string
	Messages []llm.Message
}

// Assembler reads conversation history and long-term memory to build
// prompts. Stateless per call; safe for concurrent use.
type Assembler struct {
	store    *memory.Store
	embedder embeddings.Generator // nil disables memory retrieval
	cfg      config.AssemblerConfig
	logger   *slog.Logger
}

// New creates an assembler. embedder may be nil, which disables
// semantic memory retrieval without disabling assembly.
func New(store *memory.Store, embedder embeddings.Generator, cfg config.AssemblerConfig, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "assembler"),
	}
}

// Build assembles the prompt for one incoming turn. The order is fixed:
// persona system instructions, top-k relevant memory snippets, the
// bounded recent window, then the incoming content with attachment
// references. Identical inputs over unchanged state produce an
// identical prompt.
func (a *Assembler) Build(ctx context.Context, userID string, p *persona.Persona, conversationID, incoming string, attachments []Attachment) (*Prompt, error) {
	system := p.SystemPrompt

	memories, err := a.relevantMemories(ctx, userID, incoming)
	if err != nil {
		// Memory retrieval failing must not fail the turn.
		a.logger.Warn("memory retrieval failed", "error", err)
	}
	if len(memories) > 0 {
		var b strings.Builder
		b.WriteString(system)
		b.WriteString("\n\n## Relevant memory\n")
		for _, m := range memories {
			b.WriteString("- ")
			b.WriteString(m)
			b.WriteString("\n")
		}
		system = b.String()
	}

	recent, err := a.store.RecentMessages(ctx, conversationID, a.cfg.WindowMessages)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	recent = trimWindowBytes(recent, a.cfg.WindowBytes)

	msgs := make([]llm.Message, 0, len(recent)+1)
	for _, m := range recent {
		converted, ok := toModelMessage(m)
		if !ok {
			continue
		}
		msgs = append(msgs, converted)
	}

	msgs = append(msgs, llm.Message{
		Role:    llm.RoleUser,
		Content: renderIncoming(incoming, attachments),
	})

	return &Prompt{System: system, Messages: msgs}, nil
}

// relevantMemories ranks the user's summaries against the incoming
// content and returns the top-k snippet texts.
func (a *Assembler) relevantMemories(ctx context.Context, userID, incoming string) ([]string, error) {
	if a.embedder == nil || a.cfg.MemoryTopK <= 0 {
		return nil, nil
	}

	summaries, err := a.store.SummariesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}

	query, err := a.embedder.Generate(ctx, incoming)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(summaries))
	for i, s := range summaries {
		vectors[i] = s.Embedding
	}

	var result []string
	for _, idx := range embeddings.TopK(query, vectors, a.cfg.MemoryTopK) {
		result = append(result, summaries[idx].Content)
	}
	return result, nil
}

// trimWindowBytes drops the oldest messages until the window fits the
// byte budget. Always keeps at least the newest message.
func trimWindowBytes(msgs []memory.Message, budget int) []memory.Message {
	if budget <= 0 {
		return msgs
	}
	total := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		total += len(msgs[i].Content)
		if total > budget && i < len(msgs)-1 {
			return msgs[i+1:]
		}
	}
	return msgs
}

// toModelMessage converts a stored message to the model-layer shape.
// System rows are persona-era artifacts and are skipped.
func toModelMessage(m memory.Message) (llm.Message, bool) {
	switch m.Role {
	case memory.RoleUser:
		return llm.Message{Role: llm.RoleUser, Content: m.Content}, true
	case memory.RoleAssistant:
		return llm.Message{Role: llm.RoleAssistant, Content: m.Content}, true
	case memory.RoleToolCall:
		var args map[string]any
		if err := json.Unmarshal([]byte(m.Content), &args); err != nil {
			args = map[string]any{}
		}
		return llm.Message{
			Role: llm.RoleAssistant,
			ToolUses: []llm.ToolUse{{
				ID:        m.ToolUseID,
				Name:      m.ToolName,
				Arguments: args,
			}},
		}, true
	case memory.RoleToolResult:
		return llm.Message{
			Role:      llm.RoleTool,
			Content:   m.Content,
			ToolUseID: m.ToolUseID,
			ToolName:  m.ToolName,
			IsError:   m.IsError,
		}, true
	default:
		return llm.Message{}, false
	}
}

// renderIncoming appends attachment references to the user content as
// structured lines the model can act on.
func renderIncoming(content string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nAttachments:\n")
	for _, att := range attachments {
		fmt.Fprintf(&b, "- %s (%s)\n", att.Name, att.URL)
	}
	return b.String()
}
