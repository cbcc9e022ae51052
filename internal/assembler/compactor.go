package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danvaneijck/attache/internal/config"
	"github.com/danvaneijck/attache/internal/embeddings"
	"github.com/danvaneijck/attache/internal/llm"
	"github.com/danvaneijck/attache/internal/memory"
)

// maxCompactionTranscriptBytes caps the transcript sent to the model
// for summarization.
const maxCompactionTranscriptBytes = 16000

// compactionInterval is how often the compactor scans for conversations
// over the threshold.
const compactionInterval = time.Minute

// summaryPrompt asks the model for a dense recap of older history.
const summaryPrompt = `Summarize the following conversation excerpt in a compact paragraph.
Preserve concrete facts, decisions, names, and unresolved questions. Omit pleasantries.

%s`

// Compactor is the background worker that folds old conversation
// history into immutable summaries once a conversation crosses the
// configured threshold. It never blocks an in-flight turn: the loop
// only nudges it, and the scan runs on its own goroutine.
type Compactor struct {
	store    *memory.Store
	chain    *llm.Chain
	embedder embeddings.Generator
	cfg      config.AssemblerConfig
	logger   *slog.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCompactor creates the compaction worker. Call Start to begin.
func NewCompactor(store *memory.Store, chain *llm.Chain, embedder embeddings.Generator, cfg config.AssemblerConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:    store,
		chain:    chain,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger.With("component", "compactor"),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins the background worker: an immediate catch-up scan, then
// periodic scans, plus on-demand scans when nudged.
func (c *Compactor) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (c *Compactor) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// Nudge asks for a prompt scan without blocking the caller. Safe to
// call from the agent loop after every turn.
func (c *Compactor) Nudge() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Compactor) run(ctx context.Context) {
	defer close(c.done)

	c.scan(ctx)

	ticker := time.NewTicker(compactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("compactor stopped")
			return
		case <-ticker.C:
			c.scan(ctx)
		case <-c.kick:
			c.scan(ctx)
		}
	}
}

func (c *Compactor) scan(ctx context.Context) {
	ids, err := c.store.ConversationsNeedingCompaction(ctx, c.cfg.SummarizeThreshold)
	if err != nil {
		c.logger.Error("compaction scan failed", "error", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := c.Compact(ctx, id); err != nil {
			c.logger.Warn("compaction failed", "conversation", id, "error", err)
		}
	}
}

// Compact folds one conversation's over-threshold history into a new
// immutable summary and marks the folded rows. The retained window
// stays raw.
func (c *Compactor) Compact(ctx context.Context, conversationID string) error {
	batch, err := c.store.CompactionBatch(ctx, conversationID, c.cfg.RetainRecent)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	transcript := buildTranscript(batch)

	comp, _, err := c.chain.Complete(ctx, llm.Request{
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(summaryPrompt, transcript),
		}},
		MaxTokens: 1024,
	})
	if err != nil {
		return fmt.Errorf("summarize conversation: %w", err)
	}
	content := strings.TrimSpace(comp.Text)
	if content == "" {
		return fmt.Errorf("summarization produced empty text")
	}

	var vector []float32
	if c.embedder != nil {
		vector, err = c.embedder.Generate(ctx, content)
		if err != nil {
			// An unembedded summary still compacts the history; it just
			// won't rank in retrieval.
			c.logger.Warn("summary embedding failed", "conversation", conversationID, "error", err)
			vector = nil
		}
	}

	userID, err := c.store.ConversationUser(ctx, conversationID)
	if err != nil {
		return err
	}

	last := batch[len(batch)-1]
	if _, err := c.store.AddSummary(ctx, memory.Summary{
		ConversationID: conversationID,
		UserID:         userID,
		Content:        content,
		Embedding:      vector,
		CoversUntil:    last.ID,
	}); err != nil {
		return err
	}
	if err := c.store.MarkSummarized(ctx, conversationID, last.ID); err != nil {
		return err
	}

	c.logger.Info("conversation compacted",
		"conversation", conversationID,
		"messages", len(batch),
		"summary_len", len(content),
	)
	return nil
}

// buildTranscript renders messages for the summarization prompt,
// truncated at maxCompactionTranscriptBytes.
func buildTranscript(messages []memory.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case memory.RoleToolCall:
			fmt.Fprintf(&b, "[tool call] %s %s\n", m.ToolName, m.Content)
		case memory.RoleToolResult:
			fmt.Fprintf(&b, "[tool result] %s: %s\n", m.ToolName, m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		if b.Len() > maxCompactionTranscriptBytes {
			b.WriteString("\n... (truncated)\n")
			break
		}
	}
	return b.String()
}
