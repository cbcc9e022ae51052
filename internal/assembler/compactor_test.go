package assembler

import (
	"context"
	"strings"
	"testing"

	"github.com/danvaneijck/attache/internal/llm"
	"github.com/danvaneijck/attache/internal/memory"
)

// summarizingClient is a scripted model adapter that returns a fixed
// summary for any request.
type summarizingClient struct {
	summary string
	calls   int
}

func (c *summarizingClient) Complete(_ context.Context, _ llm.Request) (*llm.Completion, error) {
	c.calls++
	return &llm.Completion{
		Vendor:     "ollama",
		Text:       c.summary,
		StopReason: llm.StopEndTurn,
	}, nil
}

func (c *summarizingClient) Vendor() string             { return "ollama" }
func (c *summarizingClient) Ping(context.Context) error { return nil }

func newTestChain(t *testing.T, client llm.Client) *llm.Chain {
	t.Helper()
	chain, err := llm.NewChain([]llm.ChainEntry{{Client: client, Model: "qwen3:4b"}}, nil)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	return chain
}

func TestCompact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureConversation(ctx, "c1", "u1", "web"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if _, err := store.AppendMessage(ctx, memory.Message{
			ConversationID: "c1", Role: memory.RoleUser, Content: strings.Repeat("m", i+1),
		}); err != nil {
			t.Fatal(err)
		}
	}

	cfg := testConfig()
	cfg.RetainRecent = 4

	client := &summarizingClient{summary: "they sent ten short messages"}
	c := NewCompactor(store, newTestChain(t, client), &fixedEmbedder{}, cfg, nil)

	if err := c.Compact(ctx, "c1"); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("model called %d times, want 1", client.calls)
	}

	sums, err := store.SummariesForUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	if sums[0].Content != "they sent ten short messages" {
		t.Errorf("summary content = %q", sums[0].Content)
	}
	if len(sums[0].Embedding) == 0 {
		t.Error("summary should carry an embedding")
	}

	n, err := store.UnsummarizedCount(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("unsummarized count = %d, want the retained window of 4", n)
	}
}

func TestCompact_NothingToDo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureConversation(ctx, "c1", "u1", "web"); err != nil {
		t.Fatal(err)
	}
	// Fewer messages than the retained window: nothing to fold.
	if _, err := store.AppendMessage(ctx, memory.Message{
		ConversationID: "c1", Role: memory.RoleUser, Content: "hi",
	}); err != nil {
		t.Fatal(err)
	}

	client := &summarizingClient{summary: "unused"}
	c := NewCompactor(store, newTestChain(t, client), nil, testConfig(), nil)

	if err := c.Compact(ctx, "c1"); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("model called %d times for an under-threshold conversation, want 0", client.calls)
	}
}

func TestNudgeDoesNotBlock(t *testing.T) {
	store := newTestStore(t)
	c := NewCompactor(store, newTestChain(t, &summarizingClient{}), nil, testConfig(), nil)

	// Never started; repeated nudges must not block the caller.
	for i := 0; i < 5; i++ {
		c.Nudge()
	}
}
