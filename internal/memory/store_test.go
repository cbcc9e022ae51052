package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureConversation(ctx, "c1", "u1", "web"); err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	contents := []string{"first", "second", "third"}
	for _, c := range contents {
		if _, err := s.AppendMessage(ctx, Message{
			ConversationID: "c1",
			Role:           RoleUser,
			Content:        c,
		}); err != nil {
			t.Fatalf("AppendMessage(%q): %v", c, err)
		}
	}

	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range contents {
		if msgs[i].Content != want {
			t.Errorf("message %d = %q, want %q (chronological order)", i, msgs[i].Content, want)
		}
	}
}

func TestRecentMessages_WindowLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := s.AppendMessage(ctx, Message{
			ConversationID: "c1", Role: RoleUser, Content: string(rune('a' + i)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.RecentMessages(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "h" || msgs[2].Content != "j" {
		t.Errorf("window = %q..%q, want the newest 3 in order", msgs[0].Content, msgs[2].Content)
	}
}

func TestToolCallResultPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, Message{
		ConversationID: "c1", Role: RoleToolCall,
		Content: `{"q":"weather"}`, ToolUseID: "toolu_1", ToolName: "search.query",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendMessage(ctx, Message{
		ConversationID: "c1", Role: RoleToolResult,
		Content: "18C", ToolUseID: "toolu_1", ToolName: "search.query", IsError: false,
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleToolCall || msgs[1].Role != RoleToolResult {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].ToolUseID != msgs[1].ToolUseID {
		t.Error("tool_call and tool_result must share a correlation id")
	}
}

func TestCompactionFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureConversation(ctx, "c1", "u1", "web"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if _, err := s.AppendMessage(ctx, Message{
			ConversationID: "c1", Role: RoleUser, Content: string(rune('a' + i)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	batch, err := s.CompactionBatch(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("CompactionBatch: %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("batch has %d messages, want 5 (8 minus 3 retained)", len(batch))
	}
	if batch[0].Content != "a" || batch[4].Content != "e" {
		t.Errorf("batch = %q..%q, want the oldest 5", batch[0].Content, batch[4].Content)
	}

	last := batch[len(batch)-1]
	if err := s.MarkSummarized(ctx, "c1", last.ID); err != nil {
		t.Fatalf("MarkSummarized: %v", err)
	}

	n, err := s.UnsummarizedCount(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("unsummarized count = %d, want 3", n)
	}

	msgs, err := s.RecentMessages(ctx, "c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d recent messages after compaction, want 3", len(msgs))
	}
	if msgs[0].Content != "f" {
		t.Errorf("oldest retained = %q, want f", msgs[0].Content)
	}
}

func TestSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddSummary(ctx, Summary{
		ConversationID: "c1",
		UserID:         "u1",
		Content:        "talked about the weather",
		Embedding:      []float32{0.1, -0.5, 0.9},
		CoversUntil:    "msg-5",
	})
	if err != nil {
		t.Fatalf("AddSummary: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated summary ID")
	}

	sums, err := s.SummariesForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("SummariesForUser: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	got := sums[0]
	if got.Content != "talked about the weather" {
		t.Errorf("Content = %q", got.Content)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -0.5 {
		t.Errorf("Embedding = %v, want round-tripped vector", got.Embedding)
	}

	other, err := s.SummariesForUser(ctx, "u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("u2 has %d summaries, want 0", len(other))
	}
}

func TestEncodeEmbedding_Nil(t *testing.T) {
	if encodeEmbedding(nil) != nil {
		t.Error("nil vector should encode as nil")
	}
	if decodeEmbedding(nil) != nil {
		t.Error("nil blob should decode as nil")
	}
}
