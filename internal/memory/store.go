// Package memory provides the SQLite-backed conversation store and the
// long-term summary store. Messages are append-only; summaries are
// immutable once written.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Message roles. Tool activity is recorded as paired tool_call and
// tool_result rows sharing a correlation ID.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleSystem     = "system"
	RoleToolCall   = "tool_call"
	RoleToolResult = "tool_result"
)

// Message is one row of conversation history. IDs are UUIDv7, so
// lexical ID order matches creation order.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	ToolUseID      string // correlation id for tool_call/tool_result pairs
	ToolName       string
	IsError        bool
	TokenCount     int
	Model          string
	CreatedAt      time.Time
}

// Store is the SQLite conversation store. Safe for concurrent use;
// SQLite serializes writes and WAL keeps readers unblocked.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the conversation database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		channel    TEXT,
		summarized INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		tool_use_id     TEXT,
		tool_name       TEXT,
		is_error        INTEGER NOT NULL DEFAULT 0,
		token_count     INTEGER,
		model           TEXT,
		summarized      INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS summaries (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		content         TEXT NOT NULL,
		embedding       BLOB,
		covers_until    TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_user ON summaries(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// EnsureConversation creates the conversation row if it does not exist.
func (s *Store) EnsureConversation(ctx context.Context, id, userID, channel string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, channel, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, userID, channel, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// AppendMessage persists one message and returns its ID. If msg.ID is
// empty a UUIDv7 is generated.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate message ID: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
			(id, conversation_id, role, content, tool_use_id, tool_name, is_error, token_count, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.ToolUseID,
		msg.ToolName,
		boolToInt(msg.IsError),
		msg.TokenCount,
		msg.Model,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return msg.ID, nil
}

// RecentMessages returns up to limit unsummarized messages for a
// conversation in chronological order. Rows folded into a summary by
// the compactor never reappear here.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_use_id, tool_name, is_error, token_count, model, created_at
		 FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND summarized = 0
			ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UnsummarizedCount returns how many raw messages a conversation has
// accumulated since its last compaction.
func (s *Store) UnsummarizedCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND summarized = 0`,
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsummarized messages: %w", err)
	}
	return n, nil
}

// CompactionBatch returns the unsummarized messages older than the
// retained window, in chronological order. These are the rows the
// compactor folds into a summary.
func (s *Store) CompactionBatch(ctx context.Context, conversationID string, retainRecent int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_use_id, tool_name, is_error, token_count, model, created_at
		 FROM messages
		 WHERE conversation_id = ? AND summarized = 0
		   AND id NOT IN (
			SELECT id FROM messages
			WHERE conversation_id = ? AND summarized = 0
			ORDER BY id DESC LIMIT ?
		   )
		 ORDER BY id ASC`,
		conversationID, conversationID, retainRecent,
	)
	if err != nil {
		return nil, fmt.Errorf("query compaction batch: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ConversationsNeedingCompaction returns conversation IDs whose
// unsummarized message count has reached the threshold.
func (s *Store) ConversationsNeedingCompaction(ctx context.Context, threshold int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM messages
		 WHERE summarized = 0
		 GROUP BY conversation_id
		 HAVING COUNT(*) >= ?`,
		threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations needing compaction: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConversationUser returns the owning user of a conversation.
func (s *Store) ConversationUser(ctx context.Context, conversationID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM conversations WHERE id = ?`, conversationID,
	).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("query conversation owner: %w", err)
	}
	return userID, nil
}

// MarkSummarized flags every message up to and including lastID as
// folded into a summary, and flags the conversation as summarized. Runs
// in one transaction so readers see the compaction atomically.
func (s *Store) MarkSummarized(ctx context.Context, conversationID, lastID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET summarized = 1 WHERE conversation_id = ? AND id <= ?`,
		conversationID, lastID,
	); err != nil {
		return fmt.Errorf("mark messages summarized: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET summarized = 1 WHERE id = ?`,
		conversationID,
	); err != nil {
		return fmt.Errorf("mark conversation summarized: %w", err)
	}
	return tx.Commit()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var result []Message
	for rows.Next() {
		var m Message
		var toolUseID, toolName, model sql.NullString
		var tokenCount sql.NullInt64
		var isError int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&toolUseID, &toolName, &isError, &tokenCount, &model, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ToolUseID = toolUseID.String
		m.ToolName = toolName.String
		m.Model = model.String
		m.TokenCount = int(tokenCount.Int64)
		m.IsError = isError != 0
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, m)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
