// Package budget tracks per-user token allowances and keeps the
// append-only usage ledger. Budget decrements are atomic relative to
// concurrent turns from the same user.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/danvaneijck/attache/internal/fault"
)

// User is the loop's view of a caller: an ordered permission tier and
// a remaining token allowance.
type User struct {
	ID              string `json:"id"`
	PermissionLevel int    `json:"permission_level"`
	BudgetRemaining int64  `json:"budget_remaining"`
}

// Record is one model call's worth of token usage, appended per
// completion attempt that returned usage counts.
type Record struct {
	ID             string
	Timestamp      time.Time
	TurnID         string
	ConversationID string
	UserID         string
	Vendor         string
	Model          string
	InputTokens    int
	OutputTokens   int
}

// Summary holds aggregated usage totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// ErrUnknownUser marks lookups for users that were never provisioned.
var ErrUnknownUser = errors.New("unknown user")

// Store is the SQLite budget and usage store.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the budget database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open budget database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate budget schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id               TEXT PRIMARY KEY,
		permission_level INTEGER NOT NULL DEFAULT 0,
		budget_remaining INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		turn_id         TEXT NOT NULL,
		conversation_id TEXT,
		user_id         TEXT NOT NULL,
		vendor          TEXT NOT NULL,
		model           TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertUser creates or updates a user's tier and allowance.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, permission_level, budget_remaining)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			permission_level = excluded.permission_level,
			budget_remaining = excluded.budget_remaining`,
		u.ID, u.PermissionLevel, u.BudgetRemaining,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetUser returns a user's tier and remaining budget.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, permission_level, budget_remaining FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.PermissionLevel, &u.BudgetRemaining)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// CheckBudget returns a BudgetExceeded fault when the user's remaining
// allowance cannot cover the estimated cost. Makes no reservation; the
// actual debit happens after usage is known.
func (s *Store) CheckBudget(ctx context.Context, userID string, estimatedTokens int64) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.BudgetRemaining < estimatedTokens {
		return fault.Newf(fault.KindBudgetExceeded, "",
			"user %s has %d tokens remaining, estimated cost %d", userID, u.BudgetRemaining, estimatedTokens)
	}
	return nil
}

// Debit atomically decrements a user's remaining budget. The guarded
// UPDATE means concurrent turns can never drive the balance negative;
// when the balance cannot cover the amount it is clamped to zero.
func (s *Store) Debit(ctx context.Context, userID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET budget_remaining = budget_remaining - ?
		 WHERE id = ? AND budget_remaining >= ?`,
		tokens, userID, tokens,
	)
	if err != nil {
		return fmt.Errorf("debit budget: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit budget: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Balance was lower than the spend; exhaust it.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET budget_remaining = 0 WHERE id = ?`, userID,
	); err != nil {
		return fmt.Errorf("exhaust budget: %w", err)
	}
	return nil
}

// RecordUsage appends one usage record. If rec.ID is empty a UUIDv7 is
// generated.
func (s *Store) RecordUsage(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, turn_id, conversation_id, user_id, vendor, model, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.TurnID,
		rec.ConversationID,
		rec.UserID,
		rec.Vendor,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// SummaryForUser returns aggregated totals for one user's records
// within [start, end).
func (s *Store) SummaryForUser(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records
		 WHERE user_id = ? AND timestamp >= ? AND timestamp < ?`,
		userID,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}
