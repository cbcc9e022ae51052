package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Summary is one compressed slice of older conversation history plus
// its embedding vector. Immutable once written.
type Summary struct {
	ID             string
	ConversationID string
	UserID         string
	Content        string
	Embedding      []float32
	CoversUntil    string // last message ID folded into this summary
	CreatedAt      time.Time
}

// AddSummary persists a new summary and returns its ID.
func (s *Store) AddSummary(ctx context.Context, sum Summary) (string, error) {
	if sum.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate summary ID: %w", err)
		}
		sum.ID = id.String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (id, conversation_id, user_id, content, embedding, covers_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.ID,
		sum.ConversationID,
		sum.UserID,
		sum.Content,
		encodeEmbedding(sum.Embedding),
		sum.CoversUntil,
		sum.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert summary: %w", err)
	}
	return sum.ID, nil
}

// SummariesForUser returns every summary belonging to a user, newest
// first. Relevance ranking against an incoming message is the
// assembler's job.
func (s *Store) SummariesForUser(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, content, embedding, covers_until, created_at
		 FROM summaries WHERE user_id = ? ORDER BY id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var result []Summary
	for rows.Next() {
		var sum Summary
		var embedding []byte
		var createdAt string
		if err := rows.Scan(&sum.ID, &sum.ConversationID, &sum.UserID, &sum.Content,
			&embedding, &sum.CoversUntil, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Embedding = decodeEmbedding(embedding)
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, sum)
	}
	return result, rows.Err()
}

// encodeEmbedding packs a vector as little-endian float32 bytes for
// BLOB storage. Nil vectors store as NULL.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding unpacks a BLOB written by encodeEmbedding.
func decodeEmbedding(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
