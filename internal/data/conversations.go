package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxidehq/oxide/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// GetConversation returns a conversation with its full ordered message
// history, or nil when the ID is unknown.
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv types.Conversation
	var messagesJSON, metadataJSON string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, messages, metadata, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &messagesJSON, &metadataJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	return &conv, nil
}

// PutConversation writes a conversation, replacing any existing row with
// the same ID. Message order in the slice is the durable order.
func (s *Store) PutConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation ID cannot be empty")
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	messagesJSON, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	metadataJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, messages, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			messages = excluded.messages,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, conv.ID, string(messagesJSON), string(metadataJSON), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	return nil
}

// ListConversations returns the most recently updated conversations,
// newest first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]*types.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, messages, metadata, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*types.Conversation
	for rows.Next() {
		var conv types.Conversation
		var messagesJSON, metadataJSON string
		if err := rows.Scan(&conv.ID, &messagesJSON, &metadataJSON, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(messagesJSON), &conv.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, &conv)
	}
	return out, rows.Err()
}

// CountConversations reports how many conversations are stored.
func (s *Store) CountConversations(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

// DeleteConversationsOlderThan prunes conversations whose last activity
// predates the cutoff. Returns how many were removed.
func (s *Store) DeleteConversationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
