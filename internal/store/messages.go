package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/theteta/controltower/internal/model"
)

// AppendMessage inserts one immutable message row. The caller is
// responsible for having applied the derived-field update to the
// conversation under the same exclusion scope.
func (s *Store) AppendMessage(ctx context.Context, m *model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var providerID *string
	if m.ProviderMessageID != "" {
		providerID = &m.ProviderMessageID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender, text, ts, out_of_hours, provider, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, m.Sender, m.Text, m.Ts, m.OutOfHours, m.Provider, providerID,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessageExists implements the two-tier dedup policy. A provider id match
// on (conversation, provider, provider_message_id) is always a duplicate.
// When no provider id is available the structural fallback key
// (conversation, sender, text, ts) is used instead.
func (s *Store) MessageExists(ctx context.Context, conversationID uuid.UUID, provider, providerMessageID string, sender model.MessageSender, text string, ts time.Time) (bool, error) {
	if providerMessageID != "" {
		var id uuid.UUID
		err := s.db.QueryRow(ctx, `
			SELECT id FROM messages
			WHERE conversation_id = $1 AND provider = $2 AND provider_message_id = $3
			LIMIT 1`, conversationID, provider, providerMessageID,
		).Scan(&id)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("check provider id: %w", err)
		}
		return false, nil
	}

	if sender == "" || text == "" || ts.IsZero() {
		return false, nil
	}

	var id uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = $1 AND sender = $2 AND text = $3 AND ts = $4
		LIMIT 1`, conversationID, sender, text, ts,
	).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("check fallback key: %w", err)
	}
	return false, nil
}

// ListMessages returns a conversation's messages ordered by event time.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, sender, text, ts, out_of_hours, provider, COALESCE(provider_message_id, '')
		FROM messages WHERE conversation_id = $1 ORDER BY ts`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListAllMessages returns every message. Dashboard aggregation only.
func (s *Store) ListAllMessages(ctx context.Context) ([]model.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, sender, text, ts, out_of_hours, provider, COALESCE(provider_message_id, '')
		FROM messages ORDER BY ts`)
	if err != nil {
		return nil, fmt.Errorf("list all messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text, &m.Ts, &m.OutOfHours, &m.Provider, &m.ProviderMessageID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
