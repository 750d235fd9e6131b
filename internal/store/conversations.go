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

const conversationColumns = `id, client_id, status, assigned_agent_id, outcome,
	created_at, updated_at, closed_at, reopened_count, last_message_at,
	first_user_message_at, first_agent_reply_at, last_agent_reply_at,
	summary_json, sentiment_label, sentiment_score, tags, risk_flag, risk_reasons`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var c model.Conversation
	var sentiment *string
	var reasons []string
	err := row.Scan(
		&c.ID, &c.ClientID, &c.Status, &c.AssignedAgentID, &c.Outcome,
		&c.CreatedAt, &c.UpdatedAt, &c.ClosedAt, &c.ReopenedCount, &c.LastMessageAt,
		&c.FirstUserMessageAt, &c.FirstAgentReplyAt, &c.LastAgentReplyAt,
		&c.SummaryJSON, &sentiment, &c.SentimentScore, &c.Tags, &c.RiskFlag, &reasons,
	)
	if err != nil {
		return nil, err
	}
	if sentiment != nil {
		c.SentimentLabel = model.SentimentLabel(*sentiment)
	}
	for _, r := range reasons {
		c.RiskReasons = append(c.RiskReasons, model.RiskReason(r))
	}
	return &c, nil
}

func conversationArgs(c *model.Conversation) []any {
	var sentiment *string
	if c.SentimentLabel != "" {
		s := string(c.SentimentLabel)
		sentiment = &s
	}
	reasons := make([]string, 0, len(c.RiskReasons))
	for _, r := range c.RiskReasons {
		reasons = append(reasons, string(r))
	}
	return []any{
		c.ID, c.ClientID, c.Status, c.AssignedAgentID, c.Outcome,
		c.CreatedAt, c.UpdatedAt, c.ClosedAt, c.ReopenedCount, c.LastMessageAt,
		c.FirstUserMessageAt, c.FirstAgentReplyAt, c.LastAgentReplyAt,
		c.SummaryJSON, sentiment, c.SentimentScore, c.Tags, c.RiskFlag, reasons,
	}
}

// FindOpenConversation returns the most recently active non-closed
// conversation for a client, or nil.
func (s *Store) FindOpenConversation(ctx context.Context, clientID uuid.UUID) (*model.Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE client_id = $1 AND status <> $2
		ORDER BY last_message_at DESC
		LIMIT 1`, clientID, model.StatusClosed)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation opens a NEW conversation for a client.
func (s *Store) CreateConversation(ctx context.Context, clientID uuid.UUID, now time.Time) (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:            uuid.New(),
		ClientID:      clientID,
		Status:        model.StatusNew,
		Outcome:       model.OutcomeUnknown,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
	}
	if err := s.InsertConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// InsertConversation writes a fully populated conversation (seeding path).
func (s *Store) InsertConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		conversationArgs(conv)...,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversation persists every mutable/derived field.
func (s *Store) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	args := conversationArgs(conv)
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET
			client_id = $2, status = $3, assigned_agent_id = $4, outcome = $5,
			created_at = $6, updated_at = $7, closed_at = $8, reopened_count = $9,
			last_message_at = $10, first_user_message_at = $11,
			first_agent_reply_at = $12, last_agent_reply_at = $13,
			summary_json = $14, sentiment_label = $15, sentiment_score = $16,
			tags = $17, risk_flag = $18, risk_reasons = $19
		WHERE id = $1`, args...,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// ListConversations returns all conversations, most recent activity first.
func (s *Store) ListConversations(ctx context.Context) ([]*model.Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// DeleteAll wipes all CRM data. Seeding only.
func (s *Store) DeleteAll(ctx context.Context) error {
	for _, table := range []string{"messages", "conversations", "clients", "agents"} {
		if _, err := s.db.Exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}
