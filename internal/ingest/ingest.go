// Package ingest is the write path of the CRM: it turns normalized
// provider messages into stored messages and conversation state, applying
// deduplication, lifecycle transitions, and risk recalculation under a
// per-counterpart exclusion scope.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/events"
	"github.com/theteta/controltower/internal/model"
	"github.com/theteta/controltower/internal/wasender"
)

// Repository is the storage surface the pipeline needs. *store.Store
// satisfies it; tests use an in-memory fake.
type Repository interface {
	UpsertClientByPhone(ctx context.Context, waID string, now time.Time) (*model.Client, error)
	FindOpenConversation(ctx context.Context, clientID uuid.UUID) (*model.Conversation, error)
	CreateConversation(ctx context.Context, clientID uuid.UUID, now time.Time) (*model.Conversation, error)
	AppendMessage(ctx context.Context, m *model.Message) error
	MessageExists(ctx context.Context, conversationID uuid.UUID, provider, providerMessageID string, sender model.MessageSender, text string, ts time.Time) (bool, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
}

type Ingestor struct {
	repo       Repository
	bus        *events.Bus
	thresholds engine.Thresholds
	locks      *keyedLocks
	logger     *slog.Logger
}

func New(repo Repository, bus *events.Bus, th engine.Thresholds, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		repo:       repo,
		bus:        bus,
		thresholds: th,
		locks:      newKeyedLocks(),
		logger:     logger,
	}
}

// Result reports what one accepted message did to its conversation.
type Result struct {
	ConversationID uuid.UUID
	MessageID      uuid.UUID
	Created        bool // a new conversation was opened
	Reopened       bool // a closed conversation re-engaged
}

// IngestProviderMessage runs one canonical message through upsert → dedup →
// append → apply → risk recalc. It returns (nil, nil) for duplicates.
// Find-or-create runs under the counterpart's phone lock so two concurrent
// deliveries cannot double-create a conversation; the dedup check and the
// insert run under the conversation-id lock, the same scope AppendMessage
// and history sync use. Lock order is always phone then conversation.
func (in *Ingestor) IngestProviderMessage(ctx context.Context, pm wasender.ProviderMessage, provider string) (*Result, error) {
	now := time.Now().UTC()

	client, err := in.repo.UpsertClientByPhone(ctx, pm.WaID, now)
	if err != nil {
		return nil, fmt.Errorf("upsert client: %w", err)
	}

	var result *Result
	err = in.locks.withLock(client.Phone, func() error {
		conv, err := in.repo.FindOpenConversation(ctx, client.ID)
		if err != nil {
			return err
		}
		created := false
		if conv == nil {
			conv, err = in.repo.CreateConversation(ctx, client.ID, pm.Ts)
			if err != nil {
				return err
			}
			created = true
		}

		return in.locks.withLock(conv.ID.String(), func() error {
			exists, err := in.repo.MessageExists(ctx, conv.ID, provider, pm.ProviderMessageID, pm.Sender, pm.Text, pm.Ts)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}

			msg, err := in.appendLocked(ctx, conv, pm.Sender, pm.Text, pm.Ts, provider, pm.ProviderMessageID, now)
			if err != nil {
				return err
			}
			result = &Result{
				ConversationID: conv.ID,
				MessageID:      msg.ID,
				Created:        created,
				Reopened:       conv.Status == model.StatusReEngagement && pm.Sender == model.SenderUser,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	if result.Created {
		in.publish(events.SubjectConversationCreated, map[string]any{
			"conversation_id": result.ConversationID.String(),
			"phone":           client.Phone,
		})
	}
	in.publish(events.SubjectMessageIngested, map[string]any{
		"conversation_id": result.ConversationID.String(),
		"message_id":      result.MessageID.String(),
		"sender":          string(pm.Sender),
		"provider":        provider,
	})
	return result, nil
}

// AppendMessage stores a message on a known conversation (API write path,
// history sync). No dedup; callers decide. Runs under the conversation's
// lock keyed by its id.
func (in *Ingestor) AppendMessage(ctx context.Context, conv *model.Conversation, sender model.MessageSender, text string, ts time.Time, provider, providerMessageID string) (*model.Message, error) {
	now := time.Now().UTC()
	var msg *model.Message
	err := in.locks.withLock(conv.ID.String(), func() error {
		var err error
		msg, err = in.appendLocked(ctx, conv, sender, text, ts, provider, providerMessageID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// appendLocked performs the insert + derived-field update. Caller holds the
// exclusion scope.
func (in *Ingestor) appendLocked(ctx context.Context, conv *model.Conversation, sender model.MessageSender, text string, ts time.Time, provider, providerMessageID string, now time.Time) (*model.Message, error) {
	wasClosed := conv.Status == model.StatusClosed

	msg := &model.Message{
		ID:                uuid.New(),
		ConversationID:    conv.ID,
		Sender:            sender,
		Text:              text,
		Ts:                ts,
		OutOfHours:        engine.IsOutOfHours(ts),
		Provider:          provider,
		ProviderMessageID: providerMessageID,
	}
	if err := in.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	engine.ApplyMessage(conv, sender, ts, now)
	engine.RecalculateRisk(conv, now, in.thresholds)
	if err := in.repo.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if wasClosed && conv.Status == model.StatusReEngagement {
		in.publish(events.SubjectConversationReopen, map[string]any{
			"conversation_id": conv.ID.String(),
			"reopened_count":  conv.ReopenedCount,
		})
	}
	if conv.RiskFlag {
		in.publish(events.SubjectConversationRisk, map[string]any{
			"conversation_id": conv.ID.String(),
			"reasons":         conv.RiskReasons,
		})
	}
	return msg, nil
}

// WebhookStats summarizes one webhook delivery.
type WebhookStats struct {
	InsertedMessages     int
	ConversationsTouched int
}

// HandleWebhook walks a provider envelope and ingests every candidate
// message plus any chat-level touch updates. Rejected and duplicate
// candidates are skipped silently; the envelope never fails as a whole.
func (in *Ingestor) HandleWebhook(ctx context.Context, payload map[string]any) (WebhookStats, error) {
	var stats WebhookStats
	touched := make(map[uuid.UUID]bool)

	for _, pm := range wasender.ExtractWebhookMessages(payload) {
		result, err := in.IngestProviderMessage(ctx, pm, "wasender")
		if err != nil {
			in.logger.Error("webhook message ingest failed", "wa_id", pm.WaID, "error", err)
			continue
		}
		if result == nil {
			continue
		}
		stats.InsertedMessages++
		touched[result.ConversationID] = true
	}

	for _, update := range wasender.ExtractChatUpdates(payload) {
		convID, err := in.TouchChatUpdate(ctx, update.WaID, update.Ts)
		if err != nil {
			in.logger.Error("chat update failed", "wa_id", update.WaID, "error", err)
			continue
		}
		touched[convID] = true
	}

	stats.ConversationsTouched = len(touched)
	return stats, nil
}

// TouchChatUpdate advances a conversation's LastMessageAt on provider chat
// activity without storing a message. Forward-only.
func (in *Ingestor) TouchChatUpdate(ctx context.Context, waID string, ts time.Time) (uuid.UUID, error) {
	now := time.Now().UTC()
	client, err := in.repo.UpsertClientByPhone(ctx, waID, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert client: %w", err)
	}

	var convID uuid.UUID
	err = in.locks.withLock(client.Phone, func() error {
		conv, err := in.repo.FindOpenConversation(ctx, client.ID)
		if err != nil {
			return err
		}
		if conv == nil {
			conv, err = in.repo.CreateConversation(ctx, client.ID, ts)
			if err != nil {
				return err
			}
		}
		convID = conv.ID
		return in.locks.withLock(conv.ID.String(), func() error {
			if conv.LastMessageAt.Before(ts) {
				conv.LastMessageAt = ts
				conv.UpdatedAt = now
				engine.RecalculateRisk(conv, now, in.thresholds)
				if err := in.repo.UpdateConversation(ctx, conv); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return convID, nil
}

// LockConversation exposes the exclusion scope to collaborators (history
// sync applies its pages under the same locks the webhook path uses).
func (in *Ingestor) LockConversation(key string, fn func() error) error {
	return in.locks.withLock(key, fn)
}

func (in *Ingestor) publish(subject string, data any) {
	if err := in.bus.Publish(subject, data); err != nil {
		in.logger.Warn("event publish failed", "subject", subject, "error", err)
	}
}
