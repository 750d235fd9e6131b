// Package history backfills a single conversation from the provider's
// paged message log. Sync is best-effort enrichment: provider failures
// degrade to zero imported, and each page is applied atomically so an
// abandoned sync never leaves a half-written page behind.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/model"
	"github.com/theteta/controltower/internal/store"
	"github.com/theteta/controltower/internal/wasender"
)

// PageFetcher is the provider surface the syncer needs; *wasender.Client
// satisfies it.
type PageFetcher interface {
	FetchMessageLogs(ctx context.Context, page, perPage int) ([]map[string]any, error)
}

// Locker serializes page application with the webhook write path;
// *ingest.Ingestor satisfies it.
type Locker interface {
	LockConversation(key string, fn func() error) error
}

type Config struct {
	PageSize   int
	MaxPages   int
	Thresholds engine.Thresholds
}

type Syncer struct {
	store  *store.Store
	client PageFetcher
	locker Locker
	cfg    Config
	logger *slog.Logger
}

func New(s *store.Store, client PageFetcher, locker Locker, cfg Config, logger *slog.Logger) *Syncer {
	return &Syncer{store: s, client: client, locker: locker, cfg: cfg, logger: logger}
}

// Sync pulls the provider history for the conversation's counterpart and
// imports every new message, page by page in ascending timestamp order.
// Returns the number imported. Transport failures are logged and reported
// as zero imported, never propagated.
func (s *Syncer) Sync(ctx context.Context, conv *model.Conversation, phone string) int {
	target := wasender.NormalizeWaID(phone)
	if target == "" {
		return 0
	}

	imported := 0
	seen := make(map[string]bool)
	for page := 1; page <= s.cfg.MaxPages; page++ {
		rows, err := s.client.FetchMessageLogs(ctx, page, s.cfg.PageSize)
		if err != nil {
			s.logger.Warn("history page fetch failed", "conversation_id", conv.ID, "page", page, "error", err)
			return imported
		}
		if len(rows) == 0 {
			break
		}

		batch := FilterPage(rows, target, seen)
		if len(batch) > 0 {
			applied, err := s.applyPage(ctx, conv, batch)
			if err != nil {
				s.logger.Warn("history page apply failed", "conversation_id", conv.ID, "page", page, "error", err)
				return imported
			}
			imported += applied
		}

		if len(rows) < s.cfg.PageSize {
			break
		}
	}
	return imported
}

// FilterPage normalizes one page of raw rows, keeps only messages for the
// target counterpart, drops keys already seen in this run, and returns the
// batch sorted by timestamp ascending.
func FilterPage(rows []map[string]any, target string, seen map[string]bool) []wasender.ProviderMessage {
	var batch []wasender.ProviderMessage
	for _, row := range rows {
		message, ok := wasender.NormalizeMessage(row, model.SenderAgent)
		if !ok || message.WaID != target {
			continue
		}
		key := message.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		batch = append(batch, message)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Ts.Before(batch[j].Ts) })
	return batch
}

// applyPage writes one page of accepted messages inside a single
// transaction, under the conversation's exclusion scope. The store-level
// dedup check runs per message so re-syncs are idempotent.
func (s *Syncer) applyPage(ctx context.Context, conv *model.Conversation, batch []wasender.ProviderMessage) (int, error) {
	applied := 0
	err := s.locker.LockConversation(conv.ID.String(), func() error {
		// Work on a copy so a rolled-back page leaves the caller's view of
		// the conversation untouched.
		working := *conv
		err := s.store.WithTx(ctx, func(tx *store.Store) error {
			now := time.Now().UTC()
			for _, pm := range batch {
				exists, err := tx.MessageExists(ctx, working.ID, "wasender", pm.ProviderMessageID, pm.Sender, pm.Text, pm.Ts)
				if err != nil {
					return err
				}
				if exists {
					continue
				}
				msg := &model.Message{
					ConversationID:    working.ID,
					Sender:            pm.Sender,
					Text:              pm.Text,
					Ts:                pm.Ts,
					OutOfHours:        engine.IsOutOfHours(pm.Ts),
					Provider:          "wasender",
					ProviderMessageID: pm.ProviderMessageID,
				}
				if err := tx.AppendMessage(ctx, msg); err != nil {
					return err
				}
				engine.ApplyMessage(&working, pm.Sender, pm.Ts, now)
				applied++
			}
			if applied == 0 {
				return nil
			}
			engine.RecalculateRisk(&working, now, s.cfg.Thresholds)
			if err := tx.UpdateConversation(ctx, &working); err != nil {
				return fmt.Errorf("update conversation: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		*conv = working
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}
