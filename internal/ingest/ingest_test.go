package ingest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/model"
	"github.com/theteta/controltower/internal/wasender"
)

// fakeRepo is an in-memory Repository with the same identity semantics as
// the SQL store: clients keyed by phone, two-tier message dedup.
type fakeRepo struct {
	clients       map[string]*model.Client
	conversations map[uuid.UUID]*model.Conversation
	messages      []*model.Message
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		clients:       make(map[string]*model.Client),
		conversations: make(map[uuid.UUID]*model.Conversation),
	}
}

func (f *fakeRepo) UpsertClientByPhone(_ context.Context, waID string, now time.Time) (*model.Client, error) {
	phone := wasender.NormalizeWaID(waID)
	if c, ok := f.clients[phone]; ok {
		return c, nil
	}
	c := &model.Client{ID: uuid.New(), Phone: phone, Name: "Cliente", CreatedAt: now}
	f.clients[phone] = c
	return c, nil
}

func (f *fakeRepo) FindOpenConversation(_ context.Context, clientID uuid.UUID) (*model.Conversation, error) {
	var found *model.Conversation
	for _, conv := range f.conversations {
		if conv.ClientID == clientID && conv.Status != model.StatusClosed {
			if found == nil || conv.LastMessageAt.After(found.LastMessageAt) {
				found = conv
			}
		}
	}
	return found, nil
}

func (f *fakeRepo) CreateConversation(_ context.Context, clientID uuid.UUID, now time.Time) (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:        uuid.New(),
		ClientID:  clientID,
		Status:    model.StatusNew,
		Outcome:   model.OutcomeUnknown,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.conversations[conv.ID] = conv
	return conv, nil
}

func (f *fakeRepo) AppendMessage(_ context.Context, m *model.Message) error {
	stored := *m
	f.messages = append(f.messages, &stored)
	return nil
}

func (f *fakeRepo) MessageExists(_ context.Context, conversationID uuid.UUID, provider, providerMessageID string, sender model.MessageSender, text string, ts time.Time) (bool, error) {
	for _, m := range f.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if providerMessageID != "" {
			if m.Provider == provider && m.ProviderMessageID == providerMessageID {
				return true, nil
			}
			continue
		}
		if m.Sender == sender && m.Text == text && m.Ts.Equal(ts) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRepo) UpdateConversation(_ context.Context, conv *model.Conversation) error {
	stored := *conv
	f.conversations[conv.ID] = &stored
	return nil
}

func newTestIngestor(repo Repository) *Ingestor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, nil, engine.DefaultThresholds(), logger)
}

var msgTs = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func userMessage(id string) wasender.ProviderMessage {
	return wasender.ProviderMessage{
		WaID:              "573001234567",
		Text:              "hola, info del plan",
		Ts:                msgTs,
		Sender:            model.SenderUser,
		ProviderMessageID: id,
	}
}

func TestIngestCreatesClientAndConversation(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)

	result, err := in.IngestProviderMessage(context.Background(), userMessage("MSG1"), "wasender")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result == nil || !result.Created {
		t.Fatalf("result = %+v, want Created", result)
	}
	if len(repo.clients) != 1 || len(repo.conversations) != 1 || len(repo.messages) != 1 {
		t.Fatalf("stored %d clients, %d conversations, %d messages",
			len(repo.clients), len(repo.conversations), len(repo.messages))
	}
	conv := repo.conversations[result.ConversationID]
	if conv.FirstUserMessageAt == nil || !conv.FirstUserMessageAt.Equal(msgTs) {
		t.Errorf("FirstUserMessageAt = %v, want %v", conv.FirstUserMessageAt, msgTs)
	}
	if !conv.LastMessageAt.Equal(msgTs) {
		t.Errorf("LastMessageAt = %v, want %v", conv.LastMessageAt, msgTs)
	}
}

func TestIngestRedeliveryIsDropped(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)
	ctx := context.Background()

	if _, err := in.IngestProviderMessage(ctx, userMessage("MSG1"), "wasender"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	result, err := in.IngestProviderMessage(ctx, userMessage("MSG1"), "wasender")
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if result != nil {
		t.Fatalf("redelivery produced %+v, want nil", result)
	}
	if len(repo.messages) != 1 {
		t.Fatalf("stored %d messages, want 1", len(repo.messages))
	}
}

func TestIngestStructuralDedupWithoutProviderID(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)
	ctx := context.Background()

	if _, err := in.IngestProviderMessage(ctx, userMessage(""), "wasender"); err != nil {
		t.Fatal(err)
	}
	result, err := in.IngestProviderMessage(ctx, userMessage(""), "wasender")
	if err != nil {
		t.Fatal(err)
	}
	if result != nil || len(repo.messages) != 1 {
		t.Fatalf("structural duplicate stored: result=%+v messages=%d", result, len(repo.messages))
	}

	// Same text at a different timestamp is a new message.
	later := userMessage("")
	later.Ts = msgTs.Add(time.Minute)
	if result, err := in.IngestProviderMessage(ctx, later, "wasender"); err != nil || result == nil {
		t.Fatalf("distinct message rejected: result=%+v err=%v", result, err)
	}
}

func TestIngestReusesOpenConversation(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)
	ctx := context.Background()

	first, err := in.IngestProviderMessage(ctx, userMessage("MSG1"), "wasender")
	if err != nil {
		t.Fatal(err)
	}
	followUp := userMessage("MSG2")
	followUp.Ts = msgTs.Add(5 * time.Minute)
	second, err := in.IngestProviderMessage(ctx, followUp, "wasender")
	if err != nil {
		t.Fatal(err)
	}
	if second.Created {
		t.Error("follow-up should not create a conversation")
	}
	if second.ConversationID != first.ConversationID {
		t.Error("follow-up landed on a different conversation")
	}
}

func TestIngestReopensClosedConversation(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)
	ctx := context.Background()

	first, err := in.IngestProviderMessage(ctx, userMessage("MSG1"), "wasender")
	if err != nil {
		t.Fatal(err)
	}
	closed := repo.conversations[first.ConversationID]
	closedAt := msgTs.Add(time.Hour)
	closed.Status = model.StatusClosed
	closed.ClosedAt = &closedAt

	comeback := userMessage("MSG2")
	comeback.Ts = msgTs.Add(2 * time.Hour)
	result, err := in.IngestProviderMessage(ctx, comeback, "wasender")
	if err != nil {
		t.Fatal(err)
	}
	// The closed thread is invisible to FindOpenConversation, so the
	// comeback opens a fresh conversation rather than reviving the old row.
	if !result.Created {
		t.Error("comeback on fully closed history should create a conversation")
	}

	// But a closed conversation hit directly (history sync path) reopens.
	direct := repo.conversations[first.ConversationID]
	if _, err := in.AppendMessage(ctx, direct, model.SenderUser, "volvi", msgTs.Add(3*time.Hour), "wasender", "MSG3"); err != nil {
		t.Fatal(err)
	}
	if direct.Status != model.StatusReEngagement {
		t.Errorf("Status = %s, want REENGAGEMENT", direct.Status)
	}
	if direct.ReopenedCount != 1 {
		t.Errorf("ReopenedCount = %d, want 1", direct.ReopenedCount)
	}
	stored := repo.conversations[direct.ID]
	if !stored.HasRiskReason(model.RiskReopened) {
		t.Errorf("stored reasons = %v, want REOPENED", stored.RiskReasons)
	}
}

func TestIngestAndAppendShareConversationLock(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)
	ctx := context.Background()

	first, err := in.IngestProviderMessage(ctx, userMessage("MSG1"), "wasender")
	if err != nil {
		t.Fatal(err)
	}
	convKey := first.ConversationID.String()

	held := make(chan struct{})
	release := make(chan struct{})
	go in.LockConversation(convKey, func() error {
		close(held)
		<-release
		return nil
	})
	<-held

	// A webhook delivery for the same counterpart must not mutate the
	// conversation while another write path holds its lock.
	done := make(chan struct{})
	go func() {
		followUp := userMessage("MSG2")
		followUp.Ts = msgTs.Add(time.Minute)
		if _, err := in.IngestProviderMessage(ctx, followUp, "wasender"); err != nil {
			t.Error(err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ingest completed while the conversation lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingest did not finish after the lock was released")
	}
	if len(repo.messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(repo.messages))
	}
}

func TestHandleWebhookEndToEnd(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)

	payload := map[string]any{
		"event": "messages.received",
		"data": map[string]any{
			"messages": []any{
				map[string]any{"from": "573001234567", "text": "hola", "timestamp": float64(1700000000), "id": "W1"},
				map[string]any{"from": "573001234567", "text": "sigo aqui", "timestamp": float64(1700000060), "id": "W2"},
				map[string]any{"from": "573009876543", "text": "buenas", "timestamp": float64(1700000030), "id": "W3"},
				map[string]any{"from": "573001234567", "text": "hola", "timestamp": float64(1700000000), "id": "W1"},
			},
		},
	}
	stats, err := in.HandleWebhook(context.Background(), payload)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if stats.InsertedMessages != 3 {
		t.Errorf("InsertedMessages = %d, want 3", stats.InsertedMessages)
	}
	if stats.ConversationsTouched != 2 {
		t.Errorf("ConversationsTouched = %d, want 2", stats.ConversationsTouched)
	}
	if len(repo.clients) != 2 {
		t.Errorf("clients = %d, want 2", len(repo.clients))
	}
}

func TestTouchChatUpdateForwardOnly(t *testing.T) {
	repo := newFakeRepo()
	in := newTestIngestor(repo)
	ctx := context.Background()

	if _, err := in.IngestProviderMessage(ctx, userMessage("MSG1"), "wasender"); err != nil {
		t.Fatal(err)
	}

	// An older chat touch must not move LastMessageAt backward.
	convID, err := in.TouchChatUpdate(ctx, "573001234567", msgTs.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !repo.conversations[convID].LastMessageAt.Equal(msgTs) {
		t.Errorf("LastMessageAt regressed to %v", repo.conversations[convID].LastMessageAt)
	}

	newer := msgTs.Add(time.Hour)
	if _, err := in.TouchChatUpdate(ctx, "573001234567", newer); err != nil {
		t.Fatal(err)
	}
	if !repo.conversations[convID].LastMessageAt.Equal(newer) {
		t.Errorf("LastMessageAt = %v, want %v", repo.conversations[convID].LastMessageAt, newer)
	}
	if len(repo.messages) != 1 {
		t.Errorf("chat update stored a message: %d", len(repo.messages))
	}
}
