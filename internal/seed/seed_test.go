package seed

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/model"
)

// fakeStorage collects everything the seeder writes, keeping the last
// persisted state per conversation.
type fakeStorage struct {
	wiped         bool
	agents        []model.Agent
	clients       []model.Client
	conversations map[uuid.UUID]*model.Conversation
	messages      int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{conversations: make(map[uuid.UUID]*model.Conversation)}
}

func (f *fakeStorage) DeleteAll(context.Context) error { f.wiped = true; return nil }

func (f *fakeStorage) CreateAgent(_ context.Context, a *model.Agent) error {
	f.agents = append(f.agents, *a)
	return nil
}

func (f *fakeStorage) CreateClient(_ context.Context, c *model.Client) error {
	f.clients = append(f.clients, *c)
	return nil
}

func (f *fakeStorage) InsertConversation(_ context.Context, conv *model.Conversation) error {
	stored := *conv
	f.conversations[conv.ID] = &stored
	return nil
}

func (f *fakeStorage) AppendMessage(context.Context, *model.Message) error {
	f.messages++
	return nil
}

func (f *fakeStorage) UpdateConversation(_ context.Context, conv *model.Conversation) error {
	stored := *conv
	f.conversations[conv.ID] = &stored
	return nil
}

func newTestSeeder(storage Storage) *Seeder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(storage, nil, engine.DefaultThresholds(), logger)
}

func TestRunProducesClosedAndWonConversations(t *testing.T) {
	storage := newFakeStorage()
	seeder := newTestSeeder(storage)

	req := DefaultRequest()
	req.Conversations = 200
	stats, err := seeder.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !storage.wiped {
		t.Error("run did not wipe the database first")
	}
	if stats.Conversations != 200 || len(storage.conversations) != 200 {
		t.Fatalf("stats=%+v stored=%d", stats, len(storage.conversations))
	}

	counts := make(map[model.ConversationStatus]int)
	won, reopened := 0, 0
	for _, conv := range storage.conversations {
		counts[conv.Status]++
		if conv.Status == model.StatusClosed {
			if conv.ClosedAt == nil {
				t.Error("closed conversation without ClosedAt")
			}
			if conv.Outcome != model.OutcomeWon && conv.Outcome != model.OutcomeLost {
				t.Errorf("closed conversation with outcome %s", conv.Outcome)
			}
		}
		if conv.Status == model.StatusReEngagement && conv.ReopenedCount == 0 {
			t.Error("re-engagement conversation with zero reopens")
		}
		if conv.Outcome == model.OutcomeWon {
			won++
		}
		if conv.ReopenedCount > 0 {
			reopened++
		}
	}
	if counts[model.StatusClosed] == 0 {
		t.Errorf("no CLOSED conversations seeded: %v", counts)
	}
	if won == 0 {
		t.Error("no WON outcomes seeded")
	}
	if reopened == 0 {
		t.Error("no reopened conversations seeded")
	}
}

func TestRunClampsDegenerateRequests(t *testing.T) {
	storage := newFakeStorage()
	seeder := newTestSeeder(storage)

	// max below min must not panic; it collapses to exactly min messages.
	req := Request{Agents: 1, Clients: 2, Conversations: 3, MinMessages: 4, MaxMessages: 1}
	stats, err := seeder.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Messages != 3*4 {
		t.Errorf("Messages = %d, want %d", stats.Messages, 3*4)
	}

	if _, err := seeder.Run(context.Background(), Request{}); err != nil {
		t.Fatalf("zero request: %v", err)
	}
}

func TestWeightedStatusCoversAllStates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	counts := make(map[model.ConversationStatus]int)
	for i := 0; i < 10000; i++ {
		status := weightedStatus(rng)
		if !status.Valid() {
			t.Fatalf("invalid status %q", status)
		}
		counts[status]++
	}
	if len(counts) != len(model.AllStatuses) {
		t.Fatalf("only %d statuses produced: %v", len(counts), counts)
	}
	// NEW carries the largest weight; CLOSED sits at 15%.
	if counts[model.StatusNew] < counts[model.StatusSupport] {
		t.Errorf("weights off: NEW=%d SUPPORT=%d", counts[model.StatusNew], counts[model.StatusSupport])
	}
}

func TestWeightedSenderFavorsHumans(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	counts := make(map[model.MessageSender]int)
	for i := 0; i < 10000; i++ {
		counts[weightedSender(rng)]++
	}
	if counts[model.SenderBot] >= counts[model.SenderUser] || counts[model.SenderBot] >= counts[model.SenderAgent] {
		t.Errorf("bot share too high: %v", counts)
	}
}

func TestDefaultRequestShape(t *testing.T) {
	req := DefaultRequest()
	if req.Conversations < req.Clients {
		t.Errorf("demo should have more conversations than clients: %+v", req)
	}
	if req.MinMessages < 1 || req.MaxMessages <= req.MinMessages {
		t.Errorf("message bounds invalid: %+v", req)
	}
}
