// Package seed generates deterministic demo data: agents, clients, and
// conversations with realistic message cadences, sentiment, and SLA
// breaches. Administrative/demo use only; it wipes the database first.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/insights"
	"github.com/theteta/controltower/internal/model"
)

// Storage is the write surface the seeder needs. *store.Store satisfies it.
type Storage interface {
	DeleteAll(ctx context.Context) error
	CreateAgent(ctx context.Context, a *model.Agent) error
	CreateClient(ctx context.Context, c *model.Client) error
	InsertConversation(ctx context.Context, conv *model.Conversation) error
	AppendMessage(ctx context.Context, m *model.Message) error
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
}

type Request struct {
	Agents        int     `json:"agents"`
	Clients       int     `json:"clients"`
	Conversations int     `json:"conversations"`
	MinMessages   int     `json:"min_messages"`
	MaxMessages   int     `json:"max_messages"`
	RunAIOnPct    float64 `json:"run_ai_on_pct"`
}

// DefaultRequest mirrors the stock demo volume.
func DefaultRequest() Request {
	return Request{Agents: 6, Clients: 120, Conversations: 220, MinMessages: 6, MaxMessages: 25, RunAIOnPct: 0.35}
}

type Stats struct {
	Agents        int `json:"agents"`
	Clients       int `json:"clients"`
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	AtRisk        int `json:"at_risk"`
	Analyzed      int `json:"analyzed"`
}

var namesPool = []string{
	"Camila Rojas", "Juan Pablo Arias", "Sara Mendez", "Andres Torres",
	"Valentina Suarez", "Mateo Pineda", "Laura Villamizar", "David Hernandez",
	"Natalia Guerra", "Santiago Pena",
}

var companiesPool = []string{
	"Ferreteria La 30", "Boutique Luna", "Restaurante El Patio",
	"Clinica Dental Sonrie", "Academia FitPro", "Tienda TechNova",
	"Inmobiliaria Norte", "Pasteleria Dulce Arte",
}

var citiesPool = []string{"Bogota", "Medellin", "Cali", "Barranquilla", "Bucaramanga", "Cucuta"}

type scenario struct {
	userOpener string
	agentReply string
}

var scenarios = []scenario{
	{"Hola, cuanto vale?", "Te comparto opciones con descuento."},
	{"Llevo 2 dias esperando respuesta", "Disculpa, ya reviso tu caso."},
	{"Me interesa el plan", "Te comparto link de pago y activacion."},
	{"Lo pense mejor y no", "Entiendo, te ayudo a comparar opciones."},
	{"Volvio el problema", "Vamos a reabrir y priorizarlo hoy."},
}

var negativeFragments = []string{
	"esta caro",
	"estoy molesto por la demora",
	"necesito solucion urgente",
	"si no responden cancelo",
}

var userFollowUps = []string{
	"me puedes ampliar la info",
	"que incluye el plan",
	"podemos agendar demo",
	"cuando quedaria activo",
}

var agentFollowUps = []string{
	"te apoyo con eso ahora",
	"ya escale el caso",
	"te comparto propuesta final",
	"confirma si cerramos hoy",
}

var botLines = []string{
	"elige opcion 1 para ventas o 2 para soporte",
	"gracias por escribir a TheTeta",
	"estamos procesando tu solicitud",
}

type Seeder struct {
	store      Storage
	analyzer   *insights.Analyzer
	thresholds engine.Thresholds
	logger     *slog.Logger
}

func New(s Storage, analyzer *insights.Analyzer, th engine.Thresholds, logger *slog.Logger) *Seeder {
	return &Seeder{store: s, analyzer: analyzer, thresholds: th, logger: logger}
}

// clamp guards a caller-supplied request against degenerate volumes so the
// generator never divides by an empty pool or draws from an inverted range.
func (req *Request) clamp() {
	if req.Agents < 1 {
		req.Agents = 1
	}
	if req.Clients < 1 {
		req.Clients = 1
	}
	if req.Conversations < 0 {
		req.Conversations = 0
	}
	if req.MinMessages < 1 {
		req.MinMessages = 1
	}
	if req.MaxMessages < req.MinMessages {
		req.MaxMessages = req.MinMessages
	}
}

// Run wipes the database and regenerates demo data with a fixed RNG seed,
// so repeated runs with the same request produce the same dataset shape.
func (s *Seeder) Run(ctx context.Context, req Request) (Stats, error) {
	req.clamp()
	rng := rand.New(rand.NewSource(42))
	now := time.Now().UTC()

	if err := s.store.DeleteAll(ctx); err != nil {
		return Stats{}, fmt.Errorf("wipe database: %w", err)
	}

	agents := make([]model.Agent, 0, req.Agents)
	for i := 0; i < req.Agents; i++ {
		agent := model.Agent{ID: uuid.New(), Name: fmt.Sprintf("Agente %d", i+1), Active: true}
		if err := s.store.CreateAgent(ctx, &agent); err != nil {
			return Stats{}, err
		}
		agents = append(agents, agent)
	}

	clients := make([]model.Client, 0, req.Clients)
	for i := 0; i < req.Clients; i++ {
		client := model.Client{
			ID:        uuid.New(),
			Name:      namesPool[rng.Intn(len(namesPool))],
			Phone:     fmt.Sprintf("57300%06d", i+1),
			Company:   companiesPool[rng.Intn(len(companiesPool))],
			City:      citiesPool[rng.Intn(len(citiesPool))],
			CreatedAt: now.AddDate(0, 0, -(1 + rng.Intn(60))),
		}
		if err := s.store.CreateClient(ctx, &client); err != nil {
			return Stats{}, err
		}
		clients = append(clients, client)
	}

	stats := Stats{Agents: req.Agents, Clients: req.Clients, Conversations: req.Conversations}
	for i := 0; i < req.Conversations; i++ {
		if err := s.seedConversation(ctx, rng, now, req, agents, clients, &stats); err != nil {
			return Stats{}, err
		}
	}
	return stats, nil
}

func (s *Seeder) seedConversation(ctx context.Context, rng *rand.Rand, now time.Time, req Request, agents []model.Agent, clients []model.Client, stats *Stats) error {
	client := clients[rng.Intn(len(clients))]
	createdAt := now.
		AddDate(0, 0, -rng.Intn(15)).
		Add(-time.Duration(rng.Intn(24)) * time.Hour).
		Add(-time.Duration(rng.Intn(60)) * time.Minute)

	// The target status is applied after the message loop: folding messages
	// into a conversation already marked CLOSED would reopen it.
	finalStatus := weightedStatus(rng)
	conv := &model.Conversation{
		ID:            uuid.New(),
		ClientID:      client.ID,
		Status:        model.StatusNew,
		Outcome:       model.OutcomeUnknown,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
		LastMessageAt: createdAt,
	}
	if rng.Float64() < 0.88 {
		agentID := agents[rng.Intn(len(agents))].ID
		conv.AssignedAgentID = &agentID
	}
	if rng.Float64() < 0.10 {
		conv.ReopenedCount = 1
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		return err
	}

	intro := scenarios[rng.Intn(len(scenarios))]
	total := req.MinMessages + rng.Intn(req.MaxMessages-req.MinMessages+1)
	noResponse := rng.Float64() < 0.08
	slowFirst := rng.Float64() < 0.18
	shouldBeNegative := rng.Float64() < 0.22

	var texts []string
	ts := createdAt
	for i := 0; i < total; i++ {
		var sender model.MessageSender
		var text string
		switch {
		case i == 0:
			sender = model.SenderUser
			text = intro.userOpener
			ts = ts.Add(time.Duration(1+rng.Intn(5)) * time.Minute)
		case i == 1 && !noResponse:
			sender = model.SenderAgent
			text = intro.agentReply
			delay := 1 + rng.Intn(9)
			if slowFirst {
				delay = 12 + rng.Intn(24)
			}
			ts = ts.Add(time.Duration(delay) * time.Minute)
		default:
			sender = weightedSender(rng)
			ts = ts.Add(time.Duration(2+rng.Intn(34)) * time.Minute)
			switch {
			case sender == model.SenderUser && shouldBeNegative && rng.Float64() < 0.5:
				text = negativeFragments[rng.Intn(len(negativeFragments))]
			case sender == model.SenderUser:
				text = userFollowUps[rng.Intn(len(userFollowUps))]
			case sender == model.SenderAgent:
				text = agentFollowUps[rng.Intn(len(agentFollowUps))]
			default:
				text = botLines[rng.Intn(len(botLines))]
			}
		}

		msg := &model.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Sender:         sender,
			Text:           text,
			Ts:             ts,
			OutOfHours:     engine.IsOutOfHours(ts),
			Provider:       "mock",
		}
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			return err
		}
		texts = append(texts, text)
		stats.Messages++

		engine.ApplyMessage(conv, sender, ts, now)
	}

	conv.Status = finalStatus
	switch finalStatus {
	case model.StatusClosed:
		closedAt := conv.LastMessageAt.Add(time.Duration(5+rng.Intn(176)) * time.Minute)
		conv.ClosedAt = &closedAt
		if rng.Float64() < 0.18 {
			conv.Outcome = model.OutcomeLost
		} else {
			conv.Outcome = model.OutcomeWon
		}
	case model.StatusReEngagement:
		if conv.ReopenedCount == 0 {
			conv.ReopenedCount = 1
		}
	}

	switch {
	case shouldBeNegative:
		conv.SentimentLabel = model.SentimentNegative
		score := 2 + rng.Intn(3)
		conv.SentimentScore = &score
		conv.Tags = [][]string{
			{"demora", "soporte"},
			{"precio", "descuento"},
			{"cancelacion"},
		}[rng.Intn(3)]
	case conv.Outcome == model.OutcomeWon:
		conv.SentimentLabel = model.SentimentPositive
		score := 7 + rng.Intn(3)
		conv.SentimentScore = &score
		conv.Tags = []string{"plan_pro", "demo"}
	default:
		conv.SentimentLabel = model.SentimentNeutral
		score := 5
		conv.SentimentScore = &score
		conv.Tags = []string{"seguimiento"}
	}

	if rng.Float64() < req.RunAIOnPct {
		recent := texts
		if len(recent) > 30 {
			recent = recent[len(recent)-30:]
		}
		var insight insights.Insight
		if s.analyzer != nil {
			insight = s.analyzer.Analyze(ctx, recent)
		} else {
			insight = insights.AnalyzeFallback(recent)
		}
		if encoded, err := json.Marshal(insight); err == nil {
			conv.SummaryJSON = encoded
		}
		stats.Analyzed++
	}

	engine.RecalculateRisk(conv, now, s.thresholds)
	if conv.RiskFlag {
		stats.AtRisk++
	}
	conv.UpdatedAt = now
	return s.store.UpdateConversation(ctx, conv)
}

func weightedStatus(rng *rand.Rand) model.ConversationStatus {
	roll := rng.Float64()
	switch {
	case roll < 0.20:
		return model.StatusNew
	case roll < 0.35:
		return model.StatusContacted
	case roll < 0.50:
		return model.StatusInterested
	case roll < 0.65:
		return model.StatusNegotiation
	case roll < 0.75:
		return model.StatusReEngagement
	case roll < 0.85:
		return model.StatusSupport
	default:
		return model.StatusClosed
	}
}

func weightedSender(rng *rand.Rand) model.MessageSender {
	roll := rng.Float64()
	switch {
	case roll < 0.45:
		return model.SenderUser
	case roll < 0.85:
		return model.SenderAgent
	default:
		return model.SenderBot
	}
}
