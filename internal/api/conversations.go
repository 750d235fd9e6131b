package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/insights"
	"github.com/theteta/controltower/internal/model"
	"github.com/theteta/controltower/internal/report"
	"github.com/theteta/controltower/internal/wasender"
)

// directory is the id-keyed lookup set most read endpoints need.
type directory struct {
	clients map[uuid.UUID]model.Client
	agents  map[uuid.UUID]model.Agent
}

func (s *Server) loadDirectory(ctx context.Context) (directory, error) {
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return directory{}, err
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return directory{}, err
	}
	dir := directory{
		clients: make(map[uuid.UUID]model.Client, len(clients)),
		agents:  make(map[uuid.UUID]model.Agent, len(agents)),
	}
	for _, c := range clients {
		dir.clients[c.ID] = c
	}
	for _, a := range agents {
		dir.agents[a.ID] = a
	}
	return dir, nil
}

// refreshRisk re-derives the risk flags for every conversation against the
// current clock and persists only the ones whose verdict changed.
func (s *Server) refreshRisk(ctx context.Context, conversations []*model.Conversation, now time.Time) {
	for _, conv := range conversations {
		beforeFlag := conv.RiskFlag
		beforeReasons := joinReasons(conv.RiskReasons)
		engine.RecalculateRisk(conv, now, s.thresholds)
		if conv.RiskFlag == beforeFlag && joinReasons(conv.RiskReasons) == beforeReasons {
			continue
		}
		if err := s.store.UpdateConversation(ctx, conv); err != nil {
			s.logger.Warn("persist risk refresh failed", "conversation_id", conv.ID, "error", err)
		}
	}
}

func joinReasons(reasons []model.RiskReason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

type conversationView struct {
	model.Conversation
	ClientName               string `json:"client_name"`
	ClientPhone              string `json:"client_phone"`
	AgentName                string `json:"agent_name,omitempty"`
	PriorityScore            int    `json:"priority_score"`
	MinutesSinceLastActivity int    `json:"minutes_since_last_activity"`
	MinutesWithoutReply      *int   `json:"minutes_without_reply"`
}

func buildView(conv *model.Conversation, dir directory, now time.Time) conversationView {
	view := conversationView{
		Conversation:  *conv,
		ClientName:    "N/A",
		PriorityScore: engine.PriorityScore(conv),
	}
	if client, ok := dir.clients[conv.ClientID]; ok {
		view.ClientName = client.Name
		view.ClientPhone = client.Phone
	}
	if conv.AssignedAgentID != nil {
		if agent, ok := dir.agents[*conv.AssignedAgentID]; ok {
			view.AgentName = agent.Name
		}
	}
	if !conv.LastMessageAt.IsZero() {
		view.MinutesSinceLastActivity = engine.MinutesSince(conv.LastMessageAt, now)
	}
	if minutes, ok := engine.MinutesWithoutReply(conv, now); ok {
		view.MinutesWithoutReply = &minutes
	}
	return view
}

func (s *Server) dashboardSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	conversations, err := s.store.ListConversations(ctx)
	if err != nil {
		s.fail(w, "list conversations", err)
		return
	}
	dir, err := s.loadDirectory(ctx)
	if err != nil {
		s.fail(w, "load directory", err)
		return
	}
	messages, err := s.store.ListAllMessages(ctx)
	if err != nil {
		s.fail(w, "list messages", err)
		return
	}

	s.refreshRisk(ctx, conversations, now)
	summary := report.BuildSummary(conversations, dir.clients, dir.agents, messages, now, s.thresholds)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	conversations, err := s.store.ListConversations(ctx)
	if err != nil {
		s.fail(w, "list conversations", err)
		return
	}
	dir, err := s.loadDirectory(ctx)
	if err != nil {
		s.fail(w, "load directory", err)
		return
	}
	s.refreshRisk(ctx, conversations, now)

	query := r.URL.Query()
	var statusFilter model.ConversationStatus
	if raw := query.Get("status"); raw != "" {
		statusFilter = model.ConversationStatus(strings.ToUpper(raw))
		if !statusFilter.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
	}
	var agentFilter *uuid.UUID
	if raw := query.Get("assigned_agent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid assigned_agent_id")
			return
		}
		agentFilter = &id
	}
	riskOnly := query.Get("risk_flag") == "true"
	search := strings.ToLower(strings.TrimSpace(query.Get("q")))

	views := make([]conversationView, 0, len(conversations))
	for _, conv := range conversations {
		if statusFilter != "" && conv.Status != statusFilter {
			continue
		}
		if agentFilter != nil && (conv.AssignedAgentID == nil || *conv.AssignedAgentID != *agentFilter) {
			continue
		}
		if riskOnly && !conv.RiskFlag {
			continue
		}
		view := buildView(conv, dir, now)
		if search != "" &&
			!strings.Contains(strings.ToLower(view.ClientName), search) &&
			!strings.Contains(view.ClientPhone, search) {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "count": len(views)})
}

// recentClients lists the most recently active counterparts from local
// conversations. When the database is empty it bootstraps from the
// provider's message log through the regular ingest path, so the returned
// rows carry a conversation id either way.
func (s *Server) recentClients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conversations, err := s.store.ListConversations(ctx)
	if err != nil {
		s.fail(w, "list conversations", err)
		return
	}
	source := "database"
	if len(conversations) == 0 && s.wa != nil {
		if imported := s.bootstrapRecentClients(ctx); imported > 0 {
			source = "provider"
			conversations, err = s.store.ListConversations(ctx)
			if err != nil {
				s.fail(w, "list conversations", err)
				return
			}
		}
	}

	dir, err := s.loadDirectory(ctx)
	if err != nil {
		s.fail(w, "load directory", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recentRows(conversations, dir.clients), "source": source})
}

// bootstrapRecentClients pulls the first page of provider logs and runs each
// row through the ingest pipeline, so clients are upserted, conversations
// found or created, and duplicates dropped exactly like webhook traffic.
// Returns the number of messages imported; failures degrade to zero.
func (s *Server) bootstrapRecentClients(ctx context.Context) int {
	rows, err := s.wa.FetchMessageLogs(ctx, 1, 50)
	if err != nil {
		s.logger.Warn("recent-clients bootstrap fetch failed", "error", err)
		return 0
	}
	imported := 0
	for _, row := range rows {
		pm, ok := wasender.NormalizeMessage(row, model.SenderUser)
		if !ok {
			continue
		}
		result, err := s.ingestor.IngestProviderMessage(ctx, pm, "wasender")
		if err != nil {
			s.logger.Warn("recent-clients bootstrap ingest failed", "wa_id", pm.WaID, "error", err)
			continue
		}
		if result != nil {
			imported++
		}
	}
	return imported
}

// recentRows keeps one row per client, most recent activity first, capped
// at 50.
func recentRows(conversations []*model.Conversation, clients map[uuid.UUID]model.Client) []map[string]any {
	sorted := make([]*model.Conversation, len(conversations))
	copy(sorted, conversations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastMessageAt.After(sorted[j].LastMessageAt) })

	seen := make(map[uuid.UUID]bool)
	items := make([]map[string]any, 0, len(sorted))
	for _, conv := range sorted {
		if seen[conv.ClientID] {
			continue
		}
		seen[conv.ClientID] = true
		row := map[string]any{
			"conversation_id": conv.ID,
			"status":          conv.Status,
			"last_message_at": conv.LastMessageAt,
			"wa_id":           "",
			"name":            "N/A",
		}
		if client, ok := clients[conv.ClientID]; ok {
			row["wa_id"] = client.Phone
			row["name"] = client.Name
		}
		items = append(items, row)
		if len(items) == 50 {
			break
		}
	}
	return items
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	conv, client, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}

	// Best effort: pull any provider history we have not seen yet before
	// rendering the thread. Failures degrade to the local view.
	if s.syncer != nil && client != nil {
		if imported := s.syncer.Sync(ctx, conv, client.Phone); imported > 0 {
			s.logger.Info("history sync imported messages", "conversation_id", conv.ID, "imported", imported)
		}
	}

	s.refreshRisk(ctx, []*model.Conversation{conv}, now)

	messages, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		s.fail(w, "list messages", err)
		return
	}
	dir, err := s.loadDirectory(ctx)
	if err != nil {
		s.fail(w, "load directory", err)
		return
	}

	response := map[string]any{
		"conversation": buildView(conv, dir, now),
		"client":       client,
		"messages":     messages,
		"metrics":      report.Metrics(messages, conv),
	}
	if insight := decodeInsight(conv.SummaryJSON); insight != nil {
		response["insights"] = insight
	}
	writeJSON(w, http.StatusOK, response)
}

type patchRequest struct {
	Status          *string  `json:"status"`
	AssignedAgentID *string  `json:"assigned_agent_id"`
	Outcome         *string  `json:"outcome"`
	Tags            []string `json:"tags"`
}

func (s *Server) patchConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	conv, _, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Status != nil {
		next := model.ConversationStatus(strings.ToUpper(*req.Status))
		if !next.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+*req.Status)
			return
		}
		switch {
		case next == model.StatusClosed && conv.Status != model.StatusClosed:
			conv.ClosedAt = &now
		case next != model.StatusClosed && conv.Status == model.StatusClosed:
			// Manual reopen from the panel counts like an engine reopen.
			conv.ClosedAt = nil
			conv.ReopenedCount++
			conv.Outcome = model.OutcomeUnknown
		}
		conv.Status = next
	}
	if req.Outcome != nil {
		outcome := model.Outcome(strings.ToUpper(*req.Outcome))
		if !outcome.Valid() {
			writeError(w, http.StatusBadRequest, "unknown outcome "+*req.Outcome)
			return
		}
		conv.Outcome = outcome
	}
	if req.AssignedAgentID != nil {
		if *req.AssignedAgentID == "" {
			conv.AssignedAgentID = nil
		} else {
			agentID, err := uuid.Parse(*req.AssignedAgentID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid assigned_agent_id")
				return
			}
			agent, err := s.store.GetAgent(ctx, agentID)
			if err != nil {
				s.fail(w, "get agent", err)
				return
			}
			if agent == nil {
				writeError(w, http.StatusNotFound, "agent not found")
				return
			}
			conv.AssignedAgentID = &agentID
		}
	}
	if req.Tags != nil {
		conv.Tags = req.Tags
	}

	conv.UpdatedAt = now
	engine.RecalculateRisk(conv, now, s.thresholds)
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		s.fail(w, "update conversation", err)
		return
	}

	dir, err := s.loadDirectory(ctx)
	if err != nil {
		s.fail(w, "load directory", err)
		return
	}
	writeJSON(w, http.StatusOK, buildView(conv, dir, now))
}

type postMessageRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Ts     string `json:"ts"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conv, client, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sender := model.MessageSender(strings.ToUpper(req.Sender))
	if !sender.Valid() {
		writeError(w, http.StatusBadRequest, "unknown sender "+req.Sender)
		return
	}
	if sender == model.SenderUser {
		writeError(w, http.StatusBadRequest, "user messages arrive via webhook")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	ts := time.Now().UTC()
	if req.Ts != "" {
		ts = wasender.ParseTimestamp(req.Ts)
	}

	provider, providerMessageID := "app", ""
	if s.cfg.WasenderPushOutbound {
		// Push is on, so a message that cannot reach the provider must fail
		// loudly instead of being stored as if it were delivered.
		if s.wa == nil {
			writeError(w, http.StatusBadGateway, "outbound push requested but wasender is not configured")
			return
		}
		if client == nil {
			writeError(w, http.StatusBadGateway, "conversation has no client phone to deliver to")
			return
		}
		id, err := s.wa.SendText(ctx, client.Phone, text)
		var apiErr *wasender.APIError
		if errors.As(err, &apiErr) {
			writeError(w, http.StatusBadGateway, "provider rejected message: "+apiErr.Message)
			return
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, "provider send failed")
			return
		}
		provider, providerMessageID = "wasender", id
	}

	msg, err := s.ingestor.AppendMessage(ctx, conv, sender, text, ts, provider, providerMessageID)
	if err != nil {
		s.fail(w, "append message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) analyzeConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	conv, _, ok := s.lookupConversation(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if !force {
		if cached := decodeInsight(conv.SummaryJSON); cached != nil {
			writeJSON(w, http.StatusOK, map[string]any{"insights": cached, "cached": true})
			return
		}
	}

	messages, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		s.fail(w, "list messages", err)
		return
	}
	texts := make([]string, 0, len(messages))
	for _, m := range messages {
		texts = append(texts, m.Text)
	}
	if len(texts) > 30 {
		texts = texts[len(texts)-30:]
	}

	insight := s.analyzer.Analyze(ctx, texts)
	if encoded, err := json.Marshal(insight); err == nil {
		conv.SummaryJSON = encoded
	}
	conv.SentimentLabel = model.SentimentLabel(insight.SentimentLabel)
	score := insight.SentimentScore
	conv.SentimentScore = &score
	conv.Tags = insight.Tags
	conv.UpdatedAt = now
	engine.RecalculateRisk(conv, now, s.thresholds)
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		s.fail(w, "update conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"insights": insight, "cached": false})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.fail(w, "list agents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": agents, "count": len(agents)})
}

// lookupConversation resolves {id} to a conversation and its client,
// writing the error response itself when anything is off.
func (s *Server) lookupConversation(w http.ResponseWriter, r *http.Request) (*model.Conversation, *model.Client, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return nil, nil, false
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.fail(w, "get conversation", err)
		return nil, nil, false
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, nil, false
	}
	client, err := s.store.GetClient(r.Context(), conv.ClientID)
	if err != nil {
		s.fail(w, "get client", err)
		return nil, nil, false
	}
	return conv, client, true
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func decodeInsight(raw []byte) *insights.Insight {
	if len(raw) == 0 {
		return nil
	}
	var insight insights.Insight
	if err := json.Unmarshal(raw, &insight); err != nil {
		return nil
	}
	return &insight
}
