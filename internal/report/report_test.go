package report

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/model"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func riskConv(clientID uuid.UUID, reasons []model.RiskReason, tags []string, waitingMinutes int) *model.Conversation {
	userAt := now.Add(-time.Duration(waitingMinutes) * time.Minute)
	return &model.Conversation{
		ID:                 uuid.New(),
		ClientID:           clientID,
		Status:             model.StatusNew,
		RiskFlag:           len(reasons) > 0,
		RiskReasons:        reasons,
		Tags:               tags,
		FirstUserMessageAt: &userAt,
	}
}

func TestAtRiskTableOrderingAndFields(t *testing.T) {
	clientID := uuid.New()
	clients := map[uuid.UUID]model.Client{
		clientID: {ID: clientID, Name: "Camila Rojas", Phone: "573001234567"},
	}

	low := riskConv(clientID, []model.RiskReason{model.RiskReopened}, nil, 10)
	high := riskConv(clientID, []model.RiskReason{model.RiskNoFirstReply, model.RiskNegativeSentiment}, []string{"plan_pro"}, 30)
	calm := riskConv(clientID, nil, nil, 5) // not flagged
	tieA := riskConv(clientID, []model.RiskReason{model.RiskReopened}, nil, 50)

	rows := AtRiskTable([]*model.Conversation{low, calm, high, tieA}, clients, nil, now)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3 (unflagged excluded)", len(rows))
	}
	if rows[0].ConversationID != high.ID.String() {
		t.Errorf("rows[0] = %s, want the 80-point conversation", rows[0].ConversationID)
	}
	// Equal priority falls back to minutes waiting, descending.
	if rows[1].ConversationID != tieA.ID.String() {
		t.Errorf("rows[1] = %s, want the longer-waiting REOPENED row", rows[1].ConversationID)
	}

	top := rows[0]
	if top.ClientName != "Camila Rojas" || top.Phone != "573001234567" {
		t.Errorf("client fields = %q/%q", top.ClientName, top.Phone)
	}
	if top.PrimaryReason != model.RiskNoFirstReply {
		t.Errorf("PrimaryReason = %s, want NO_FIRST_REPLY", top.PrimaryReason)
	}
	if top.PrimaryTag != "plan_pro" {
		t.Errorf("PrimaryTag = %q, want plan_pro", top.PrimaryTag)
	}
	if top.PriorityScore != 80 {
		t.Errorf("PriorityScore = %d, want 80", top.PriorityScore)
	}
	if top.Sentiment != "UNKNOWN" {
		t.Errorf("Sentiment = %q, want UNKNOWN when never analyzed", top.Sentiment)
	}
}

func TestAtRiskTableUnknownClientAndCap(t *testing.T) {
	var conversations []*model.Conversation
	for i := 0; i < 30; i++ {
		conv := riskConv(uuid.New(), []model.RiskReason{model.RiskReopened}, nil, i)
		conversations = append(conversations, conv)
	}
	rows := AtRiskTable(conversations, nil, nil, now)
	if len(rows) != 25 {
		t.Fatalf("got %d rows, want cap of 25", len(rows))
	}
	if rows[0].ClientName != "N/A" {
		t.Errorf("unknown client name = %q, want N/A", rows[0].ClientName)
	}
	// Fallback primary tag is the primary reason.
	if rows[0].PrimaryTag != string(model.RiskReopened) {
		t.Errorf("PrimaryTag = %q, want REOPENED fallback", rows[0].PrimaryTag)
	}
}

func assignedConv(agentID uuid.UUID, frtMinutes int, status model.ConversationStatus) *model.Conversation {
	userAt := now.Add(-2 * time.Hour)
	replyAt := userAt.Add(time.Duration(frtMinutes) * time.Minute)
	conv := &model.Conversation{
		ID:                 uuid.New(),
		ClientID:           uuid.New(),
		Status:             status,
		AssignedAgentID:    &agentID,
		FirstUserMessageAt: &userAt,
		FirstAgentReplyAt:  &replyAt,
		LastAgentReplyAt:   &replyAt,
	}
	if status == model.StatusClosed {
		closedAt := replyAt.Add(time.Hour)
		conv.ClosedAt = &closedAt
	}
	return conv
}

func TestAgentRankingWorstFirst(t *testing.T) {
	fast := model.Agent{ID: uuid.New(), Name: "Agente Rapido", Active: true}
	slow := model.Agent{ID: uuid.New(), Name: "Agente Lento", Active: true}
	agents := map[uuid.UUID]model.Agent{fast.ID: fast, slow.ID: slow}
	th := engine.DefaultThresholds()

	good := assignedConv(fast.ID, 5, model.StatusClosed)
	bad := assignedConv(slow.ID, 45, model.StatusContacted)
	bad.RiskReasons = []model.RiskReason{model.RiskStaleFollowUp}
	bad.SentimentLabel = model.SentimentNegative

	rows := AgentRanking([]*model.Conversation{good, bad}, agents, th)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].AgentName != "Agente Lento" {
		t.Fatalf("rows[0] = %s, worst agent must rank first", rows[0].AgentName)
	}
	if rows[0].QualityScore >= rows[1].QualityScore {
		t.Errorf("quality not ascending: %f then %f", rows[0].QualityScore, rows[1].QualityScore)
	}

	worst := rows[0]
	if worst.FRTMedian == nil || *worst.FRTMedian != 45 {
		t.Errorf("FRTMedian = %v, want 45", worst.FRTMedian)
	}
	if worst.SLACompliance != 0 {
		t.Errorf("SLACompliance = %f, want 0", worst.SLACompliance)
	}
	if worst.NegativeRate != 100 {
		t.Errorf("NegativeRate = %f, want 100", worst.NegativeRate)
	}
	if worst.Backlog != 1 {
		t.Errorf("Backlog = %d, want 1", worst.Backlog)
	}

	best := rows[1]
	if best.SLACompliance != 100 {
		t.Errorf("SLACompliance = %f, want 100", best.SLACompliance)
	}
	if best.Backlog != 0 {
		t.Errorf("Backlog = %d, want 0", best.Backlog)
	}
}

func TestAgentRankingNoAssignments(t *testing.T) {
	idle := model.Agent{ID: uuid.New(), Name: "Agente Nuevo", Active: true}
	rows := AgentRanking(nil, map[uuid.UUID]model.Agent{idle.ID: idle}, engine.DefaultThresholds())
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.FRTMedian != nil {
		t.Errorf("FRTMedian = %v, want nil", row.FRTMedian)
	}
	// No assignments means no failures: a clean 100.
	if row.QualityScore != 100 {
		t.Errorf("QualityScore = %f, want 100", row.QualityScore)
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{[]float64{5}, 5},
		{[]float64{1, 9}, 5},
		{[]float64{9, 1, 5}, 5},
		{[]float64{4, 1, 3, 2}, 2.5},
	}
	for _, tt := range tests {
		if got := median(tt.values); math.Abs(got-tt.want) > 0.0001 {
			t.Errorf("median(%v) = %f, want %f", tt.values, got, tt.want)
		}
	}
}

func TestMessagesByHour(t *testing.T) {
	messages := []model.Message{
		{Sender: model.SenderUser, Ts: time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)},
		{Sender: model.SenderUser, Ts: time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC)},
		{Sender: model.SenderUser, Ts: time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)},
		{Sender: model.SenderAgent, Ts: time.Date(2026, 3, 2, 9, 50, 0, 0, time.UTC)},
	}
	buckets := MessagesByHour(messages)
	if len(buckets) != 24 {
		t.Fatalf("got %d buckets, want 24", len(buckets))
	}
	byHour := make(map[int]int)
	for _, b := range buckets {
		byHour[b.Hour] = b.Count
	}
	if byHour[9] != 2 {
		t.Errorf("hour 9 = %d, want 2 (agent messages excluded)", byHour[9])
	}
	if byHour[20] != 1 || byHour[0] != 0 {
		t.Errorf("histogram = %v", byHour)
	}
}

func TestBuildSummaryTopCards(t *testing.T) {
	th := engine.DefaultThresholds()
	clientID := uuid.New()
	clients := map[uuid.UUID]model.Client{clientID: {ID: clientID, Name: "Cliente", Phone: "57300"}}

	userAt := now.Add(-30 * time.Minute)
	replyAt := userAt.Add(5 * time.Minute)
	healthy := &model.Conversation{
		ID: uuid.New(), ClientID: clientID, Status: model.StatusContacted,
		CreatedAt: now.Add(-time.Hour), FirstUserMessageAt: &userAt,
		FirstAgentReplyAt: &replyAt, LastAgentReplyAt: &replyAt,
	}
	flagged := &model.Conversation{
		ID: uuid.New(), ClientID: clientID, Status: model.StatusNew,
		CreatedAt: now.AddDate(0, 0, -1), FirstUserMessageAt: &userAt,
		RiskFlag: true, RiskReasons: []model.RiskReason{model.RiskNoFirstReply},
	}
	lost := &model.Conversation{
		ID: uuid.New(), ClientID: clientID, Status: model.StatusClosed,
		CreatedAt: now.Add(-48 * time.Hour), Outcome: model.OutcomeLost,
		Tags: []string{"precio"}, SentimentLabel: model.SentimentNegative,
	}

	summary := BuildSummary([]*model.Conversation{healthy, flagged, lost}, clients, nil, nil, now, th)

	if len(summary.TopCards) != 6 {
		t.Fatalf("got %d top cards, want 6", len(summary.TopCards))
	}
	cards := make(map[string]map[string]any)
	for _, card := range summary.TopCards {
		cards[fmt.Sprint(card["kpi_id"])] = card
	}
	if cards["KPI_NEW_TODAY"]["value"] != 1 {
		t.Errorf("KPI_NEW_TODAY = %v, want 1", cards["KPI_NEW_TODAY"]["value"])
	}
	if cards["KPI_BACKLOG_PENDING"]["value"] != 2 {
		t.Errorf("KPI_BACKLOG_PENDING = %v, want 2", cards["KPI_BACKLOG_PENDING"]["value"])
	}
	if cards["KPI_AT_RISK"]["value"] != 1 {
		t.Errorf("KPI_AT_RISK = %v, want 1", cards["KPI_AT_RISK"]["value"])
	}
	if got := cards["KPI_FRT_MEDIAN"]["sla_badge"]; got != "OK" {
		t.Errorf("sla_badge = %v, want OK (median 5 <= SLA 10)", got)
	}

	if summary.StatusFunnel["CLOSED"] != 1 || summary.StatusFunnel["NEW"] != 1 {
		t.Errorf("funnel = %v", summary.StatusFunnel)
	}
	if len(summary.TopFailTags) != 1 || summary.TopFailTags[0].Tag != "precio" {
		t.Errorf("TopFailTags = %v, want [precio]", summary.TopFailTags)
	}
	if len(summary.AtRiskTable) != 1 {
		t.Errorf("AtRiskTable = %d rows, want 1", len(summary.AtRiskTable))
	}
}

func TestMetrics(t *testing.T) {
	convID := uuid.New()
	createdAt := now.Add(-3 * time.Hour)
	userAt := createdAt.Add(10 * time.Minute)
	replyAt := userAt.Add(4 * time.Minute)
	closedAt := createdAt.Add(2 * time.Hour)
	conv := &model.Conversation{
		ID: convID, Status: model.StatusClosed, CreatedAt: createdAt,
		ClosedAt: &closedAt, FirstUserMessageAt: &userAt, FirstAgentReplyAt: &replyAt,
	}
	messages := []model.Message{
		{ConversationID: convID, Sender: model.SenderUser, Ts: userAt},
		{ConversationID: convID, Sender: model.SenderAgent, Ts: replyAt},
		{ConversationID: convID, Sender: model.SenderUser, Ts: replyAt.Add(10 * time.Minute)},
		{ConversationID: convID, Sender: model.SenderAgent, Ts: replyAt.Add(16 * time.Minute)},
	}

	metrics := Metrics(messages, conv)
	if metrics.FRTMinutes == nil || *metrics.FRTMinutes != 4 {
		t.Errorf("FRTMinutes = %v, want 4", metrics.FRTMinutes)
	}
	if metrics.ARTAvgMinutes == nil || *metrics.ARTAvgMinutes != 5 { // (4+6)/2
		t.Errorf("ARTAvgMinutes = %v, want 5", metrics.ARTAvgMinutes)
	}
	if metrics.TimeToResolutionMinutes == nil || *metrics.TimeToResolutionMinutes != 120 {
		t.Errorf("TimeToResolutionMinutes = %v, want 120", metrics.TimeToResolutionMinutes)
	}
}

func TestMetricsSparseConversation(t *testing.T) {
	conv := &model.Conversation{ID: uuid.New(), Status: model.StatusNew}
	metrics := Metrics(nil, conv)
	if metrics.FRTMinutes != nil || metrics.ARTAvgMinutes != nil || metrics.TimeToResolutionMinutes != nil {
		t.Errorf("empty conversation produced %+v", metrics)
	}
}
