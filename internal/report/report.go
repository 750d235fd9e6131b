// Package report builds the dashboard aggregates: at-risk triage table,
// agent quality ranking, funnel counts, and KPI cards. Everything here is
// pure computation over rows the caller already fetched; risk flags are
// assumed fresh (callers refresh them first).
package report

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/model"
)

// AtRiskRow is one line of the triage table.
type AtRiskRow struct {
	ConversationID      string           `json:"conversation_id"`
	ClientName          string           `json:"client_name"`
	Phone               string           `json:"phone"`
	Status              string           `json:"status"`
	AgentName           string           `json:"agent_name,omitempty"`
	MinutesWithoutReply *int             `json:"minutes_without_reply"`
	Sentiment           string           `json:"sentiment"`
	PrimaryTag          string           `json:"primary_tag"`
	PrimaryReason       model.RiskReason `json:"primary_reason"`
	PriorityScore       int              `json:"priority_score"`
}

// AtRiskTable lists flagged conversations sorted by (priority score,
// minutes without reply) descending, capped at 25 rows.
func AtRiskTable(conversations []*model.Conversation, clients map[uuid.UUID]model.Client, agents map[uuid.UUID]model.Agent, now time.Time) []AtRiskRow {
	var rows []AtRiskRow
	for _, conv := range conversations {
		if !conv.RiskFlag {
			continue
		}
		row := AtRiskRow{
			ConversationID: conv.ID.String(),
			ClientName:     "N/A",
			Status:         string(conv.Status),
			Sentiment:      "UNKNOWN",
			PriorityScore:  engine.PriorityScore(conv),
		}
		if client, ok := clients[conv.ClientID]; ok {
			row.ClientName = client.Name
			row.Phone = client.Phone
		}
		if conv.AssignedAgentID != nil {
			if agent, ok := agents[*conv.AssignedAgentID]; ok {
				row.AgentName = agent.Name
			}
		}
		if minutes, ok := engine.MinutesWithoutReply(conv, now); ok {
			m := minutes
			row.MinutesWithoutReply = &m
		}
		if conv.SentimentLabel != "" {
			row.Sentiment = string(conv.SentimentLabel)
		}
		if len(conv.RiskReasons) > 0 {
			row.PrimaryReason = conv.RiskReasons[0]
		}
		if len(conv.Tags) > 0 {
			row.PrimaryTag = conv.Tags[0]
		} else if len(conv.RiskReasons) > 0 {
			row.PrimaryTag = string(conv.RiskReasons[0])
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].PriorityScore != rows[j].PriorityScore {
			return rows[i].PriorityScore > rows[j].PriorityScore
		}
		return minutesOrZero(rows[i].MinutesWithoutReply) > minutesOrZero(rows[j].MinutesWithoutReply)
	})
	if len(rows) > 25 {
		rows = rows[:25]
	}
	return rows
}

func minutesOrZero(m *int) int {
	if m == nil {
		return 0
	}
	return *m
}

// AgentRankingRow is one agent's scorecard.
type AgentRankingRow struct {
	AgentID       string   `json:"agent_id"`
	AgentName     string   `json:"agent_name"`
	SLACompliance float64  `json:"sla_compliance"`
	FRTMedian     *float64 `json:"frt_median"`
	Backlog       int      `json:"backlog"`
	NegativeRate  float64  `json:"negative_rate"`
	ReopenRate    float64  `json:"reopen_rate"`
	QualityScore  float64  `json:"quality_score"`
}

// AgentRanking scores every agent from their assigned conversations and
// returns them worst-first (ascending quality score).
func AgentRanking(conversations []*model.Conversation, agents map[uuid.UUID]model.Agent, th engine.Thresholds) []AgentRankingRow {
	var rows []AgentRankingRow
	for _, agent := range sortedAgents(agents) {
		var assigned []*model.Conversation
		for _, conv := range conversations {
			if conv.AssignedAgentID != nil && *conv.AssignedAgentID == agent.ID {
				assigned = append(assigned, conv)
			}
		}

		var frtValues []float64
		for _, conv := range assigned {
			if minutes, ok := engine.FirstReplyMinutes(conv); ok {
				frtValues = append(frtValues, float64(minutes))
			}
		}

		var frtMedian *float64
		if len(frtValues) > 0 {
			m := round2(median(frtValues))
			frtMedian = &m
		}

		slaHits := 0
		for _, v := range frtValues {
			if v <= float64(th.FirstReplySLA) {
				slaHits++
			}
		}
		slaCompliance := 0.0
		if len(frtValues) > 0 {
			slaCompliance = round2(float64(slaHits) / float64(len(frtValues)) * 100)
		}

		backlog := 0
		for _, conv := range assigned {
			if conv.Status != model.StatusClosed {
				backlog++
			}
		}

		analyzed, negative := 0, 0
		for _, conv := range assigned {
			if conv.SentimentLabel != "" {
				analyzed++
				if conv.SentimentLabel == model.SentimentNegative {
					negative++
				}
			}
		}
		negativeRate := 0.0
		if analyzed > 0 {
			negativeRate = float64(negative) / float64(analyzed)
		}

		closed, reopened := 0, 0
		for _, conv := range assigned {
			if conv.ClosedAt != nil || conv.Status == model.StatusClosed {
				closed++
				if conv.ReopenedCount > 0 {
					reopened++
				}
			}
		}
		reopenRate := 0.0
		if closed > 0 {
			reopenRate = float64(reopened) / float64(closed)
		}

		overdue := 0
		for _, conv := range assigned {
			if conv.HasRiskReason(model.RiskNoFirstReply) || conv.HasRiskReason(model.RiskStaleFollowUp) {
				overdue++
			}
		}
		overdueRate := 0.0
		frtRatio := 0.0
		if len(assigned) > 0 {
			overdueRate = float64(overdue) / float64(len(assigned))
			effectiveFRT := float64(th.FirstReplySLA)
			if frtMedian != nil {
				effectiveFRT = *frtMedian
			}
			frtRatio = effectiveFRT / float64(th.FirstReplySLA)
		}

		rows = append(rows, AgentRankingRow{
			AgentID:       agent.ID.String(),
			AgentName:     agent.Name,
			SLACompliance: slaCompliance,
			FRTMedian:     frtMedian,
			Backlog:       backlog,
			NegativeRate:  round2(negativeRate * 100),
			ReopenRate:    round2(reopenRate * 100),
			QualityScore:  round2(engine.QualityScore(overdueRate, negativeRate, reopenRate, frtRatio)),
		})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].QualityScore < rows[j].QualityScore })
	return rows
}

func sortedAgents(agents map[uuid.UUID]model.Agent) []model.Agent {
	out := make([]model.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// HourCount is one bucket of the inbound-message histogram.
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// MessagesByHour buckets counterpart messages by hour of day, 0-23.
func MessagesByHour(messages []model.Message) []HourCount {
	counts := make(map[int]int)
	for _, m := range messages {
		if m.Sender == model.SenderUser {
			counts[m.Ts.Hour()]++
		}
	}
	out := make([]HourCount, 24)
	for hour := 0; hour < 24; hour++ {
		out[hour] = HourCount{Hour: hour, Count: counts[hour]}
	}
	return out
}
