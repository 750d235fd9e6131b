package report

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/model"
)

// TagCount is one entry of the most-common-tags lists.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// ReasonCount is one entry of the at-risk reason split.
type ReasonCount struct {
	Reason model.RiskReason `json:"reason"`
	Count  int              `json:"count"`
}

// Summary is the full dashboard payload.
type Summary struct {
	TopCards       []map[string]any  `json:"top_cards"`
	AtRiskTable    []AtRiskRow       `json:"at_risk_table"`
	TopFailTags    []TagCount        `json:"top_fail_tags"`
	StatusFunnel   map[string]int    `json:"status_funnel"`
	AgentRanking   []AgentRankingRow `json:"agent_ranking"`
	OutOfHoursRate float64           `json:"out_of_hours_rate"`
	MessagesByHour []HourCount       `json:"messages_by_hour"`
}

// BuildSummary assembles the dashboard from already-fetched rows. Risk
// flags must be fresh.
func BuildSummary(conversations []*model.Conversation, clients map[uuid.UUID]model.Client, agents map[uuid.UUID]model.Agent, messages []model.Message, now time.Time, th engine.Thresholds) Summary {
	newToday, newYesterday := 0, 0
	today := now.Truncate(24 * time.Hour)
	yesterday := today.AddDate(0, 0, -1)
	for _, conv := range conversations {
		created := conv.CreatedAt.Truncate(24 * time.Hour)
		switch {
		case created.Equal(today):
			newToday++
		case created.Equal(yesterday):
			newYesterday++
		}
	}

	var backlog, atRisk []*model.Conversation
	for _, conv := range conversations {
		if conv.Status != model.StatusClosed {
			backlog = append(backlog, conv)
		}
		if conv.RiskFlag {
			atRisk = append(atRisk, conv)
		}
	}

	var frtValues []float64
	for _, conv := range conversations {
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

	analyzed, negative := 0, 0
	for _, conv := range conversations {
		if conv.SentimentLabel != "" {
			analyzed++
			if conv.SentimentLabel == model.SentimentNegative {
				negative++
			}
		}
	}
	negativeRate := 0.0
	if analyzed > 0 {
		negativeRate = round2(float64(negative) / float64(analyzed) * 100)
	}

	reasonCounts := make(map[model.RiskReason]int)
	for _, conv := range atRisk {
		for _, reason := range conv.RiskReasons {
			reasonCounts[reason]++
		}
	}
	reasonSplit := topReasons(reasonCounts, 5)

	tagCounts := make(map[string]int)
	for _, conv := range conversations {
		if conv.SentimentLabel == model.SentimentNegative || conv.Outcome == model.OutcomeLost {
			for _, tag := range conv.Tags {
				tagCounts[tag]++
			}
		}
	}

	funnel := make(map[string]int, len(model.AllStatuses))
	for _, status := range model.AllStatuses {
		funnel[string(status)] = 0
	}
	for _, conv := range conversations {
		funnel[string(conv.Status)]++
	}
	backlogBreakdown := make(map[string]int)
	for status, count := range funnel {
		if status != string(model.StatusClosed) && count > 0 {
			backlogBreakdown[status] = count
		}
	}

	userMessages, outOfHours := 0, 0
	for _, m := range messages {
		if m.Sender == model.SenderUser {
			userMessages++
			if m.OutOfHours {
				outOfHours++
			}
		}
	}
	outOfHoursRate := 0.0
	if userMessages > 0 {
		outOfHoursRate = round2(float64(outOfHours) / float64(userMessages) * 100)
	}

	slaBadge := "ALERTA"
	if frtMedian != nil && *frtMedian <= float64(th.FirstReplySLA) {
		slaBadge = "OK"
	}
	topCards := []map[string]any{
		{
			"kpi_id":             "KPI_NEW_TODAY",
			"label":              "Conversaciones nuevas (hoy)",
			"value":              newToday,
			"delta_vs_yesterday": newToday - newYesterday,
		},
		{
			"kpi_id":              "KPI_BACKLOG_PENDING",
			"label":               "Pendientes (Backlog)",
			"value":               len(backlog),
			"breakdown_by_status": backlogBreakdown,
		},
		{
			"kpi_id":       "KPI_AT_RISK",
			"label":        "En riesgo",
			"value":        len(atRisk),
			"reason_split": reasonSplit,
		},
		{
			"kpi_id":        "KPI_FRT_MEDIAN",
			"label":         "Primera respuesta (mediana)",
			"value_minutes": frtMedian,
			"sla_minutes":   th.FirstReplySLA,
			"sla_badge":     slaBadge,
		},
		{
			"kpi_id":    "KPI_SLA_COMPLIANCE",
			"label":     "% Cumplimiento SLA",
			"value_pct": slaCompliance,
		},
		{
			"kpi_id":    "KPI_NEGATIVE_RATE",
			"label":     "% Sentimiento negativo",
			"value_pct": negativeRate,
		},
	}

	return Summary{
		TopCards:       topCards,
		AtRiskTable:    AtRiskTable(conversations, clients, agents, now),
		TopFailTags:    topTags(tagCounts, 5),
		StatusFunnel:   funnel,
		AgentRanking:   AgentRanking(conversations, agents, th),
		OutOfHoursRate: outOfHoursRate,
		MessagesByHour: MessagesByHour(messages),
	}
}

func topTags(counts map[string]int, limit int) []TagCount {
	out := make([]TagCount, 0, len(counts))
	for tag, count := range counts {
		out = append(out, TagCount{Tag: tag, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topReasons(counts map[model.RiskReason]int, limit int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ConversationMetrics are the per-thread response-time figures shown on the
// detail view.
type ConversationMetrics struct {
	FRTMinutes              *int     `json:"frt_minutes"`
	ARTAvgMinutes           *float64 `json:"art_avg_minutes"`
	TimeToResolutionMinutes *int     `json:"time_to_resolution_minutes"`
	PriorityScore           int      `json:"priority_score"`
}

// Metrics computes first-response, average-response, and resolution times
// for one conversation from its ts-ordered messages.
func Metrics(messages []model.Message, conv *model.Conversation) ConversationMetrics {
	sorted := append([]model.Message(nil), messages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	var responseTimes []int
	var waitingSince *time.Time
	for _, m := range sorted {
		switch m.Sender {
		case model.SenderUser:
			t := m.Ts
			waitingSince = &t
		case model.SenderAgent:
			if waitingSince != nil {
				responseTimes = append(responseTimes, engine.MinutesBetween(*waitingSince, m.Ts))
				waitingSince = nil
			}
		}
	}

	metrics := ConversationMetrics{PriorityScore: engine.PriorityScore(conv)}
	if minutes, ok := engine.FirstReplyMinutes(conv); ok {
		metrics.FRTMinutes = &minutes
	}
	if len(responseTimes) > 0 {
		total := 0
		for _, v := range responseTimes {
			total += v
		}
		avg := round2(float64(total) / float64(len(responseTimes)))
		metrics.ARTAvgMinutes = &avg
	}
	if conv.ClosedAt != nil {
		ttr := engine.MinutesBetween(conv.CreatedAt, *conv.ClosedAt)
		metrics.TimeToResolutionMinutes = &ttr
	}
	return metrics
}
