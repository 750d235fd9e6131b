// Package engine holds the pure conversation lifecycle and risk math. No
// I/O, no clocks of its own: callers pass event timestamps and "now", so
// every function here is deterministic and safe to recompute at will.
package engine

import (
	"time"

	"github.com/theteta/controltower/internal/model"
)

// Thresholds configures the SLA windows, in minutes.
type Thresholds struct {
	FirstReplySLA   int // first-reply target used for compliance reporting
	OverdueNew      int // minutes without any agent reply before NO_FIRST_REPLY
	OverdueFollowUp int // minutes since last agent reply before STALE_FOLLOW_UP
}

// DefaultThresholds returns the stock SLA windows: 10 minute first-reply
// target, 15 minutes to first-reply breach, 60 minutes to follow-up breach.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FirstReplySLA:   10,
		OverdueNew:      15,
		OverdueFollowUp: 60,
	}
}

// ApplyMessage folds one accepted message into the conversation's derived
// fields. It must only be called for messages that passed deduplication.
//
// Monotonicity rules: an out-of-order (older) message may still pull the
// "first seen" fields backward, but never regresses LastMessageAt or
// LastAgentReplyAt, and never triggers a reopen; only the newest message
// seen so far can do that.
func ApplyMessage(conv *model.Conversation, sender model.MessageSender, ts time.Time, now time.Time) {
	isNewest := conv.LastMessageAt.IsZero() || !ts.Before(conv.LastMessageAt)

	if sender == model.SenderUser && conv.Status == model.StatusClosed && isNewest {
		conv.Status = model.StatusReEngagement
		conv.ClosedAt = nil
		conv.ReopenedCount++
	}

	if sender == model.SenderUser {
		if conv.FirstUserMessageAt == nil || ts.Before(*conv.FirstUserMessageAt) {
			t := ts
			conv.FirstUserMessageAt = &t
		}
	}

	if sender == model.SenderAgent {
		// A reply only counts once the user has actually written something.
		if conv.FirstUserMessageAt != nil &&
			(conv.FirstAgentReplyAt == nil || ts.Before(*conv.FirstAgentReplyAt)) {
			t := ts
			conv.FirstAgentReplyAt = &t
		}
		if conv.LastAgentReplyAt == nil || ts.After(*conv.LastAgentReplyAt) {
			t := ts
			conv.LastAgentReplyAt = &t
		}
	}

	if conv.LastMessageAt.IsZero() || ts.After(conv.LastMessageAt) {
		conv.LastMessageAt = ts
	}
	conv.UpdatedAt = now
}

// followUpStatuses are the states in which a silent agent counts as a
// stale follow-up.
var followUpStatuses = map[model.ConversationStatus]bool{
	model.StatusContacted:    true,
	model.StatusInterested:   true,
	model.StatusNegotiation:  true,
	model.StatusReEngagement: true,
	model.StatusSupport:      true,
}

// RecalculateRisk recomputes RiskReasons and RiskFlag from scratch. It is
// idempotent for a fixed now; reasons always appear in detection order:
// NO_FIRST_REPLY, STALE_FOLLOW_UP, NEGATIVE_SENTIMENT, REOPENED.
func RecalculateRisk(conv *model.Conversation, now time.Time, th Thresholds) {
	var reasons []model.RiskReason

	if conv.FirstUserMessageAt != nil && conv.FirstAgentReplyAt == nil {
		if MinutesSince(*conv.FirstUserMessageAt, now) > th.OverdueNew {
			reasons = append(reasons, model.RiskNoFirstReply)
		}
	}

	if followUpStatuses[conv.Status] && conv.LastAgentReplyAt != nil {
		if MinutesSince(*conv.LastAgentReplyAt, now) > th.OverdueFollowUp {
			reasons = append(reasons, model.RiskStaleFollowUp)
		}
	}

	if conv.SentimentLabel == model.SentimentNegative {
		reasons = append(reasons, model.RiskNegativeSentiment)
	}

	if conv.ReopenedCount > 0 {
		reasons = append(reasons, model.RiskReopened)
	}

	conv.RiskReasons = reasons
	conv.RiskFlag = len(reasons) > 0
}

// PriorityScore ranks a conversation for triage from its current risk
// reasons and tags. Higher is more urgent; the value is an ordering key,
// not a probability.
func PriorityScore(conv *model.Conversation) int {
	score := 0
	if conv.HasRiskReason(model.RiskNoFirstReply) || conv.HasRiskReason(model.RiskStaleFollowUp) {
		score += 40
	}
	if conv.HasRiskReason(model.RiskNegativeSentiment) {
		score += 30
	}
	if conv.HasRiskReason(model.RiskReopened) {
		score += 20
	}
	if conv.HasTag("plan_pro") {
		score += 10
	}
	return score
}

// QualityScore grades an agent from their failure rates. All inputs are
// rates in [0,1] except frtRatio (median first-reply time over the SLA
// target). Result is clamped to [0,100]; lower is worse.
func QualityScore(overdueRate, negativeRate, reopenRate, frtRatio float64) float64 {
	score := 100.0 - (40*overdueRate + 30*negativeRate + 20*reopenRate + 10*frtRatio)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// IsOutOfHours reports whether ts falls outside business hours:
// Mon-Fri 08:00-18:00, Sat 08:00-13:00, Sunday closed.
func IsOutOfHours(ts time.Time) bool {
	hour := ts.Hour()
	switch ts.Weekday() {
	case time.Sunday:
		return true
	case time.Saturday:
		return hour < 8 || hour >= 13
	default:
		return hour < 8 || hour >= 18
	}
}

// MinutesBetween returns whole minutes from earlier to later, truncated
// toward zero and floored at 0.
func MinutesBetween(earlier, later time.Time) int {
	minutes := int(later.Sub(earlier).Seconds() / 60)
	if minutes < 0 {
		return 0
	}
	return minutes
}

// MinutesSince is MinutesBetween(ts, now).
func MinutesSince(ts, now time.Time) int {
	return MinutesBetween(ts, now)
}

// FirstReplyMinutes returns the first-response time in minutes, false when
// either endpoint has not been observed yet.
func FirstReplyMinutes(conv *model.Conversation) (int, bool) {
	if conv.FirstUserMessageAt == nil || conv.FirstAgentReplyAt == nil {
		return 0, false
	}
	return MinutesBetween(*conv.FirstUserMessageAt, *conv.FirstAgentReplyAt), true
}

// MinutesWithoutReply returns how long the conversation has been waiting on
// an agent: since the last agent reply, or since the first user message if
// no agent has ever replied. False when neither anchor exists.
func MinutesWithoutReply(conv *model.Conversation, now time.Time) (int, bool) {
	anchor := conv.LastAgentReplyAt
	if anchor == nil {
		anchor = conv.FirstUserMessageAt
	}
	if anchor == nil {
		return 0, false
	}
	return MinutesSince(*anchor, now), true
}
