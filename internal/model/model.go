// Package model defines the persistent entities and closed enumerations of
// the CRM core: conversations, messages, clients, agents, and the derived
// risk vocabulary.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation. Only the
// Closed → ReEngagement transition is driven by the message engine; all
// other transitions come from the CRUD API.
type ConversationStatus string

const (
	StatusNew          ConversationStatus = "NEW"
	StatusContacted    ConversationStatus = "CONTACTED"
	StatusInterested   ConversationStatus = "INTERESTED"
	StatusNegotiation  ConversationStatus = "NEGOTIATION"
	StatusClosed       ConversationStatus = "CLOSED"
	StatusSupport      ConversationStatus = "SUPPORT"
	StatusReEngagement ConversationStatus = "REENGAGEMENT"
)

// Valid reports whether s is a known lifecycle state.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusNew, StatusContacted, StatusInterested, StatusNegotiation,
		StatusClosed, StatusSupport, StatusReEngagement:
		return true
	}
	return false
}

// AllStatuses lists every lifecycle state in funnel order.
var AllStatuses = []ConversationStatus{
	StatusNew, StatusContacted, StatusInterested, StatusNegotiation,
	StatusReEngagement, StatusSupport, StatusClosed,
}

// MessageSender identifies who authored a message.
type MessageSender string

const (
	SenderUser  MessageSender = "USER"
	SenderAgent MessageSender = "AGENT"
	SenderBot   MessageSender = "BOT"
)

func (s MessageSender) Valid() bool {
	switch s {
	case SenderUser, SenderAgent, SenderBot:
		return true
	}
	return false
}

// Outcome records how a closed conversation ended.
type Outcome string

const (
	OutcomeUnknown     Outcome = "UNKNOWN"
	OutcomeWon         Outcome = "WON"
	OutcomeLost        Outcome = "LOST"
	OutcomeUnqualified Outcome = "UNQUALIFIED"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeUnknown, OutcomeWon, OutcomeLost, OutcomeUnqualified:
		return true
	}
	return false
}

// SentimentLabel is the cached analyzer verdict for a conversation.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "POSITIVE"
	SentimentNeutral  SentimentLabel = "NEUTRAL"
	SentimentNegative SentimentLabel = "NEGATIVE"
)

// RiskReason is a derivable at-risk condition. Reason order in
// Conversation.RiskReasons follows detection order and the first entry is
// the primary reason shown in the at-risk table.
type RiskReason string

const (
	RiskNoFirstReply      RiskReason = "NO_FIRST_REPLY"
	RiskStaleFollowUp     RiskReason = "STALE_FOLLOW_UP"
	RiskNegativeSentiment RiskReason = "NEGATIVE_SENTIMENT"
	RiskReopened          RiskReason = "REOPENED"
)

// Agent is a human operator who can be assigned conversations.
type Agent struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
}

// Client is the counterpart identity behind one or more conversations,
// keyed by normalized phone.
type Client struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Company   string    `json:"company,omitempty"`
	City      string    `json:"city"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is one open/closed thread tied to one client. The *At
// pointers are nil until first observed. RiskFlag and RiskReasons are fully
// derived; they are only ever written by the risk engine.
type Conversation struct {
	ID                 uuid.UUID          `json:"id"`
	ClientID           uuid.UUID          `json:"client_id"`
	Status             ConversationStatus `json:"status"`
	AssignedAgentID    *uuid.UUID         `json:"assigned_agent_id,omitempty"`
	Outcome            Outcome            `json:"outcome"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	ClosedAt           *time.Time         `json:"closed_at,omitempty"`
	ReopenedCount      int                `json:"reopened_count"`
	LastMessageAt      time.Time          `json:"last_message_at"`
	FirstUserMessageAt *time.Time         `json:"first_user_message_at,omitempty"`
	FirstAgentReplyAt  *time.Time         `json:"first_agent_reply_at,omitempty"`
	LastAgentReplyAt   *time.Time         `json:"last_agent_reply_at,omitempty"`
	SummaryJSON        []byte             `json:"-"`
	SentimentLabel     SentimentLabel     `json:"sentiment_label,omitempty"`
	SentimentScore     *int               `json:"sentiment_score,omitempty"`
	Tags               []string           `json:"tags"`
	RiskFlag           bool               `json:"risk_flag"`
	RiskReasons        []RiskReason       `json:"risk_reasons"`
}

// HasTag reports whether the conversation carries the given analyzer tag.
func (c *Conversation) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasRiskReason reports whether the given reason is currently derived.
func (c *Conversation) HasRiskReason(r RiskReason) bool {
	for _, reason := range c.RiskReasons {
		if reason == r {
			return true
		}
	}
	return false
}

// Message is one immutable communication event. Ordering within a
// conversation is by Ts, not insertion order.
type Message struct {
	ID                uuid.UUID     `json:"id"`
	ConversationID    uuid.UUID     `json:"conversation_id"`
	Sender            MessageSender `json:"sender"`
	Text              string        `json:"text"`
	Ts                time.Time     `json:"ts"`
	OutOfHours        bool          `json:"out_of_hours"`
	Provider          string        `json:"provider"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
}
