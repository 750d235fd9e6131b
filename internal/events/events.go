// Package events publishes operational CRM signals over NATS so downstream
// consumers (alerting, assignment, analytics) can react to ingest activity
// without polling the API. The bus is optional: a nil *Bus is a no-op.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectMessageIngested     = "crm.message.ingested"
	SubjectConversationCreated = "crm.conversation.created"
	SubjectConversationReopen  = "crm.conversation.reopened"
	SubjectConversationRisk    = "crm.conversation.risk"
)

type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func Connect(url, token string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Bus{conn: nc, logger: logger}, nil
}

// Publish marshals data as JSON and fires it at subject. Safe on a nil
// receiver so callers never need to branch on bus availability.
func (b *Bus) Publish(subject string, data any) error {
	if b == nil || b.conn == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

func (b *Bus) Close() {
	if b != nil && b.conn != nil {
		b.conn.Close()
	}
}
