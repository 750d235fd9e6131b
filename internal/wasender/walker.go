package wasender

import (
	"sort"
	"strings"
	"time"

	"github.com/theteta/controltower/internal/model"
)

// maxWalkDepth bounds recursion through nested envelopes; deeper branches
// are abandoned, not errored.
const maxWalkDepth = 6

// markerKeys flag a node as message-shaped: one hit is enough to yield it
// as a candidate.
var markerKeys = []string{
	"message", "text", "body", "fromMe", "from", "to",
	"key", "wa_id", "id", "jid", "conversationTimestamp",
}

// wrapperKeys are the well-known envelope fields the walker descends into
// regardless of whether the node itself was yielded. They cover the
// provider's direct-webhook and batched-log delivery shapes.
var wrapperKeys = []string{"data", "payload", "messages", "message", "entry", "changes", "value"}

// MessageNodes walks an envelope of unknown nesting and yields every
// candidate message-shaped node, in traversal order. Callers are expected
// to sort by derived timestamp afterward.
func MessageNodes(payload any) []map[string]any {
	var nodes []map[string]any
	walkNodes(payload, 0, &nodes)
	return nodes
}

func walkNodes(payload any, depth int, out *[]map[string]any) {
	if depth > maxWalkDepth {
		return
	}
	switch v := payload.(type) {
	case []any:
		for _, item := range v {
			walkNodes(item, depth+1, out)
		}
	case map[string]any:
		for _, key := range markerKeys {
			if _, ok := v[key]; ok {
				*out = append(*out, v)
				break
			}
		}
		for _, key := range wrapperKeys {
			if nested, ok := v[key]; ok && nested != nil {
				walkNodes(nested, depth+1, out)
			}
		}
	}
}

// ExtractWebhookMessages normalizes every candidate node in a webhook
// envelope. The envelope's event name decides the default direction for
// nodes that carry none: "received"/"inbound" events default to USER,
// everything else to AGENT. Duplicate candidates within the envelope are
// dropped by dedup key and results are sorted by timestamp ascending.
func ExtractWebhookMessages(payload map[string]any) []ProviderMessage {
	event := strings.ToLower(strings.TrimSpace(stringifyOrEmpty(payload["event"])))
	defaultSender := model.SenderAgent
	if strings.Contains(event, "received") || strings.Contains(event, "inbound") {
		defaultSender = model.SenderUser
	}

	var parsed []ProviderMessage
	seen := make(map[string]bool)
	for _, node := range MessageNodes(payload) {
		message, ok := NormalizeMessage(node, defaultSender)
		if !ok {
			continue
		}
		key := message.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		parsed = append(parsed, message)
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Ts.Before(parsed[j].Ts) })
	return parsed
}

// ChatUpdate is a conversation-level touch event: the provider saw activity
// for a chat without delivering its messages.
type ChatUpdate struct {
	WaID string
	Ts   time.Time
}

// ExtractChatUpdates pulls chat touch events from envelopes whose event
// name mentions "chat". Non-chat events yield nothing.
func ExtractChatUpdates(payload map[string]any) []ChatUpdate {
	event := strings.ToLower(strings.TrimSpace(stringifyOrEmpty(payload["event"])))
	if !strings.Contains(event, "chat") {
		return nil
	}

	var updates []ChatUpdate
	seen := make(map[string]bool)
	for _, node := range MessageNodes(payload) {
		waID := NormalizeWaID(firstPresentValues(
			node["id"],
			node["jid"],
			nestedGet(node, "key.remoteJid"),
			node["wa_id"],
		))
		if waID == "" {
			continue
		}
		ts := ParseTimestamp(firstPresent(node,
			"conversationTimestamp", "timestamp", "created_at", "updated_at"))
		key := waID + "|" + ts.Format(time.RFC3339Nano)
		if seen[key] {
			continue
		}
		seen[key] = true
		updates = append(updates, ChatUpdate{WaID: waID, Ts: ts})
	}
	return updates
}

// DataRows extracts the list payload of a paged API response, tolerating
// the provider's assorted wrapper shapes.
func DataRows(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		return onlyObjects(v)
	case map[string]any:
		for _, key := range []string{"data", "items", "results", "rows", "logs", "contacts"} {
			switch nested := v[key].(type) {
			case []any:
				return onlyObjects(nested)
			case map[string]any:
				if rows := DataRows(nested); len(rows) > 0 {
					return rows
				}
			}
		}
	}
	return nil
}

func onlyObjects(items []any) []map[string]any {
	var rows []map[string]any
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			rows = append(rows, obj)
		}
	}
	return rows
}
