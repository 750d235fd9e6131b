// Package wasender talks to the Wasender WhatsApp gateway: it normalizes
// the provider's loosely-structured webhook and log payloads into canonical
// messages, and wraps the HTTP API for history paging and outbound sends.
//
// Payloads arrive in several historical dialects with no fixed schema, so
// normalization is an ordered chain of typed extraction attempts per field.
// Extraction never fails hard: unusable candidates are dropped, malformed
// timestamps degrade to "now".
package wasender

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/theteta/controltower/internal/model"
)

// ProviderMessage is the canonical output of normalization: the sole
// contract between the provider layer and the conversation layer. It is
// never persisted as-is.
type ProviderMessage struct {
	WaID              string
	Text              string
	Ts                time.Time
	Sender            model.MessageSender
	ProviderMessageID string
}

// DedupKey returns the key used to spot re-deliveries within one ingestion
// batch: the provider id when present, otherwise a structural fallback over
// (wa_id, sender, ts, text).
func (m ProviderMessage) DedupKey() string {
	if m.ProviderMessageID != "" {
		return m.ProviderMessageID
	}
	return fmt.Sprintf("%s|%s|%s|%s", m.WaID, m.Sender, m.Ts.UTC().Format(time.RFC3339Nano), m.Text)
}

// NormalizeWaID strips a @domain suffix from a provider-qualified
// identifier and keeps digits only. When no digits survive, the trimmed
// original is returned unchanged, so the function is idempotent and never
// fails.
func NormalizeWaID(value any) string {
	if value == nil {
		return ""
	}
	raw := strings.TrimSpace(stringify(value))
	if raw == "" {
		return ""
	}
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return raw
	}
	return digits.String()
}

// millisThreshold disambiguates epoch seconds from epoch milliseconds:
// anything above it is treated as milliseconds.
const millisThreshold = 10_000_000_000

// ParseTimestamp normalizes a provider timestamp to UTC. It accepts numeric
// epoch seconds or milliseconds, numeric strings, and ISO-8601 strings
// (trailing Z included). Anything unparseable degrades to now.
func ParseTimestamp(value any) time.Time {
	now := time.Now().UTC()
	if value == nil {
		return now
	}

	switch v := value.(type) {
	case float64:
		return epochToUTC(v)
	case int64:
		return epochToUTC(float64(v))
	case int:
		return epochToUTC(float64(v))
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return epochToUTC(f)
		}
		return now
	}

	raw := strings.TrimSpace(stringify(value))
	if raw == "" {
		return now
	}
	if isDigits(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return epochToUTC(f)
		}
		return now
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return now
}

func epochToUTC(numeric float64) time.Time {
	if numeric > millisThreshold {
		numeric = numeric / 1000.0
	}
	sec := int64(numeric)
	nsec := int64((numeric - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		// Provider ids sometimes arrive as numbers; avoid the 1e+12 form.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// coerceJSON parses a JSON-encoded string into its value; non-JSON strings
// and non-strings pass through unchanged.
func coerceJSON(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return value
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return value
	}
	return parsed
}

// nestedGet walks a dot path through nested objects, returning nil on any
// miss.
func nestedGet(data map[string]any, path string) any {
	var value any = data
	for _, part := range strings.Split(path, ".") {
		obj, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value = obj[part]
	}
	return value
}

// boolLike maps booleans and tolerant truthy/falsy strings and numbers to a
// tri-state. Unknown shapes return (false, false).
func boolLike(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
		return false, false
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f != 0, true
		}
	}
	return false, false
}

// extractText pulls display text out of an arbitrarily wrapped node: plain
// strings, first non-empty list element, direct text-ish keys, a nested
// message object, and the extended-text / image-caption wrappers.
func extractText(value any) string {
	node := coerceJSON(value)
	switch v := node.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []any:
		for _, item := range v {
			if text := extractText(item); text != "" {
				return text
			}
		}
		return ""
	case map[string]any:
		for _, key := range []string{"text", "conversation", "body", "caption", "content"} {
			if text := extractText(v[key]); text != "" {
				return text
			}
		}
		if message, ok := v["message"]; ok {
			if text := extractText(message); text != "" {
				return text
			}
		}
		if extended, ok := v["extendedTextMessage"].(map[string]any); ok {
			if text := extractText(extended["text"]); text != "" {
				return text
			}
		}
		if image, ok := v["imageMessage"].(map[string]any); ok {
			if text := extractText(image["caption"]); text != "" {
				return text
			}
		}
		return ""
	default:
		return ""
	}
}

// NormalizeMessage maps one candidate payload node to a canonical message.
// It returns (zero, false) when the node does not look like a message:
// no resolvable counterpart id or no text. That is the uniform rejection
// signal; it never errors.
func NormalizeMessage(payload any, defaultSender model.MessageSender) (ProviderMessage, bool) {
	candidate, ok := coerceJSON(payload).(map[string]any)
	if !ok {
		return ProviderMessage{}, false
	}

	sender := resolveSender(candidate, defaultSender)

	waID := resolveWaID(candidate, sender)
	if waID == "" {
		return ProviderMessage{}, false
	}

	text := firstText(candidate)
	if text == "" {
		return ProviderMessage{}, false
	}

	ts := ParseTimestamp(firstPresent(candidate,
		"timestamp", "messageTimestamp", "created_at", "updated_at", "ts", "date"))

	var providerID string
	if raw := firstPresentValues(
		candidate["message_id"],
		candidate["id"],
		nestedGet(candidate, "key.id"),
		nestedGet(candidate, "message.id"),
	); raw != nil {
		providerID = stringify(raw)
	}

	return ProviderMessage{
		WaID:              waID,
		Text:              text,
		Ts:                ts,
		Sender:            sender,
		ProviderMessageID: providerID,
	}, true
}

// resolveSender infers direction from a from-me flag in its known
// locations, then an explicit direction string, then the caller default.
func resolveSender(candidate map[string]any, defaultSender model.MessageSender) model.MessageSender {
	flagRaw := firstPresentValues(
		candidate["fromMe"],
		candidate["from_me"],
		candidate["isOutgoing"],
		nestedGet(candidate, "key.fromMe"),
	)
	fromMe, fromMeKnown := boolLike(flagRaw)

	direction := strings.ToLower(strings.TrimSpace(stringifyOrEmpty(candidate["direction"])))

	switch {
	case fromMeKnown && fromMe, direction == "outbound", direction == "sent":
		return model.SenderAgent
	case fromMeKnown && !fromMe, direction == "inbound", direction == "received":
		return model.SenderUser
	default:
		return defaultSender
	}
}

// resolveWaID walks the direction-dependent candidate field list and
// returns the first non-empty normalized identifier.
func resolveWaID(candidate map[string]any, sender model.MessageSender) string {
	var values []any
	if sender == model.SenderAgent {
		values = []any{
			candidate["to"],
			candidate["recipient"],
			nestedGet(candidate, "key.remoteJid"),
			candidate["jid"],
			candidate["wa_id"],
		}
	} else {
		values = []any{
			candidate["from"],
			candidate["author"],
			nestedGet(candidate, "key.remoteJid"),
			nestedGet(candidate, "key.participant"),
			candidate["jid"],
			candidate["wa_id"],
		}
	}
	for _, v := range values {
		if v == nil {
			continue
		}
		if normalized := NormalizeWaID(v); normalized != "" {
			return normalized
		}
	}
	return ""
}

func firstText(candidate map[string]any) string {
	for _, key := range []string{"text", "message", "body", "content", "data"} {
		if text := extractText(candidate[key]); text != "" {
			return text
		}
	}
	return extractText(candidate)
}

func firstPresent(candidate map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := candidate[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstPresentValues(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func stringifyOrEmpty(value any) string {
	if value == nil {
		return ""
	}
	return stringify(value)
}
