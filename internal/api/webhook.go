package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// webhookWasender is the unauthenticated provider intake. It is protected
// by a shared token instead of a bearer session: the provider sends it in
// the X-Webhook-Token header (or a token query parameter for providers
// that cannot set headers).
func (s *Server) webhookWasender(w http.ResponseWriter, r *http.Request) {
	expected := s.cfg.WasenderWebhookToken
	if expected == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook token not configured")
		return
	}
	got := r.Header.Get("X-Webhook-Token")
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}
	s.handleWebhookBody(w, r)
}

// webhookMock lets demo environments inject provider-shaped payloads
// without a token. Disabled outside demo mode.
func (s *Server) webhookMock(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowDemoRoutes {
		writeError(w, http.StatusForbidden, "demo routes are disabled")
		return
	}
	s.handleWebhookBody(w, r)
}

func (s *Server) handleWebhookBody(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stats, err := s.ingestor.HandleWebhook(r.Context(), payload)
	if err != nil {
		s.fail(w, "handle webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inserted_messages":     stats.InsertedMessages,
		"conversations_touched": stats.ConversationsTouched,
	})
}
