package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/theteta/controltower/internal/auth"
	"github.com/theteta/controltower/internal/config"
	"github.com/theteta/controltower/internal/engine"
)

func testServer(cfg config.Config) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authenticator := auth.New("admin", "secreto123", "", "signing-key", time.Hour)
	return NewServer(cfg, Deps{Auth: authenticator}, engine.DefaultThresholds(), logger)
}

func TestHealth(t *testing.T) {
	srv := testServer(config.Config{Port: 8760})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestLogin(t *testing.T) {
	srv := testServer(config.Config{Port: 8760})

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"username":"admin","password":"secreto123"}`, http.StatusOK},
		{"wrong password", `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"wrong user", `{"username":"root","password":"secreto123"}`, http.StatusUnauthorized},
		{"malformed body", `{"username":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var token auth.Token
				if err := json.NewDecoder(rec.Body).Decode(&token); err != nil || token.AccessToken == "" {
					t.Errorf("no token in response: %v", err)
				}
			}
		})
	}
}

func TestBearerAuthMiddleware(t *testing.T) {
	srv := testServer(config.Config{Port: 8760})

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestWebhookTokenGate(t *testing.T) {
	unconfigured := testServer(config.Config{Port: 8760})
	req := httptest.NewRequest(http.MethodPost, "/webhook/wasender", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	unconfigured.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured token: status = %d, want 503", rec.Code)
	}

	srv := testServer(config.Config{Port: 8760, WasenderWebhookToken: "hook-secret"})

	req = httptest.NewRequest(http.MethodPost, "/webhook/wasender", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Token", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/wasender", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", rec.Code)
	}
}

func TestDemoRoutesGated(t *testing.T) {
	srv := testServer(config.Config{Port: 8760})
	token := "Bearer " + auth.New("admin", "secreto123", "", "signing-key", time.Hour).IssueToken("admin").AccessToken

	for _, path := range []string{"/seed", "/webhook/mock"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		req.Header.Set("Authorization", token)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403 when demo routes disabled", path, rec.Code)
		}
	}
}
