// Package api exposes the control-tower HTTP surface: auth, dashboard,
// conversation CRUD, webhook intake, and the demo endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/theteta/controltower/internal/auth"
	"github.com/theteta/controltower/internal/config"
	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/history"
	"github.com/theteta/controltower/internal/ingest"
	"github.com/theteta/controltower/internal/insights"
	"github.com/theteta/controltower/internal/model"
	"github.com/theteta/controltower/internal/seed"
	"github.com/theteta/controltower/internal/wasender"
)

// Store is the read/update surface the HTTP layer needs. *store.Store
// satisfies it; tests use an in-memory fake.
type Store interface {
	ListClients(ctx context.Context) ([]model.Client, error)
	GetClient(ctx context.Context, id uuid.UUID) (*model.Client, error)
	ListAgents(ctx context.Context) ([]model.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	ListConversations(ctx context.Context) ([]*model.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)
	ListAllMessages(ctx context.Context) ([]model.Message, error)
}

type Server struct {
	router *chi.Mux
	port   int
	cfg    config.Config

	store      Store
	ingestor   *ingest.Ingestor
	syncer     *history.Syncer
	wa         *wasender.Client
	analyzer   *insights.Analyzer
	seeder     *seed.Seeder
	auth       *auth.Authenticator
	thresholds engine.Thresholds
	logger     *slog.Logger
}

// Deps bundles the wired subsystems. Syncer and Wasender may be nil when
// the provider is not configured; the touched routes degrade gracefully.
type Deps struct {
	Store    Store
	Ingestor *ingest.Ingestor
	Syncer   *history.Syncer
	Wasender *wasender.Client
	Analyzer *insights.Analyzer
	Seeder   *seed.Seeder
	Auth     *auth.Authenticator
}

func NewServer(cfg config.Config, deps Deps, th engine.Thresholds, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		port:       cfg.Port,
		cfg:        cfg,
		store:      deps.Store,
		ingestor:   deps.Ingestor,
		syncer:     deps.Syncer,
		wa:         deps.Wasender,
		analyzer:   deps.Analyzer,
		seeder:     deps.Seeder,
		auth:       deps.Auth,
		thresholds: th,
		logger:     logger,
	}

	router.Get("/health", s.health)
	router.Post("/auth/login", s.login)
	router.Post("/webhook/wasender", s.webhookWasender)

	router.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/dashboard/summary", s.dashboardSummary)
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/recent-clients", s.recentClients)
		r.Get("/conversations/{id}", s.getConversation)
		r.Patch("/conversations/{id}", s.patchConversation)
		r.Post("/conversations/{id}/messages", s.postMessage)
		r.Post("/conversations/{id}/analyze", s.analyzeConversation)
		r.Get("/agents", s.listAgents)
		r.Post("/seed", s.runSeed)
		r.Post("/webhook/mock", s.webhookMock)
	})

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "controltower"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !s.auth.Authenticate(req.Username, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, s.auth.IssueToken(req.Username))
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.auth.VerifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) runSeed(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowDemoRoutes {
		writeError(w, http.StatusForbidden, "demo routes are disabled")
		return
	}
	req := seed.DefaultRequest()
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	stats, err := s.seeder.Run(r.Context(), req)
	if err != nil {
		s.logger.Error("seed failed", "error", err)
		writeError(w, http.StatusInternalServerError, "seed failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
