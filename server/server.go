// Package server exposes the operator HTTP API: moderation hooks, settlement
// controls, payout queue triage, and challenge lifecycle.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"proven/approval"
	"proven/escrow"
	"proven/finalize"
	"proven/payout"
	"proven/settlement"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB          *gorm.DB
	Queue       *payout.Queue
	Engine      *settlement.Engine
	Approval    *approval.Processor
	Finalizer   *finalize.Finalizer
	Escrow      *escrow.Store
	BearerToken string
	TZ          *time.Location
	Now         func() time.Time
}

// Server encapsulates dependencies for the admin HTTP API.
type Server struct {
	db        *gorm.DB
	queue     *payout.Queue
	engine    *settlement.Engine
	approval  *approval.Processor
	finalizer *finalize.Finalizer
	escrow    *escrow.Store
	token     string
	tz        *time.Location
	now       func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router with authentication and audit
// logging for every mutation.
func New(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	srv := &Server{
		db:        cfg.DB,
		queue:     cfg.Queue,
		engine:    cfg.Engine,
		approval:  cfg.Approval,
		finalizer: cfg.Finalizer,
		escrow:    cfg.Escrow,
		token:     strings.TrimSpace(cfg.BearerToken),
		tz:        cfg.TZ,
		now:       now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireBearer)
		admin.Post("/proofs/{id}/approve", s.handleApprove)
		admin.Post("/proofs/{id}/reject", s.handleReject)
		admin.Post("/settlements/run", s.handleSettlementRun)
		admin.Post("/settlements/{challengeID}/{dayDate}", s.handleSettleDay)
		admin.Get("/settlements/{challengeID}", s.handleListSettlements)
		admin.Get("/payouts/status", s.handlePayoutStatus)
		admin.Get("/payouts/failed", s.handlePayoutsFailed)
		admin.Post("/payouts/{jobID}/retry", s.handlePayoutRetry)
		admin.Post("/payouts/retry-all", s.handlePayoutRetryAll)
		admin.Post("/challenges/{id}/close", s.handleChallengeClose)
		admin.Post("/challenges/{id}/pause", s.handleChallengePause)
		admin.Post("/challenges/{id}/resume", s.handleChallengeResume)
		admin.Post("/challenges/{id}/end-early", s.handleChallengeEndEarly)
		admin.Post("/challenges/{id}/escrow", s.handleChallengeEscrow)
		admin.Get("/audit", s.handleAuditList)
	})
	return r
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			s.writeError(w, http.StatusInternalServerError, "AUTH_UNAVAILABLE", "authentication not configured")
			return
		}
		if parseBearerToken(r.Header.Get("Authorization")) != s.token {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	scheme, token, found := strings.Cut(trimmed, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// actorID extracts the operator identity for audit attribution. The gateway
// in front of this service authenticates the human; here we only record who
// it said was acting.
func actorID(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor-ID")); actor != "" {
		return actor
	}
	return "operator"
}

func actorUUID(r *http.Request) uuid.UUID {
	parsed, err := uuid.Parse(actorID(r))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Message: message, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Message: message, Code: code})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, http.StatusOK, "ok", map[string]string{"status": "healthy"})
}
