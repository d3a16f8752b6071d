package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/presenceapp/presence-control-plane/internal/auth"
	"github.com/presenceapp/presence-control-plane/internal/checkin"
	"github.com/presenceapp/presence-control-plane/internal/config"
	"github.com/presenceapp/presence-control-plane/internal/metrics"
	"github.com/presenceapp/presence-control-plane/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Service
	checkins *checkin.Coordinator
	metrics  *metrics.Metrics
}

func NewRouter(cfg config.Config, sessions *session.Service, checkins *checkin.Coordinator, m *metrics.Metrics) http.Handler {
	s := &Server{cfg: cfg, sessions: sessions, checkins: checkins, metrics: m}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(auth.Options{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})).Group(func(authed chi.Router) {
			authed.Post("/sessions", s.handleSessionCreate)
			authed.Get("/sessions/{sessionID}", s.handleSessionGet)
			authed.Get("/sessions/{sessionID}/code", s.handleSessionCode)
			authed.Post("/sessions/{sessionID}/checkin", s.handleCheckin)
			authed.Post("/sessions/{sessionID}/end", s.handleSessionEnd)
			authed.Get("/sessions/{sessionID}/attendees", s.handleAttendees)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeAPIErrorRetryable(w, status, code, message, false)
}

func writeAPIErrorRetryable(w http.ResponseWriter, status int, code, message string, retryable bool) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.Retryable = retryable
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
