package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EspressoSystems/discord-faucet/faucet"
)

// FaucetService abstracts the facade methods the HTTP layer calls.
type FaucetService interface {
	RequestDisbursement(ctx context.Context, requester, destination string) (faucet.Outcome, error)
	Status(jobID string) (faucet.Outcome, error)
	Health() faucet.HealthStatus
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Service         FaucetService
	RequesterHeader string
	RateLimit       RateLimit
}

// Server is the thin HTTP adapter in front of the faucet facade. It exists
// for the chat bot, the container liveness probe, and local testing; all
// admission and dispatch logic lives behind the facade.
type Server struct {
	service         FaucetService
	requesterHeader string
	router          http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		service:         cfg.Service,
		requesterHeader: strings.TrimSpace(cfg.RequesterHeader),
	}
	if srv.requesterHeader == "" {
		srv.requesterHeader = "X-Requester-Id"
	}
	srv.router = srv.buildRouter(cfg.RateLimit)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limit RateLimit) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	limiter := NewRateLimiter(limit)
	r.Route("/faucet", func(api chi.Router) {
		api.With(limiter.Middleware).Post("/request/{address}", s.handleRequest)
		api.Get("/status/{id}", s.handleStatus)
	})
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	requester := strings.TrimSpace(r.Header.Get(s.requesterHeader))
	if requester == "" {
		// Fall back to the client IP so anonymous curl requests still get
		// a cooldown identity.
		requester = clientID(r)
	}

	outcome, err := s.service.RequestDisbursement(r.Context(), requester, address)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if outcome.Status == faucet.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.service.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	health := s.service.Health()
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, faucet.ErrInvalidAddress):
		status = http.StatusBadRequest
	case errors.Is(err, faucet.ErrRateLimited), errors.Is(err, faucet.ErrBackpressure):
		status = http.StatusTooManyRequests
	case errors.Is(err, faucet.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, faucet.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
