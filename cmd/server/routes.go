package main

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatemeter/gatemeter/internal/gate"
	"github.com/gatemeter/gatemeter/internal/ratelimit"
	"github.com/gatemeter/gatemeter/internal/store"
)

type server struct {
	app    atomic.Pointer[app]
	store  store.Store
	logger *slog.Logger
}

type admitRequest struct {
	Credential string  `json:"credential"`
	Cost       float64 `json:"cost,omitempty"`
	ClientKey  string  `json:"client_key,omitempty"`
}

func (s *server) routes(metricsEnabled bool, metricsPath string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/admit", s.handleAdmit)
	mux.HandleFunc("DELETE /v1/ratelimit/{key}", s.handleRateLimitReset)
	mux.HandleFunc("DELETE /v1/identities/{credential}", s.handleIdentityReset)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	if metricsEnabled {
		mux.Handle("GET "+metricsPath, promhttp.Handler())
	}

	return mux
}

// handleAdmit runs one request through the gate and reports the decision.
func (s *server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	a := s.app.Load()

	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}

	clientKey := req.ClientKey
	if clientKey == "" {
		clientKey = a.limiter.Key(r)
	}

	decision := a.gate.Admit(r.Context(), gate.Request{
		ClientKey:  clientKey,
		Credential: req.Credential,
		Cost:       req.Cost,
	})

	ratelimit.SetHeaders(w.Header(), decision.RateLimit,
		a.cfg.RateLimit.StandardHeaders, a.cfg.RateLimit.LegacyHeaders, timeNow())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForOutcome(decision.Outcome))
	if err := json.NewEncoder(w).Encode(decision); err != nil {
		s.logger.Warn("encode decision failed", "error", err)
	}
}

func (s *server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	a := s.app.Load()
	if err := a.limiter.Reset(r.Context(), r.PathValue("key")); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleIdentityReset(w http.ResponseWriter, r *http.Request) {
	a := s.app.Load()
	if err := a.resolver.Invalidate(r.Context(), r.PathValue("credential")); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "invalidate failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "store unreachable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func statusForOutcome(o gate.Outcome) int {
	switch o {
	case gate.OutcomeAllowedFast, gate.OutcomeAllowedMetered, gate.OutcomeAllowedGrace:
		return http.StatusOK
	case gate.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case gate.OutcomeInsufficientCredits:
		return http.StatusPaymentRequired
	case gate.OutcomeIdentityNotFound:
		return http.StatusUnauthorized
	case gate.OutcomeLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": errType, "message": message},
	})
}
