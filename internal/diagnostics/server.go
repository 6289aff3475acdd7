// Package diagnostics exposes an operator-facing HTTP surface over the
// runtime's live calls: health probes, Prometheus metrics, and a
// read-only listing of in-progress calls sourced from the call
// registry rather than any persisted store.
package diagnostics

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicedesk/secretary/internal/callsession"
	"github.com/voicedesk/secretary/internal/config"
	"github.com/voicedesk/secretary/internal/observability"
	"github.com/voicedesk/secretary/internal/registry"
)

// Server serves health, metrics, and live-call diagnostics endpoints.
// It holds no domain state of its own; everything it reports comes
// from the shared metrics instruments and the call registry the
// composition root populates as calls start and end.
type Server struct {
	cfg     config.Config
	calls   *registry.Registry[callsession.Session]
	metrics *observability.Metrics
}

func New(cfg config.Config, calls *registry.Registry[callsession.Session], metrics *observability.Metrics) *Server {
	return &Server{cfg: cfg, calls: calls, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/{id}", s.handleGetCall)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_calls": s.calls.Len(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// callSummary is the listing projection of a live call: enough to
// identify and triage it without exposing internal session state.
type callSummary struct {
	CallID     string    `json:"call_id"`
	TenantID   string    `json:"tenant_id"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	ActiveTools []string `json:"active_tools"`
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.calls.Snapshot()
	out := make([]callSummary, 0, len(snapshot))
	for id, sess := range snapshot {
		out = append(out, callSummary{
			CallID:      id,
			TenantID:    sess.TenantID(),
			State:       sess.State(),
			StartedAt:   sess.StartedAt(),
			ActiveTools: sess.ActiveTools(),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": out})
}

// callDetail adds the rolling turn-stage latency window to a summary,
// for inspecting pacing without scraping Prometheus. The window is the
// process-wide one held by the shared Metrics, aggregated across all
// calls; it is not specific to the requested call.
type callDetail struct {
	callSummary
	TurnStages observability.TurnStageSnapshot `json:"turn_stages"`
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	sess, ok := s.calls.Lookup(id)
	if !ok {
		respondError(w, http.StatusNotFound, "call_not_found", "no active call with that id")
		return
	}
	respondJSON(w, http.StatusOK, callDetail{
		callSummary: callSummary{
			CallID:      sess.CallID(),
			TenantID:    sess.TenantID(),
			State:       sess.State(),
			StartedAt:   sess.StartedAt(),
			ActiveTools: sess.ActiveTools(),
		},
		TurnStages: s.metrics.SnapshotTurnStages(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
