package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type handlers struct {
	src   StatusSource
	store ReadinessChecker
}

// handleHealthz responds to liveness probe requests. The process serving
// this endpoint is alive; deeper checks belong to /readyz.
func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz responds to readiness probe requests with per-check detail.
// Not ready when the state directory rejects writes: a poll cycle would
// detect changes it cannot persist.
func (h *handlers) handleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		Name  string `json:"name"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	var checks []check
	ready := true

	if err := h.store.CheckWritable(); err != nil {
		checks = append(checks, check{Name: "state_store", OK: false, Error: err.Error()})
		ready = false
	} else {
		checks = append(checks, check{Name: "state_store", OK: true})
	}

	snap := h.src.Snapshot()
	pollCheck := check{Name: "poll_loop", OK: true}
	if snap.LastError != "" {
		pollCheck.Error = snap.LastError
	}
	checks = append(checks, pollCheck)

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"ready": ready, "checks": checks}); err != nil {
		slog.Error("failed to encode readiness response", slog.Any("err", err))
	}
}

// handleStatus reports the poll loop snapshot: watched channels, last-known
// categories, last cycle time, and failure streak.
func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.src.Snapshot()); err != nil {
		slog.Error("failed to encode status response", slog.Any("err", err))
	}
}
