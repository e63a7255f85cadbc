package server

import (
	"net/http"

	"github.com/onnwee/guildsync/store"
)

// HandleHealthz is a liveness probe; it only proves the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes by checking the store.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "store",
			"error":        err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports provisioning records counted by state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.records.CountByState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count records")
		return
	}
	out := map[string]int{}
	for _, s := range []store.ProvisionState{store.StatePending, store.StateRoleCreated, store.StateChannelsCreated, store.StateComplete, store.StateFailed} {
		out[string(s)] = counts[s]
	}
	writeJSON(w, http.StatusOK, map[string]any{"provisioning": out})
}
