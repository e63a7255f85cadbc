package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/onnwee/guildsync/provision"
	"github.com/onnwee/guildsync/router"
	"github.com/onnwee/guildsync/store"
)

// Syncer is the router surface exposed over HTTP.
type Syncer interface {
	OnGroupCreated(ctx context.Context, groupID, title string) (provision.ChannelPair, error)
	OnUserJoinedGroup(ctx context.Context, userID, groupID string) error
	Reconcile(ctx context.Context) (router.ReconcileReport, error)
}

// Pinger reports whether a dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store    Pinger
	records  store.RecordStore
	sync     Syncer
	validate *validator.Validate
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(st Pinger, records store.RecordStore, sync Syncer) *Handlers {
	return &Handlers{store: st, records: records, sync: sync, validate: validator.New()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into v and validates it.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
