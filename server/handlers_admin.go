package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/guildsync/identity"
	"github.com/onnwee/guildsync/membership"
	"github.com/onnwee/guildsync/provision"
	"github.com/onnwee/guildsync/store"
	"github.com/onnwee/guildsync/telemetry"
)

type provisionRequest struct {
	GroupID string `json:"group_id" validate:"required,max=128"`
	// Channel names are capped at 100 characters including the ":VOICE" suffix.
	Title string `json:"title" validate:"required,max=90"`
}

type provisionResponse struct {
	GroupID        string `json:"group_id"`
	TextChannelID  string `json:"text_channel_id"`
	VoiceChannelID string `json:"voice_channel_id"`
}

// HandleProvisionGroup provisions the role and channels of a new group.
func (h *Handlers) HandleProvisionGroup(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.sync.OnGroupCreated(r.Context(), req.GroupID, req.Title)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("provision request failed",
			slog.String("group_id", req.GroupID), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, provisionStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{
		GroupID:        req.GroupID,
		TextChannelID:  pair.TextChannelID,
		VoiceChannelID: pair.VoiceChannelID,
	})
}

func provisionStatus(err error) int {
	var roleErr *provision.RoleCreationError
	var chErr *provision.ChannelProvisioningError
	switch {
	case errors.Is(err, provision.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &roleErr), errors.As(err, &chErr):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type joinRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	GroupID string `json:"group_id" validate:"required"`
}

// HandleJoinGroup grants a group's role to a platform user already in the guild.
func (h *Handlers) HandleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.sync.OnUserJoinedGroup(r.Context(), req.UserID, req.GroupID); err != nil {
		writeError(w, joinStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "discord user joined group"})
}

func joinStatus(err error) int {
	var assignErr *membership.RoleAssignmentError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, membership.ErrGroupNotProvisioned):
		return http.StatusConflict
	case errors.Is(err, identity.ErrInvalidHandle):
		return http.StatusUnprocessableEntity
	case errors.As(err, &assignErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleReconcile runs one reconciliation pass synchronously.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rep, err := h.sync.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":      rep,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

type recordResponse struct {
	GroupID        string    `json:"group_id"`
	Title          string    `json:"title"`
	State          string    `json:"state"`
	RoleID         string    `json:"role_id,omitempty"`
	TextChannelID  string    `json:"text_channel_id,omitempty"`
	VoiceChannelID string    `json:"voice_channel_id,omitempty"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HandleGroupProvisioning returns the provisioning record of one group.
func (h *Handlers) HandleGroupProvisioning(w http.ResponseWriter, r *http.Request) {
	rec, err := h.records.GetRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "group not provisioned")
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{
		GroupID: rec.GroupID, Title: rec.Title, State: string(rec.State),
		RoleID: rec.RoleID, TextChannelID: rec.TextChannelID, VoiceChannelID: rec.VoiceChannelID,
		Attempts: rec.Attempts, LastError: rec.LastError, UpdatedAt: rec.UpdatedAt,
	})
}
