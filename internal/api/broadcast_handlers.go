package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"airwave-live/internal/broadcast"
	"airwave-live/internal/models"
	"airwave-live/internal/storage"
)

type createBroadcastRequest struct {
	Title          string     `json:"title"`
	ScheduledStart *time.Time `json:"scheduledStart"`
	ScheduledEnd   *time.Time `json:"scheduledEnd"`
}

type handoverRequest struct {
	NewDJID string `json:"newDjId"`
	Reason  string `json:"reason,omitempty"`
}

type currentDJResponse struct {
	BroadcastID string `json:"broadcastId"`
	DJID        string `json:"djId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// broadcastErrorStatus maps coordinator error kinds onto HTTP statuses.
func broadcastErrorStatus(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, broadcast.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, broadcast.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, broadcast.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Broadcasts lists the schedule (GET) and creates entries (POST, staff only).
func (h *Handler) Broadcasts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		broadcasts := h.coordinator().List()
		writeJSON(w, http.StatusOK, broadcasts)
	case http.MethodPost:
		if _, ok := h.requireRole(w, r, models.RoleDJ, models.RoleModerator, models.RoleAdmin); !ok {
			return
		}
		var req createBroadcastRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		params := storage.CreateBroadcastParams{Title: req.Title}
		if req.ScheduledStart != nil {
			params.ScheduledStart = *req.ScheduledStart
		}
		if req.ScheduledEnd != nil {
			params.ScheduledEnd = *req.ScheduledEnd
		}
		created, err := h.coordinator().Create(params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// BroadcastByID routes /api/broadcasts/{id} and its sub-resources.
func (h *Handler) BroadcastByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/broadcasts/")
	if rest == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("broadcast not found"))
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	switch action {
	case "":
		h.broadcastDetail(w, r, id)
	case "testing":
		h.broadcastTesting(w, r, id)
	case "start":
		h.broadcastStart(w, r, id)
	case "stop":
		h.broadcastStop(w, r, id)
	case "handover":
		h.broadcastHandover(w, r, id)
	case "handovers":
		h.broadcastHandovers(w, r, id)
	case "current-dj":
		h.broadcastCurrentDJ(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown broadcast resource"))
	}
}

func (h *Handler) broadcastDetail(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	found, err := h.coordinator().Get(id)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) broadcastTesting(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireRole(w, r, models.RoleDJ, models.RoleModerator, models.RoleAdmin); !ok {
		return
	}
	updated, err := h.coordinator().BeginTesting(id)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) broadcastStart(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	live, err := h.coordinator().Start(r.Context(), id, user.ID)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, live)
}

func (h *Handler) broadcastStop(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	current, err := h.coordinator().Get(id)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	if !user.IsElevated() && !isCurrentDJ(current, user.ID) {
		writeError(w, http.StatusForbidden, fmt.Errorf("only the on-air DJ or staff may stop a broadcast"))
		return
	}

	ended, err := h.coordinator().End(r.Context(), id)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	// The encoder is torn down after the state change so listeners see the
	// broadcast end rather than an abrupt stream error.
	if h.Relays != nil {
		if cerr := h.Relays.CloseSession(id); cerr != nil {
			h.logger().Debug("no relay to close for ended broadcast", "broadcast_id", id, "error", cerr)
		}
	}
	writeJSON(w, http.StatusOK, ended)
}

func (h *Handler) broadcastHandover(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	var req handoverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := h.coordinator().InitiateHandover(r.Context(), broadcast.HandoverRequest{
		BroadcastID:   id,
		NewDJID:       req.NewDJID,
		InitiatedByID: user.ID,
		Reason:        req.Reason,
	})
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) broadcastHandovers(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	history, err := h.coordinator().HandoverHistory(id)
	if err != nil {
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) broadcastCurrentDJ(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	dj, err := h.coordinator().CurrentActiveDJ(id)
	if err != nil {
		if errors.Is(err, broadcast.ErrNotFound) {
			// A live broadcast with nobody recorded on air is answered, not
			// erroring: the DJ fields stay empty.
			if _, getErr := h.coordinator().Get(id); getErr != nil {
				writeError(w, broadcastErrorStatus(getErr), getErr)
				return
			}
			writeJSON(w, http.StatusOK, currentDJResponse{BroadcastID: id})
			return
		}
		writeError(w, broadcastErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, currentDJResponse{
		BroadcastID: id,
		DJID:        dj.ID,
		DisplayName: dj.DisplayName,
	})
}

func isCurrentDJ(b models.Broadcast, userID string) bool {
	if b.CurrentDJID != nil && *b.CurrentDJID == userID {
		return true
	}
	if b.CurrentDJID == nil && b.StartedByID != nil && *b.StartedByID == userID {
		return true
	}
	return false
}
