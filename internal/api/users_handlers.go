package api

import (
	"fmt"
	"net/http"
	"strings"

	"airwave-live/internal/models"
	"airwave-live/internal/storage"
)

type createUserRequest struct {
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Password    string   `json:"password,omitempty"`
	Roles       []string `json:"roles"`
}

type updateUserRequest struct {
	Active *bool `json:"active"`
}

// Users lists accounts for admins (GET) and provisions accounts (POST).
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireRole(w, r, models.RoleAdmin, models.RoleModerator); !ok {
			return
		}
		users := h.Store.ListUsers()
		payload := make([]userResponse, 0, len(users))
		for _, user := range users {
			payload = append(payload, newUserResponse(user))
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		var req createUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := h.Store.CreateUser(storage.CreateUserParams{
			DisplayName: req.DisplayName,
			Email:       req.Email,
			Password:    req.Password,
			Roles:       req.Roles,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, newUserResponse(user))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// UserByID serves a single account and admin-only activation toggles.
func (h *Handler) UserByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/users/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("user not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireAuthenticatedUser(w, r); !ok {
			return
		}
		user, exists := h.Store.GetUser(id)
		if !exists {
			writeError(w, http.StatusNotFound, fmt.Errorf("user not found"))
			return
		}
		writeJSON(w, http.StatusOK, newUserResponse(user))
	case http.MethodPatch:
		admin, ok := h.requireRole(w, r, models.RoleAdmin)
		if !ok {
			return
		}
		var req updateUserRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Active == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("active field is required"))
			return
		}
		if admin.ID == id && !*req.Active {
			writeError(w, http.StatusBadRequest, fmt.Errorf("cannot deactivate your own account"))
			return
		}
		user, err := h.Store.SetUserActive(id, *req.Active)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, newUserResponse(user))
	default:
		w.Header().Set("Allow", "GET, PATCH")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
