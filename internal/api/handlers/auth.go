package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/auth"
	"github.com/deqlabs/deq/internal/store"
)

// AuthHandler serves login, password setup, and API key management.
type AuthHandler struct {
	store  store.Store
	auth   *auth.Service
	audit  *audit.Logger
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(st store.Store, authService *auth.Service, auditLog *audit.Logger, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		store:  st,
		auth:   authService,
		audit:  auditLog,
		logger: logger,
	}
}

// Status reports whether authentication is enabled and configured, so the UI
// can decide between login and first-run setup.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Settings().Auth(r.Context())
	if err != nil {
		h.logger.Error("loading auth settings", "error", err)
		WriteInternalError(w, "Failed to load auth settings")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"enabled":    settings.Enabled,
		"configured": settings.PasswordHash != "",
	})
}

// Login exchanges the dashboard password for a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	token, err := h.auth.Login(r.Context(), req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrNotConfigured):
			WriteBadRequest(w, "Authentication is not configured")
		case errors.Is(err, auth.ErrInvalidCredentials):
			h.audit.Failure(r.Context(), audit.ActionAuthFailure, "", nil)
			WriteUnauthorized(w, "Invalid password")
		default:
			h.logger.Error("login failed", "error", err)
			WriteInternalError(w, "Login failed")
		}
		return
	}

	h.audit.Success(r.Context(), audit.ActionAuthSuccess, "", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"token": token})
}

// Setup sets the initial dashboard password. It only works while no password
// exists; afterwards ChangePassword, behind authentication, takes over.
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	settings, err := h.store.Settings().Auth(r.Context())
	if err != nil {
		h.logger.Error("loading auth settings", "error", err)
		WriteInternalError(w, "Failed to load auth settings")
		return
	}
	if settings.PasswordHash != "" {
		WriteConflict(w, "Authentication is already configured")
		return
	}

	if err := h.auth.SetPassword(r.Context(), req.Password); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	h.audit.Success(r.Context(), audit.ActionConfigUpdate, "auth", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"configured": true})
}

// ChangePassword replaces the dashboard password for an authenticated caller.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := h.auth.SetPassword(r.Context(), req.Password); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	h.audit.Success(r.Context(), audit.ActionConfigUpdate, "auth", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"configured": true})
}

// ListKeys returns API key metadata. Hashes and plaintext are never included.
func (h *AuthHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Settings().Auth(r.Context())
	if err != nil {
		h.logger.Error("loading auth settings", "error", err)
		WriteInternalError(w, "Failed to load auth settings")
		return
	}

	keys := make([]map[string]any, 0, len(settings.APIKeys))
	for _, key := range settings.APIKeys {
		keys = append(keys, map[string]any{
			"id":         key.ID,
			"name":       key.Name,
			"created_at": key.CreatedAt,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

// CreateKey generates a new API key. The plaintext key appears in this
// response only; it cannot be recovered afterwards.
func (h *AuthHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "Key name is required")
		return
	}

	plaintext, key, err := h.auth.CreateAPIKey(r.Context(), req.Name)
	if err != nil {
		h.logger.Error("creating API key", "error", err)
		WriteInternalError(w, "Failed to create API key")
		return
	}

	h.audit.Success(r.Context(), audit.ActionAuthKeyGenerated, key.Name, nil)
	WriteJSON(w, http.StatusCreated, map[string]any{
		"id":      key.ID,
		"name":    key.Name,
		"api_key": plaintext,
	})
}

// DeleteKey revokes an API key by id.
func (h *AuthHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "keyID")
	if err := h.auth.DeleteAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "API key not found")
			return
		}
		h.logger.Error("deleting API key", "key", id, "error", err)
		WriteInternalError(w, "Failed to delete API key")
		return
	}

	h.audit.Success(r.Context(), audit.ActionAuthKeyRevoked, id, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": id})
}
