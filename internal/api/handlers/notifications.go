package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/notify"
	"github.com/deqlabs/deq/internal/store"
)

// NotificationsHandler serves notification channel settings.
type NotificationsHandler struct {
	store      store.Store
	dispatcher *notify.Dispatcher
	audit      *audit.Logger
	logger     *slog.Logger
}

// NewNotificationsHandler creates a new notifications handler.
func NewNotificationsHandler(st store.Store, dispatcher *notify.Dispatcher, auditLog *audit.Logger, logger *slog.Logger) *NotificationsHandler {
	return &NotificationsHandler{
		store:      st,
		dispatcher: dispatcher,
		audit:      auditLog,
		logger:     logger,
	}
}

// Get returns the current notification settings. Channel credentials are
// returned as stored; the store decrypts them on read.
func (h *NotificationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Settings().Notifications(r.Context())
	if err != nil {
		h.logger.Error("loading notification settings", "error", err)
		WriteInternalError(w, "Failed to load notification settings")
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

// Update replaces the notification settings.
func (h *NotificationsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var settings models.NotificationSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := h.store.Settings().SaveNotifications(r.Context(), settings); err != nil {
		h.logger.Error("saving notification settings", "error", err)
		WriteInternalError(w, "Failed to save notification settings")
		return
	}

	h.audit.Success(r.Context(), audit.ActionConfigUpdate, "notifications", nil)
	WriteJSON(w, http.StatusOK, settings)
}

// Test sends a test message through every configured channel.
func (h *NotificationsHandler) Test(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Test(r.Context()); err != nil {
		h.audit.Failure(r.Context(), audit.ActionNotifyTest, "", map[string]string{"error": err.Error()})
		WriteBadRequest(w, err.Error())
		return
	}

	h.audit.Success(r.Context(), audit.ActionNotifyTest, "", nil)
	WriteJSON(w, http.StatusOK, map[string]any{"sent": true})
}
