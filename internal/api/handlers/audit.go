package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/deqlabs/deq/internal/audit"
)

// AuditHandler serves recent audit events. It is only wired when the audit
// trail has a Postgres backend; the slog sink cannot be queried.
type AuditHandler struct {
	sink   *audit.PostgresSink
	logger *slog.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(sink *audit.PostgresSink, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{sink: sink, logger: logger}
}

// Recent returns the most recent audit events, newest first.
func (h *AuditHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteBadRequest(w, "Invalid limit parameter")
			return
		}
		limit = n
	}

	entries, err := h.sink.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("loading audit events", "error", err)
		WriteInternalError(w, "Failed to load audit events")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": entries})
}
