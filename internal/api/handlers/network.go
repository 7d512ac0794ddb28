package handlers

import (
	"log/slog"
	"net/http"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/executor"
)

// NetworkHandler serves device discovery.
type NetworkHandler struct {
	exec   *executor.System
	audit  *audit.Logger
	logger *slog.Logger
}

// NewNetworkHandler creates a new network handler.
func NewNetworkHandler(exec *executor.System, auditLog *audit.Logger, logger *slog.Logger) *NetworkHandler {
	return &NetworkHandler{
		exec:   exec,
		audit:  auditLog,
		logger: logger,
	}
}

// Scan discovers devices on the local network, preferring the tailnet and
// falling back to the ARP cache.
func (h *NetworkHandler) Scan(w http.ResponseWriter, r *http.Request) {
	report, err := h.exec.ScanNetwork(r.Context())
	if err != nil {
		h.audit.Failure(r.Context(), audit.ActionNetworkScan, "", map[string]string{"error": err.Error()})
		WriteInternalError(w, "Network scan failed")
		return
	}

	h.audit.Success(r.Context(), audit.ActionNetworkScan, "", map[string]string{"source": report.Source})
	WriteJSON(w, http.StatusOK, report)
}
