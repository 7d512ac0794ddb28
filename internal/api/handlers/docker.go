package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/executor"
	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/statuscache"
	"github.com/deqlabs/deq/internal/store"
)

const defaultLogLines = 100

// DockerHandler serves container lifecycle and log operations.
type DockerHandler struct {
	store  store.Store
	cache  *statuscache.Cache
	exec   *executor.System
	audit  *audit.Logger
	logger *slog.Logger
}

// NewDockerHandler creates a new docker handler.
func NewDockerHandler(st store.Store, cache *statuscache.Cache, exec *executor.System, auditLog *audit.Logger, logger *slog.Logger) *DockerHandler {
	return &DockerHandler{
		store:  st,
		cache:  cache,
		exec:   exec,
		audit:  auditLog,
		logger: logger,
	}
}

// Start starts a container.
func (h *DockerHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "start", audit.ActionDockerStart, h.exec.StartContainer)
}

// Stop stops a container.
func (h *DockerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "stop", audit.ActionDockerStop, h.exec.StopContainer)
}

// Restart restarts a container.
func (h *DockerHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "restart", audit.ActionDockerRestart, h.exec.RestartContainer)
}

// Logs returns the tail of a container's logs.
func (h *DockerHandler) Logs(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceParam(w, r)
	if !ok {
		return
	}
	container := chi.URLParam(r, "container")

	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteBadRequest(w, "Invalid lines parameter")
			return
		}
		lines = n
	}
	since := r.URL.Query().Get("since")

	logs, err := h.exec.ContainerLogs(r.Context(), device, container, lines, since)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	h.audit.Success(r.Context(), audit.ActionDockerLogs, device.ID+"/"+container, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// Scan lists all containers present on the device's runtime, configured or
// not, so the UI can offer them for watching.
func (h *DockerHandler) Scan(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceParam(w, r)
	if !ok {
		return
	}

	containers, err := h.exec.ScanContainers(r.Context(), device)
	if err != nil {
		h.audit.Failure(r.Context(), audit.ActionDockerScan, device.ID, map[string]string{"error": err.Error()})
		WriteInternalError(w, "Container scan failed")
		return
	}

	h.audit.Success(r.Context(), audit.ActionDockerScan, device.ID, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

func (h *DockerHandler) action(w http.ResponseWriter, r *http.Request, name string, auditAction audit.Action, run func(context.Context, *models.Device, string) error) {
	device, ok := h.deviceParam(w, r)
	if !ok {
		return
	}
	container := chi.URLParam(r, "container")

	if err := run(r.Context(), device, container); err != nil {
		h.audit.Failure(r.Context(), auditAction, device.ID+"/"+container, map[string]string{"error": err.Error()})
		WriteBadRequest(w, err.Error())
		return
	}

	// Container state in the cache is now stale.
	h.cache.Clear(device.ID)
	h.cache.RefreshAsync(r.Context(), device)

	h.audit.Success(r.Context(), auditAction, device.ID+"/"+container, map[string]string{"action": name})
	WriteJSON(w, http.StatusOK, map[string]any{"container": container, "action": name})
}

func (h *DockerHandler) deviceParam(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	id := chi.URLParam(r, "deviceID")
	device, err := h.store.Devices().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Device not found")
		} else {
			h.logger.Error("loading device", "device", id, "error", err)
			WriteInternalError(w, "Failed to load device")
		}
		return nil, false
	}
	return device, true
}
