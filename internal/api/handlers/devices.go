// Package handlers contains the HTTP handlers for the dashboard API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/executor"
	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/statuscache"
	"github.com/deqlabs/deq/internal/store"
)

// DevicesHandler serves device CRUD, status, and power operations.
type DevicesHandler struct {
	store  store.Store
	cache  *statuscache.Cache
	exec   *executor.System
	audit  *audit.Logger
	logger *slog.Logger
}

// NewDevicesHandler creates a new devices handler.
func NewDevicesHandler(st store.Store, cache *statuscache.Cache, exec *executor.System, auditLog *audit.Logger, logger *slog.Logger) *DevicesHandler {
	return &DevicesHandler{
		store:  st,
		cache:  cache,
		exec:   exec,
		audit:  auditLog,
		logger: logger,
	}
}

// List returns all configured devices.
func (h *DevicesHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.Devices().List(r.Context())
	if err != nil {
		h.logger.Error("listing devices", "error", err)
		WriteInternalError(w, "Failed to list devices")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// Get returns a single device.
func (h *DevicesHandler) Get(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, device)
}

// Create adds a new device.
func (h *DevicesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := validateDevice(&device); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}

	if _, err := h.store.Devices().Get(r.Context(), device.ID); err == nil {
		WriteConflict(w, "Device already exists")
		return
	}

	if err := h.store.Devices().Save(r.Context(), &device); err != nil {
		h.logger.Error("saving device", "device", device.ID, "error", err)
		WriteInternalError(w, "Failed to save device")
		return
	}

	h.audit.Success(r.Context(), audit.ActionConfigDeviceAdd, device.ID, nil)
	WriteJSON(w, http.StatusCreated, &device)
}

// Update replaces an existing device.
func (h *DevicesHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.device(w, r)
	if !ok {
		return
	}

	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	device.ID = existing.ID
	device.IsHost = existing.IsHost
	if err := validateDevice(&device); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.Devices().Save(r.Context(), &device); err != nil {
		h.logger.Error("saving device", "device", device.ID, "error", err)
		WriteInternalError(w, "Failed to save device")
		return
	}

	// Cached status may describe the old address or container set.
	h.cache.Clear(device.ID)

	h.audit.Success(r.Context(), audit.ActionConfigUpdate, device.ID, nil)
	WriteJSON(w, http.StatusOK, &device)
}

// Delete removes a device. The host device cannot be removed.
func (h *DevicesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	if device.IsHost {
		WriteBadRequest(w, "The host device cannot be deleted")
		return
	}

	if err := h.store.Devices().Delete(r.Context(), device.ID); err != nil {
		h.logger.Error("deleting device", "device", device.ID, "error", err)
		WriteInternalError(w, "Failed to delete device")
		return
	}
	h.cache.Clear(device.ID)

	h.audit.Success(r.Context(), audit.ActionConfigDeviceRemove, device.ID, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": device.ID})
}

// Status returns the cached status for a device and triggers a background
// refresh. The response never waits on the device itself.
func (h *DevicesHandler) Status(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}

	status, _ := h.cache.Get(device.ID)
	h.cache.RefreshAsync(r.Context(), device)

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"refreshing": h.cache.Refreshing(device.ID),
	})
}

// AllStatuses returns the cached status of every device and triggers
// background refreshes across the fleet.
func (h *DevicesHandler) AllStatuses(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.Devices().List(r.Context())
	if err != nil {
		h.logger.Error("listing devices", "error", err)
		WriteInternalError(w, "Failed to list devices")
		return
	}

	for _, device := range devices {
		h.cache.RefreshAsync(r.Context(), device)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"statuses": h.cache.All()})
}

// Refresh drops the cached status for a device and starts a fresh probe.
func (h *DevicesHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}

	h.cache.Clear(device.ID)
	h.cache.RefreshAsync(r.Context(), device)

	h.audit.Success(r.Context(), audit.ActionDeviceRefresh, device.ID, nil)
	WriteJSON(w, http.StatusAccepted, map[string]any{"refreshing": true})
}

// Wake sends a Wake-on-LAN magic packet to the device.
func (h *DevicesHandler) Wake(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	if device.WOL == nil || device.WOL.MAC == "" {
		WriteBadRequest(w, "Device has no Wake-on-LAN configuration")
		return
	}

	if err := h.exec.WakeOnLAN(device.WOL.MAC, device.WOL.Broadcast); err != nil {
		h.audit.Failure(r.Context(), audit.ActionDeviceWake, device.ID, map[string]string{"error": err.Error()})
		WriteInternalError(w, "Failed to send wake packet")
		return
	}

	h.audit.Success(r.Context(), audit.ActionDeviceWake, device.ID, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"sent": true})
}

// Shutdown powers off the device over SSH, or the host directly.
func (h *DevicesHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}

	if err := h.exec.Shutdown(r.Context(), device); err != nil {
		h.audit.Failure(r.Context(), audit.ActionDeviceShutdown, device.ID, map[string]string{"error": err.Error()})
		WriteInternalError(w, "Shutdown command failed")
		return
	}

	// The cached status still claims the device is online.
	h.cache.Clear(device.ID)

	h.audit.Success(r.Context(), audit.ActionDeviceShutdown, device.ID, nil)
	WriteJSON(w, http.StatusOK, map[string]any{"shutdown": true})
}

// CheckSSH verifies SSH connectivity to the device.
func (h *DevicesHandler) CheckSSH(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	if device.IsHost {
		WriteJSON(w, http.StatusOK, map[string]any{"reachable": true})
		return
	}
	if device.SSH == nil {
		WriteBadRequest(w, "Device has no SSH configuration")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"reachable": h.exec.CheckSSH(r.Context(), device),
	})
}

// History returns the recorded cpu/temperature history for a device.
func (h *DevicesHandler) History(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}

	history, err := h.store.History().Load(r.Context(), device.ID)
	if err != nil {
		h.logger.Error("loading history", "device", device.ID, "error", err)
		WriteInternalError(w, "Failed to load history")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"history": history})
}

// device resolves the {deviceID} URL parameter, writing the error response
// itself when the device cannot be found.
func (h *DevicesHandler) device(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
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

func validateDevice(device *models.Device) error {
	if strings.TrimSpace(device.Name) == "" && strings.TrimSpace(device.ID) == "" {
		return errors.New("device name is required")
	}
	if !device.IsHost && strings.TrimSpace(device.IP) == "" {
		return errors.New("device ip is required")
	}
	for _, name := range device.Containers {
		if !executor.ValidContainerName(name) {
			return errors.New("invalid container name: " + name)
		}
	}
	return nil
}
