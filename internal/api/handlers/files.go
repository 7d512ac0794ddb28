package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/executor"
	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/store"
)

const maxUploadBytes = 256 << 20

// FilesHandler serves file browsing, transfer, and management operations on
// devices.
type FilesHandler struct {
	store  store.Store
	exec   *executor.System
	audit  *audit.Logger
	logger *slog.Logger
}

// NewFilesHandler creates a new files handler.
func NewFilesHandler(st store.Store, exec *executor.System, auditLog *audit.Logger, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		store:  st,
		exec:   exec,
		audit:  auditLog,
		logger: logger,
	}
}

// Browse lists the folders under a directory on the device.
func (h *FilesHandler) Browse(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}

	listing, err := h.exec.BrowseFolders(r.Context(), device, queryPath(r))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, listing)
}

// List returns the full directory listing, files included.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}

	listing, err := h.exec.ListFiles(r.Context(), device, queryPath(r))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, listing)
}

// Download streams a file from the device as an attachment.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	file := r.URL.Query().Get("path")
	if file == "" {
		WriteBadRequest(w, "Path required")
		return
	}

	content, filename, err := h.exec.ReadFile(r.Context(), device, file)
	if err != nil {
		h.audit.Failure(r.Context(), audit.ActionFileDownload, device.ID, map[string]string{"path": file, "error": err.Error()})
		WriteBadRequest(w, err.Error())
		return
	}

	h.audit.Success(r.Context(), audit.ActionFileDownload, device.ID, map[string]string{"path": file})
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

type fileOpRequest struct {
	Operation  string   `json:"operation"`
	Paths      []string `json:"paths"`
	DestDevice string   `json:"dest_device,omitempty"`
	DestPath   string   `json:"dest_path,omitempty"`
	NewName    string   `json:"new_name,omitempty"`
}

// Operate executes a file operation: copy, move, rename, delete, zip, mkdir.
func (h *FilesHandler) Operate(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}

	var req fileOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Operation == "" {
		WriteBadRequest(w, "Operation is required")
		return
	}
	if len(req.Paths) == 0 && req.Operation != "mkdir" {
		WriteBadRequest(w, "No paths selected")
		return
	}

	op := executor.FileOp{
		Operation: req.Operation,
		Paths:     req.Paths,
		DestPath:  req.DestPath,
		NewName:   req.NewName,
	}
	if req.DestDevice != "" {
		dest, err := h.store.Devices().Get(r.Context(), req.DestDevice)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteNotFound(w, "Destination device not found")
			} else {
				h.logger.Error("loading device", "device", req.DestDevice, "error", err)
				WriteInternalError(w, "Failed to load destination device")
			}
			return
		}
		op.DestDevice = dest
	}

	details := map[string]string{"operation": req.Operation, "paths": strings.Join(req.Paths, ",")}
	result, err := h.exec.FileOperation(r.Context(), device, op)
	if err != nil {
		details["error"] = err.Error()
		h.audit.Failure(r.Context(), audit.ActionFileOperation, device.ID, details)
		WriteBadRequest(w, err.Error())
		return
	}

	h.audit.Success(r.Context(), audit.ActionFileOperation, device.ID, details)
	WriteJSON(w, http.StatusOK, result)
}

// Upload stores one or more multipart files under the destination directory
// on the device. Files that fail are reported together; the rest still land.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	dest := queryPath(r)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteBadRequest(w, "Invalid multipart request")
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		WriteBadRequest(w, "No files provided")
		return
	}

	uploaded := 0
	var failures []string
	for _, header := range r.MultipartForm.File["files"] {
		if err := h.uploadOne(r, device, dest, header.Filename, header); err != nil {
			failures = append(failures, header.Filename+": "+err.Error())
			continue
		}
		uploaded++
	}

	details := map[string]string{"dest": dest, "uploaded": fmt.Sprint(uploaded)}
	if len(failures) > 0 {
		details["error"] = strings.Join(failures, "; ")
		h.audit.Failure(r.Context(), audit.ActionFileUpload, device.ID, details)
		WriteJSON(w, http.StatusBadRequest, &APIError{
			Code:    ErrCodeInvalidRequest,
			Message: strings.Join(failures, "; "),
			Details: map[string]any{"uploaded": uploaded},
		})
		return
	}

	h.audit.Success(r.Context(), audit.ActionFileUpload, device.ID, details)
	WriteJSON(w, http.StatusOK, map[string]any{"uploaded": uploaded})
}

func (h *FilesHandler) uploadOne(r *http.Request, device *models.Device, dest, filename string, header *multipart.FileHeader) error {
	file, err := header.Open()
	if err != nil {
		return err
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	return h.exec.WriteFile(r.Context(), device, dest, filename, content)
}

func (h *FilesHandler) device(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
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

func queryPath(r *http.Request) string {
	if p := r.URL.Query().Get("path"); p != "" {
		return p
	}
	return "/"
}
