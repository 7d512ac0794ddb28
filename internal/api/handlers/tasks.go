package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/scheduler"
	"github.com/deqlabs/deq/internal/store"
)

// TasksHandler serves scheduled task CRUD and manual runs.
type TasksHandler struct {
	store  store.Store
	runner *scheduler.Runner
	audit  *audit.Logger
	logger *slog.Logger
}

// NewTasksHandler creates a new tasks handler.
func NewTasksHandler(st store.Store, runner *scheduler.Runner, auditLog *audit.Logger, logger *slog.Logger) *TasksHandler {
	return &TasksHandler{
		store:  st,
		runner: runner,
		audit:  auditLog,
		logger: logger,
	}
}

// List returns all tasks, annotated with whether each is currently running.
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.store.Tasks().List(r.Context())
	if err != nil {
		h.logger.Error("listing tasks", "error", err)
		WriteInternalError(w, "Failed to list tasks")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"tasks":   tasks,
		"running": h.runner.RunningTasks(),
	})
}

// Get returns a single task.
func (h *TasksHandler) Get(w http.ResponseWriter, r *http.Request) {
	task, ok := h.task(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, task)
}

// Create adds a new task and computes its first fire time.
func (h *TasksHandler) Create(w http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if _, err := h.store.Tasks().Get(r.Context(), task.ID); err == nil {
		WriteConflict(w, "Task already exists")
		return
	}

	if !h.saveWithNextRun(w, r, &task) {
		return
	}
	h.audit.Success(r.Context(), audit.ActionTaskUpdate, task.ID, map[string]string{"op": "create"})
	WriteJSON(w, http.StatusCreated, &task)
}

// Update replaces an existing task, preserving its run bookkeeping.
func (h *TasksHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.task(w, r)
	if !ok {
		return
	}

	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	task.ID = existing.ID
	task.LastRun = existing.LastRun
	task.LastStatus = existing.LastStatus
	task.LastError = existing.LastError
	task.LastSize = existing.LastSize

	if !h.saveWithNextRun(w, r, &task) {
		return
	}
	h.audit.Success(r.Context(), audit.ActionTaskUpdate, task.ID, map[string]string{"op": "update"})
	WriteJSON(w, http.StatusOK, &task)
}

// Delete removes a task.
func (h *TasksHandler) Delete(w http.ResponseWriter, r *http.Request) {
	task, ok := h.task(w, r)
	if !ok {
		return
	}
	if h.runner.IsRunning(task.ID) {
		WriteConflict(w, "Task is currently running")
		return
	}

	if err := h.store.Tasks().Delete(r.Context(), task.ID); err != nil {
		h.logger.Error("deleting task", "task", task.ID, "error", err)
		WriteInternalError(w, "Failed to delete task")
		return
	}
	h.audit.Success(r.Context(), audit.ActionTaskUpdate, task.ID, map[string]string{"op": "delete"})
	WriteJSON(w, http.StatusOK, map[string]any{"deleted": task.ID})
}

// Run triggers a task immediately, outside its schedule. The run executes in
// the background; an already-running task reports 409.
func (h *TasksHandler) Run(w http.ResponseWriter, r *http.Request) {
	task, ok := h.task(w, r)
	if !ok {
		return
	}

	if err := h.runner.Run(r.Context(), task.ID); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			WriteConflict(w, "Task is already running")
			return
		}
		h.audit.Failure(r.Context(), audit.ActionTaskRun, task.ID, map[string]string{"error": err.Error()})
		WriteInternalError(w, "Failed to start task")
		return
	}

	h.audit.Success(r.Context(), audit.ActionTaskRun, task.ID, map[string]string{"trigger": "manual"})
	WriteJSON(w, http.StatusAccepted, map[string]any{"started": task.ID})
}

// Status reports whether the task is running and its last outcome.
func (h *TasksHandler) Status(w http.ResponseWriter, r *http.Request) {
	task, ok := h.task(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"running":     h.runner.IsRunning(task.ID),
		"last_run":    task.LastRun,
		"last_status": task.LastStatus,
		"last_error":  task.LastError,
		"last_size":   task.LastSize,
		"next_run":    task.NextRun,
	})
}

// saveWithNextRun validates the task, computes next_run for enabled tasks,
// and persists it. It writes the error response on failure.
func (h *TasksHandler) saveWithNextRun(w http.ResponseWriter, r *http.Request, task *models.Task) bool {
	if err := validateTask(task); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}

	task.NextRun = nil
	if task.Enabled {
		next, err := scheduler.ComputeNextRun(task, time.Now())
		if err != nil {
			WriteBadRequest(w, "Invalid schedule: "+err.Error())
			return false
		}
		task.NextRun = next
	}

	if err := h.store.Tasks().Save(r.Context(), task); err != nil {
		h.logger.Error("saving task", "task", task.ID, "error", err)
		WriteInternalError(w, "Failed to save task")
		return false
	}
	return true
}

func (h *TasksHandler) task(w http.ResponseWriter, r *http.Request) (*models.Task, bool) {
	id := chi.URLParam(r, "taskID")
	task, err := h.store.Tasks().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Task not found")
		} else {
			h.logger.Error("loading task", "task", id, "error", err)
			WriteInternalError(w, "Failed to load task")
		}
		return nil, false
	}
	return task, true
}

func validateTask(task *models.Task) error {
	if strings.TrimSpace(task.Name) == "" {
		return errors.New("task name is required")
	}
	switch task.Type {
	case models.TaskBackup:
		if task.Source.Device == "" || task.Source.Path == "" {
			return errors.New("backup source device and path are required")
		}
		if task.Dest.Device == "" || task.Dest.Path == "" {
			return errors.New("backup destination device and path are required")
		}
	case models.TaskWake, models.TaskShutdown:
		if task.TargetDeviceID() == "" {
			return errors.New("target device is required")
		}
		if task.TargetOrDefault() == models.TargetContainer && task.Container == "" {
			return errors.New("target container is required")
		}
	default:
		return errors.New("unknown task type")
	}
	return nil
}
