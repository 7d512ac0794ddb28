package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/notify"
	"github.com/deqlabs/deq/internal/store"
)

// Common errors returned by the runner.
var (
	// ErrAlreadyRunning is returned when a run is requested for a task that
	// is already executing. It is an expected outcome, not a failure.
	ErrAlreadyRunning = errors.New("task already running")
)

// DefaultBackupTimeout bounds a single backup run.
const DefaultBackupTimeout = time.Hour

// SyncPoint is one side of a directory sync. A nil Device or a host device
// means a local path.
type SyncPoint struct {
	Device *models.Device
	Path   string
}

// SyncRequest describes a recursive directory sync between two endpoints.
type SyncRequest struct {
	Source SyncPoint
	Dest   SyncPoint
	Delete bool
}

// SyncResult reports a completed sync.
type SyncResult struct {
	// Size is a human-readable transferred-size summary, e.g. "1.2GB".
	Size string
}

// CommandRunner is the slice of the command layer task execution needs.
type CommandRunner interface {
	// Probe reports whether the device answers a reachability check.
	Probe(ctx context.Context, device *models.Device) bool
	// StartContainer starts a container on the device.
	StartContainer(ctx context.Context, device *models.Device, container string) error
	// StopContainer stops a container on the device.
	StopContainer(ctx context.Context, device *models.Device, container string) error
	// Sync recursively syncs a directory between two endpoints.
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)
	// WakeOnLAN broadcasts a wake-on-LAN magic packet.
	WakeOnLAN(mac, broadcast string) error
	// Shutdown powers off the device.
	Shutdown(ctx context.Context, device *models.Device) error
}

// Notifier delivers task alert events.
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Runner executes task bodies. At most one run per task ID is in flight; a
// second request for the same ID is rejected with ErrAlreadyRunning rather
// than queued.
type Runner struct {
	store         store.Store
	exec          CommandRunner
	notifier      Notifier // optional
	backupTimeout time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

// NewRunner creates a task runner. The notifier may be nil.
func NewRunner(s store.Store, exec CommandRunner, notifier Notifier, backupTimeout time.Duration, logger *slog.Logger) *Runner {
	if backupTimeout <= 0 {
		backupTimeout = DefaultBackupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:         s,
		exec:          exec,
		notifier:      notifier,
		backupTimeout: backupTimeout,
		logger:        logger,
		running:       make(map[string]struct{}),
	}
}

// IsRunning reports whether a run for the task is currently in flight.
func (r *Runner) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[taskID]
	return ok
}

// RunningTasks returns the IDs of all tasks currently executing.
func (r *Runner) RunningTasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	return out
}

// Run starts the task detached and returns immediately. The run result is
// observed later through the task's persisted last_status fields.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	task, err := r.store.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, busy := r.running[taskID]; busy {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running[taskID] = struct{}{}
	r.mu.Unlock()

	go r.execute(context.WithoutCancel(ctx), task)
	return nil
}

// execute runs the task body and persists the outcome. The running marker is
// cleared on every exit path.
func (r *Runner) execute(ctx context.Context, task *models.Task) {
	defer func() {
		r.mu.Lock()
		delete(r.running, task.ID)
		r.mu.Unlock()
	}()

	res := r.executeBody(ctx, task)

	now := time.Now()
	current, err := r.store.Tasks().Get(ctx, task.ID)
	if err != nil {
		r.logger.Error("reloading task after run", "task_id", task.ID, "error", err)
		return
	}
	current.LastRun = &now
	current.LastStatus = res.status
	current.LastError = res.errMsg
	if res.size != "" {
		current.LastSize = res.size
	}
	if err := r.store.Tasks().Save(ctx, current); err != nil {
		r.logger.Error("persisting task result", "task_id", task.ID, "error", err)
	}

	switch res.status {
	case models.TaskSuccess:
		r.logger.Info("task completed", "task_id", task.ID, "task_name", task.Name, "size", res.size)
	case models.TaskSkipped:
		r.logger.Info("task skipped", "task_id", task.ID, "task_name", task.Name, "reason", res.errMsg)
	default:
		r.logger.Error("task failed", "task_id", task.ID, "task_name", task.Name, "error", res.errMsg)
		if r.notifier != nil {
			r.notifier.Dispatch(ctx, notify.TaskFailed{TaskID: task.ID, TaskName: task.Name, Error: res.errMsg})
		}
	}
}

type runResult struct {
	status models.TaskStatus
	errMsg string
	size   string
}

func failure(format string, args ...any) runResult {
	return runResult{status: models.TaskFailed, errMsg: fmt.Sprintf(format, args...)}
}

// executeBody dispatches on task type. A panic anywhere in a task body is
// recorded as a failed run instead of killing the worker.
func (r *Runner) executeBody(ctx context.Context, task *models.Task) (res runResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked", "task_id", task.ID, "panic", rec)
			res = failure("panic: %v", rec)
		}
	}()

	switch task.Type {
	case models.TaskBackup:
		return r.runBackup(ctx, task)
	case models.TaskWake:
		return r.runWake(ctx, task)
	case models.TaskShutdown:
		return r.runShutdown(ctx, task)
	default:
		return failure("unknown task type: %s", task.Type)
	}
}

// runBackup syncs source to destination. Remote-to-remote transfers stage
// through a local temporary directory, which is removed on every exit path.
func (r *Runner) runBackup(ctx context.Context, task *models.Task) runResult {
	srcDev, err := r.store.Devices().Get(ctx, task.Source.Device)
	if err != nil {
		return failure("source device not found")
	}
	dstDev, err := r.store.Devices().Get(ctx, task.Dest.Device)
	if err != nil {
		return failure("destination device not found")
	}
	if task.Source.Path == "" || task.Dest.Path == "" {
		return failure("source or destination path not specified")
	}

	if !srcDev.IsHost && !r.exec.Probe(ctx, srcDev) {
		return runResult{status: models.TaskSkipped, errMsg: "source offline"}
	}

	ctx, cancel := context.WithTimeout(ctx, r.backupTimeout)
	defer cancel()

	if !srcDev.IsHost && !dstDev.IsHost {
		return r.runStagedBackup(ctx, task, srcDev, dstDev)
	}

	result, err := r.exec.Sync(ctx, SyncRequest{
		Source: SyncPoint{Device: srcDev, Path: task.Source.Path},
		Dest:   SyncPoint{Device: dstDev, Path: task.Dest.Path},
		Delete: task.Options.Delete,
	})
	if err != nil {
		return r.syncFailure(ctx, err)
	}
	return runResult{status: models.TaskSuccess, size: result.Size}
}

// runStagedBackup copies remote source to a local staging directory, then the
// staging directory to the remote destination.
func (r *Runner) runStagedBackup(ctx context.Context, task *models.Task, srcDev, dstDev *models.Device) runResult {
	staging, err := os.MkdirTemp("", "deq-staging-")
	if err != nil {
		return failure("creating staging dir: %v", err)
	}
	defer os.RemoveAll(staging)

	result, err := r.exec.Sync(ctx, SyncRequest{
		Source: SyncPoint{Device: srcDev, Path: task.Source.Path},
		Dest:   SyncPoint{Path: staging},
		Delete: task.Options.Delete,
	})
	if err != nil {
		return r.syncFailure(ctx, err)
	}

	if _, err := r.exec.Sync(ctx, SyncRequest{
		Source: SyncPoint{Path: staging},
		Dest:   SyncPoint{Device: dstDev, Path: task.Dest.Path},
		Delete: task.Options.Delete,
	}); err != nil {
		return r.syncFailure(ctx, err)
	}
	return runResult{status: models.TaskSuccess, size: result.Size}
}

func (r *Runner) syncFailure(ctx context.Context, err error) runResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure("timeout (%s)", shortDuration(r.backupTimeout))
	}
	return failure("%v", err)
}

// shortDuration drops the trailing zero units Duration.String adds, so the
// default timeout reads "1h" rather than "1h0m0s".
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}

// runWake sends a WOL packet for a device target, or starts a container.
func (r *Runner) runWake(ctx context.Context, task *models.Task) runResult {
	if task.TargetOrDefault() == models.TargetContainer {
		if task.Container == "" {
			return failure("no container specified")
		}
		device, err := r.targetDevice(ctx, task)
		if err != nil {
			return failure("device not found")
		}
		if err := r.exec.StartContainer(ctx, device, task.Container); err != nil {
			return failure("%v", err)
		}
		return runResult{status: models.TaskSuccess}
	}

	device, err := r.targetDevice(ctx, task)
	if err != nil {
		return failure("device not found")
	}
	if device.WOL == nil || device.WOL.MAC == "" {
		return failure("no WOL configured")
	}
	broadcast := device.WOL.Broadcast
	if broadcast == "" {
		broadcast = "255.255.255.255"
	}
	if err := r.exec.WakeOnLAN(device.WOL.MAC, broadcast); err != nil {
		return failure("%v", err)
	}
	return runResult{status: models.TaskSuccess}
}

// runShutdown powers off a device target, or stops a container.
func (r *Runner) runShutdown(ctx context.Context, task *models.Task) runResult {
	if task.TargetOrDefault() == models.TargetContainer {
		if task.Container == "" {
			return failure("no container specified")
		}
		device, err := r.targetDevice(ctx, task)
		if err != nil {
			return failure("device not found")
		}
		if err := r.exec.StopContainer(ctx, device, task.Container); err != nil {
			return failure("%v", err)
		}
		return runResult{status: models.TaskSuccess}
	}

	device, err := r.targetDevice(ctx, task)
	if err != nil {
		return failure("device not found")
	}
	if !device.IsHost && !device.HasSSH() {
		return failure("device has no SSH configured")
	}
	if err := r.exec.Shutdown(ctx, device); err != nil {
		return failure("%v", err)
	}
	return runResult{status: models.TaskSuccess}
}

// targetDevice resolves the device a wake/shutdown task acts on, defaulting
// to the host for container targets without an explicit device.
func (r *Runner) targetDevice(ctx context.Context, task *models.Task) (*models.Device, error) {
	id := task.TargetDeviceID()
	if id == "" && task.TargetOrDefault() == models.TargetContainer {
		id = "host"
	}
	return r.store.Devices().Get(ctx, id)
}
