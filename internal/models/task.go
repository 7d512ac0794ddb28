package models

import "time"

// TaskType identifies what a scheduled task does.
type TaskType string

const (
	// TaskBackup syncs a directory between two devices.
	TaskBackup TaskType = "backup"
	// TaskWake powers on a device (WOL) or starts a container.
	TaskWake TaskType = "wake"
	// TaskShutdown powers off a device or stops a container.
	TaskShutdown TaskType = "shutdown"
)

// ScheduleType is the recurrence rule of a task schedule.
type ScheduleType string

const (
	ScheduleHourly  ScheduleType = "hourly"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
)

// Schedule describes when a task recurs. Time is "HH:MM" local wall clock;
// hourly schedules use only the minute component. Day is 0=Sunday..6=Saturday
// for weekly schedules, Date is the day-of-month for monthly schedules.
type Schedule struct {
	Type ScheduleType `json:"type"`
	Time string       `json:"time,omitempty"`
	Day  int          `json:"day,omitempty"`
	Date int          `json:"date,omitempty"`
}

// TaskStatus is the outcome of the most recent task run.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// TargetKind selects whether a wake/shutdown task acts on a device or a
// container.
type TargetKind string

const (
	TargetDevice    TargetKind = "device"
	TargetContainer TargetKind = "container"
)

// BackupEndpoint is one side of a backup transfer.
type BackupEndpoint struct {
	Device string `json:"device"`
	Path   string `json:"path"`
}

// BackupOptions tunes backup behavior.
type BackupOptions struct {
	Delete bool `json:"delete,omitempty"`
}

// Task is a scheduled maintenance job.
type Task struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     TaskType `json:"type"`
	Enabled  bool     `json:"enabled"`
	Schedule Schedule `json:"schedule"`

	// Backup tasks
	Source  BackupEndpoint `json:"source,omitempty"`
	Dest    BackupEndpoint `json:"dest,omitempty"`
	Options BackupOptions  `json:"options,omitempty"`

	// Wake/shutdown tasks
	Target    TargetKind `json:"target,omitempty"`
	Device    string     `json:"device,omitempty"`
	Container string     `json:"container,omitempty"`

	// Run bookkeeping, maintained by the scheduler and task runner.
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus TaskStatus `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastSize   string     `json:"last_size,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.LastRun != nil {
		lr := *t.LastRun
		out.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := *t.NextRun
		out.NextRun = &nr
	}
	return &out
}

// TargetOrDefault returns the task target kind, defaulting to device.
func (t *Task) TargetOrDefault() TargetKind {
	if t.Target == "" {
		return TargetDevice
	}
	return t.Target
}

// TargetDeviceID returns the device a wake/shutdown task acts on, falling
// back to the backup source device for older task records.
func (t *Task) TargetDeviceID() string {
	if t.Device != "" {
		return t.Device
	}
	return t.Source.Device
}
