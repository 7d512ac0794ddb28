// Package store provides configuration persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/deqlabs/deq/internal/models"
)

// Common errors returned by store operations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// DeviceStore defines operations for device records.
type DeviceStore interface {
	// Get retrieves a device by ID.
	Get(ctx context.Context, id string) (*models.Device, error)
	// List retrieves all devices. The host device is always present.
	List(ctx context.Context) ([]*models.Device, error)
	// Save creates or replaces a device record.
	Save(ctx context.Context, device *models.Device) error
	// Delete removes a device by ID. The host device cannot be removed.
	Delete(ctx context.Context, id string) error
}

// TaskStore defines operations for scheduled task records.
type TaskStore interface {
	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*models.Task, error)
	// List retrieves all tasks.
	List(ctx context.Context) ([]*models.Task, error)
	// Save creates or replaces a task record.
	Save(ctx context.Context, task *models.Task) error
	// Delete removes a task by ID.
	Delete(ctx context.Context, id string) error
}

// SettingsStore defines operations for global settings sections.
type SettingsStore interface {
	// Notifications retrieves the notification settings.
	Notifications(ctx context.Context) (models.NotificationSettings, error)
	// SaveNotifications replaces the notification settings.
	SaveNotifications(ctx context.Context, settings models.NotificationSettings) error
	// Auth retrieves the authentication settings.
	Auth(ctx context.Context) (models.AuthSettings, error)
	// SaveAuth replaces the authentication settings.
	SaveAuth(ctx context.Context, settings models.AuthSettings) error
}

// HistoryStore defines operations for per-device stat history.
type HistoryStore interface {
	// Record stores an hourly cpu/temp sample for a device.
	Record(ctx context.Context, deviceID string, cpu int, temp *int) error
	// Load retrieves the history for a device, keyed by date (YYYY-MM-DD).
	Load(ctx context.Context, deviceID string) (map[string]DayHistory, error)
}

// DayHistory is one day of recorded samples for a device.
type DayHistory struct {
	Hourly map[string]HourSample `json:"hourly"`
	Totals DayTotals             `json:"totals"`
}

// HourSample is the latest sample recorded for one hour of the day.
type HourSample struct {
	CPU  int  `json:"cpu"`
	Temp *int `json:"temp,omitempty"`
}

// DayTotals accumulates per-day aggregates.
type DayTotals struct {
	Samples int `json:"samples"`
	CPUSum  int `json:"cpu_sum"`
	TempMax int `json:"temp_max"`
}

// Store is the main interface for configuration persistence. Writes are
// last-writer-wins; there is no transactional guarantee across writers.
type Store interface {
	// Devices returns the DeviceStore for device operations.
	Devices() DeviceStore
	// Tasks returns the TaskStore for task operations.
	Tasks() TaskStore
	// Settings returns the SettingsStore for global settings.
	Settings() SettingsStore
	// History returns the HistoryStore for device stat history.
	History() HistoryStore

	// Close releases store resources.
	Close() error
}
