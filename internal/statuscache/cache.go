// Package statuscache maintains the last observed status of every device and
// drives staleness-triggered asynchronous refreshes.
//
// Reads are always served from the cache without blocking. A refresh runs
// detached from its trigger; at most one refresh is in flight per device, and
// duplicate triggers are dropped silently.
package statuscache

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/notify"
)

// Fetcher retrieves the current state of a device from its source of truth.
type Fetcher interface {
	// Probe reports whether the device answers a reachability check.
	Probe(ctx context.Context, device *models.Device) bool
	// FetchStats retrieves the device's resource snapshot.
	FetchStats(ctx context.Context, device *models.Device) (*models.Stats, error)
	// FetchContainerStates retrieves lifecycle states for the device's
	// configured containers, keyed by container name.
	FetchContainerStates(ctx context.Context, device *models.Device) map[string]string
}

// Notifier delivers alert events. Implementations must not let delivery
// failures reach the caller.
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Recorder persists one stat sample per successful refresh for later history
// queries.
type Recorder interface {
	Record(ctx context.Context, deviceID string, cpu int, temp *int) error
}

// Cache is the device status cache. All exported methods are safe for
// concurrent use.
type Cache struct {
	fetcher  Fetcher
	notifier Notifier // optional
	recorder Recorder // optional
	logger   *slog.Logger

	mu             sync.Mutex
	statuses       map[string]*models.DeviceStatus
	inFlight       map[string]struct{}
	prevOnline     map[string]bool
	prevContainers map[string]map[string]string
}

// New creates an empty cache. The notifier and recorder may be nil, in which
// case state transitions are not reported and samples are not kept.
func New(fetcher Fetcher, notifier Notifier, recorder Recorder, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher:        fetcher,
		notifier:       notifier,
		recorder:       recorder,
		logger:         logger,
		statuses:       make(map[string]*models.DeviceStatus),
		inFlight:       make(map[string]struct{}),
		prevOnline:     make(map[string]bool),
		prevContainers: make(map[string]map[string]string),
	}
}

// Get returns the last stored status for a device, if any. It never triggers
// work and never blocks on an in-flight refresh.
func (c *Cache) Get(deviceID string) (*models.DeviceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[deviceID]
	return status, ok
}

// All returns a snapshot of every cached status, keyed by device ID.
func (c *Cache) All() map[string]*models.DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.statuses)
}

// Refreshing reports whether a refresh is currently in flight for the device.
func (c *Cache) Refreshing(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[deviceID]
	return ok
}

// Clear drops the cached status for a device.
func (c *Cache) Clear(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.statuses, deviceID)
}

// RefreshAsync schedules a refresh of the device's status and returns
// immediately. If a refresh for this device is already in flight the call is
// a no-op. The caller may keep reading stale data until the refresh lands.
func (c *Cache) RefreshAsync(ctx context.Context, device *models.Device) {
	c.mu.Lock()
	if _, busy := c.inFlight[device.ID]; busy {
		c.mu.Unlock()
		return
	}
	c.inFlight[device.ID] = struct{}{}
	c.mu.Unlock()

	// Snapshot the device record so config edits during the refresh cannot
	// race with it, and detach from the caller's cancellation.
	snapshot := device.Clone()
	go c.refresh(context.WithoutCancel(ctx), snapshot)
}

// refresh is the detached refresh body. The in-flight marker is cleared on
// every exit path; failures are logged, never propagated.
func (c *Cache) refresh(ctx context.Context, device *models.Device) {
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, device.ID)
		c.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("device refresh panicked", "device_id", device.ID, "panic", r)
		}
	}()

	containers := c.fetcher.FetchContainerStates(ctx, device)

	status := &models.DeviceStatus{
		Containers: containers,
		CheckedAt:  time.Now(),
	}

	if device.IsHost {
		status.Online = models.Online
		stats, err := c.fetcher.FetchStats(ctx, device)
		if err != nil {
			c.logger.Warn("fetching host stats", "device_id", device.ID, "error", err)
		}
		status.Stats = stats
	} else {
		if c.fetcher.Probe(ctx, device) {
			status.Online = models.Online
			if device.HasSSH() {
				stats, err := c.fetcher.FetchStats(ctx, device)
				if err != nil {
					c.logger.Warn("fetching remote stats", "device_id", device.ID, "error", err)
				}
				status.Stats = stats
			}
		} else {
			status.Online = models.Offline
		}
	}

	if c.recorder != nil && status.Online == models.Online && status.Stats != nil {
		if err := c.recorder.Record(ctx, device.ID, status.Stats.CPU, status.Stats.Temp); err != nil {
			c.logger.Warn("recording stat sample", "device_id", device.ID, "error", err)
		}
	}

	c.detectChanges(ctx, device, status)

	c.mu.Lock()
	c.statuses[device.ID] = status
	c.mu.Unlock()
}

// detectChanges compares the new status against the remembered previous state,
// updates the previous state unconditionally, and then dispatches any alert
// events. Previous state is committed before dispatch so a misbehaving
// notifier cannot leave edge detection pointing at stale state.
func (c *Cache) detectChanges(ctx context.Context, device *models.Device, status *models.DeviceStatus) {
	alerts := device.EffectiveAlerts()
	var events []notify.Event

	// Online transitions are only meaningful for remote devices, and only
	// once a prior state exists: the first ever check stays silent.
	if !device.IsHost {
		newOnline := status.Online == models.Online
		c.mu.Lock()
		prev, seen := c.prevOnline[device.ID]
		c.prevOnline[device.ID] = newOnline
		c.mu.Unlock()

		if seen && prev != newOnline && alerts.Online {
			if newOnline {
				events = append(events, notify.DeviceOnline{DeviceID: device.ID, DeviceName: device.DisplayName()})
			} else {
				events = append(events, notify.DeviceOffline{DeviceID: device.ID, DeviceName: device.DisplayName()})
			}
		}
	}

	// Only the running -> non-running edge is alerted; containers coming
	// back up stay silent.
	c.mu.Lock()
	prevContainers := c.prevContainers[device.ID]
	c.prevContainers[device.ID] = maps.Clone(status.Containers)
	c.mu.Unlock()

	for name, state := range status.Containers {
		if prevContainers[name] == models.ContainerRunning && state != models.ContainerRunning {
			events = append(events, notify.ContainerStopped{
				DeviceID:   device.ID,
				DeviceName: device.DisplayName(),
				Container:  name,
			})
		}
	}

	if status.Stats != nil && status.Online == models.Online {
		events = append(events, thresholdEvents(device, status.Stats, alerts)...)
	}

	if c.notifier == nil {
		return
	}
	for _, ev := range events {
		c.notifier.Dispatch(ctx, ev)
	}
}

// thresholdEvents returns one event per metric strictly exceeding its
// threshold; multiple metrics may fire in the same refresh.
func thresholdEvents(device *models.Device, stats *models.Stats, alerts models.EffectiveAlerts) []notify.Event {
	var events []notify.Event
	name := device.DisplayName()

	if stats.CPU > alerts.CPU {
		events = append(events, notify.HighResourceUsage{
			DeviceID: device.ID, DeviceName: name,
			Resource: "CPU", Value: stats.CPU, Threshold: alerts.CPU,
		})
	}
	if ram := stats.RAMPercent(); ram > alerts.RAM {
		events = append(events, notify.HighResourceUsage{
			DeviceID: device.ID, DeviceName: name,
			Resource: "RAM", Value: ram, Threshold: alerts.RAM,
		})
	}
	if disk := stats.MaxDiskPercent(); disk > alerts.DiskUsage {
		events = append(events, notify.HighResourceUsage{
			DeviceID: device.ID, DeviceName: name,
			Resource: "Disk", Value: disk, Threshold: alerts.DiskUsage,
		})
	}
	if stats.Temp != nil && *stats.Temp > alerts.CPUTemp {
		events = append(events, notify.HighResourceUsage{
			DeviceID: device.ID, DeviceName: name,
			Resource: "Temperature", Value: *stats.Temp, Threshold: alerts.CPUTemp,
		})
	}
	return events
}
