// Package notify dispatches alert events to configured notification channels.
// Delivery is fire-and-forget: provider failures are logged, never surfaced to
// the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deqlabs/deq/internal/models"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Event is a closed set of alert events the dashboard can emit.
type Event interface {
	isEvent()
}

// DeviceOffline signals a device stopped responding to probes.
type DeviceOffline struct {
	DeviceID   string
	DeviceName string
}

// DeviceOnline signals a device came back after being offline.
type DeviceOnline struct {
	DeviceID   string
	DeviceName string
}

// ContainerStopped signals a container left the running state.
type ContainerStopped struct {
	DeviceID   string
	DeviceName string
	Container  string
}

// HighResourceUsage signals a metric exceeded its alert threshold.
type HighResourceUsage struct {
	DeviceID   string
	DeviceName string
	Resource   string // "CPU", "RAM", "Disk", "Temperature"
	Value      int
	Threshold  int
}

// TaskFailed signals a scheduled task run failed.
type TaskFailed struct {
	TaskID   string
	TaskName string
	Error    string
}

func (DeviceOffline) isEvent()     {}
func (DeviceOnline) isEvent()      {}
func (ContainerStopped) isEvent()  {}
func (HighResourceUsage) isEvent() {}
func (TaskFailed) isEvent()        {}

// Field is an auxiliary key/value shown by providers that support rich
// payloads.
type Field struct {
	Name  string
	Value string
}

// Message is a rendered event ready for provider delivery.
type Message struct {
	Title   string
	Body    string
	Level   Level
	Fields  []Field
	EventAt time.Time
}

// Provider delivers a rendered message to one channel.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// Send delivers the message. Errors are isolated per provider.
	Send(ctx context.Context, msg Message) error
}

// SettingsSource supplies the current notification settings.
type SettingsSource interface {
	Notifications(ctx context.Context) (models.NotificationSettings, error)
}

// Dispatcher fans events out to the providers enabled in settings.
type Dispatcher struct {
	settings SettingsSource
	client   *http.Client
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher reading channel configuration from
// settings on each dispatch, so settings edits take effect immediately.
func NewDispatcher(settings SettingsSource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		settings: settings,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

// Dispatch renders the event and sends it to every enabled provider. It never
// returns an error; failed deliveries are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	settings, err := d.settings.Notifications(ctx)
	if err != nil {
		d.logger.Error("loading notification settings", "error", err)
		return
	}
	if !settings.Enabled || !eventEnabled(ev, settings.Alerts) {
		return
	}

	msg := render(ev)
	for _, p := range d.providers(settings) {
		if err := p.Send(ctx, msg); err != nil {
			d.logger.Warn("notification delivery failed",
				"provider", p.Name(),
				"title", msg.Title,
				"error", err,
			)
		}
	}
}

// Test sends a fixed test message to every enabled provider, bypassing the
// per-category alert toggles. It returns an error when no provider is
// configured or any delivery fails.
func (d *Dispatcher) Test(ctx context.Context) error {
	settings, err := d.settings.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("loading notification settings: %w", err)
	}
	providers := d.providers(settings)
	if len(providers) == 0 {
		return errors.New("no notification channels configured")
	}

	msg := Message{
		Title:   "Test Notification",
		Body:    "Notifications are working.",
		Level:   LevelInfo,
		EventAt: time.Now(),
	}
	var errs []error
	for _, p := range providers {
		if err := p.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// providers builds the provider list for the current settings.
func (d *Dispatcher) providers(settings models.NotificationSettings) []Provider {
	var out []Provider
	if settings.Ntfy.Enabled && settings.Ntfy.Topic != "" {
		out = append(out, &ntfyProvider{cfg: settings.Ntfy, client: d.client})
	}
	if settings.Discord.Enabled && settings.Discord.URL != "" {
		out = append(out, &webhookProvider{name: "discord", kind: webhookDiscord, cfg: settings.Discord, client: d.client})
	}
	if settings.Slack.Enabled && settings.Slack.URL != "" {
		out = append(out, &webhookProvider{name: "slack", kind: webhookSlack, cfg: settings.Slack, client: d.client})
	}
	if settings.Webhook.Enabled && settings.Webhook.URL != "" {
		out = append(out, &webhookProvider{name: "webhook", kind: webhookGeneric, cfg: settings.Webhook, client: d.client})
	}
	return out
}

// eventEnabled applies the per-category alert toggles.
func eventEnabled(ev Event, toggles models.AlertToggles) bool {
	switch ev := ev.(type) {
	case DeviceOffline, DeviceOnline:
		return toggles.DeviceOffline
	case ContainerStopped:
		return toggles.ContainerStopped
	case HighResourceUsage:
		switch ev.Resource {
		case "CPU", "Temperature":
			return toggles.HighCPU
		case "RAM":
			return toggles.HighMemory
		case "Disk":
			return toggles.HighDisk
		}
		return true
	case TaskFailed:
		return true
	}
	return true
}

// render turns an event into a provider-agnostic message.
func render(ev Event) Message {
	msg := Message{EventAt: time.Now()}
	switch ev := ev.(type) {
	case DeviceOffline:
		msg.Title = fmt.Sprintf("%s Offline", ev.DeviceName)
		msg.Body = fmt.Sprintf("Device '%s' is no longer responding", ev.DeviceName)
		msg.Level = LevelWarning
		msg.Fields = deviceFields(ev.DeviceID, ev.DeviceName)
	case DeviceOnline:
		msg.Title = fmt.Sprintf("%s Online", ev.DeviceName)
		msg.Body = fmt.Sprintf("Device '%s' is back online", ev.DeviceName)
		msg.Level = LevelInfo
		msg.Fields = deviceFields(ev.DeviceID, ev.DeviceName)
	case ContainerStopped:
		msg.Title = "Container Stopped"
		msg.Body = fmt.Sprintf("Container '%s' on %s has stopped", ev.Container, ev.DeviceName)
		msg.Level = LevelWarning
		msg.Fields = append(deviceFields(ev.DeviceID, ev.DeviceName), Field{Name: "Container", Value: ev.Container})
	case HighResourceUsage:
		msg.Title = fmt.Sprintf("High %s on %s", ev.Resource, ev.DeviceName)
		msg.Body = fmt.Sprintf("%s usage is %d%% (threshold: %d%%)", ev.Resource, ev.Value, ev.Threshold)
		msg.Level = LevelWarning
		msg.Fields = deviceFields(ev.DeviceID, ev.DeviceName)
	case TaskFailed:
		msg.Title = fmt.Sprintf("Task Failed: %s", ev.TaskName)
		msg.Body = fmt.Sprintf("Scheduled task failed: %s", ev.Error)
		msg.Level = LevelError
	}
	return msg
}

func deviceFields(id, name string) []Field {
	if name != "" {
		return []Field{{Name: "Device", Value: name}}
	}
	return []Field{{Name: "Device ID", Value: id}}
}
