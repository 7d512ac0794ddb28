// Package models defines the data structures shared across the dashboard.
package models

// SSHConfig holds the SSH credentials for a remote device.
type SSHConfig struct {
	User string `json:"user"`
	Port int    `json:"port,omitempty"`
}

// PortOrDefault returns the configured SSH port, defaulting to 22.
func (s *SSHConfig) PortOrDefault() int {
	if s == nil || s.Port == 0 {
		return 22
	}
	return s.Port
}

// WOLConfig holds Wake-on-LAN settings for a device.
type WOLConfig struct {
	MAC       string `json:"mac"`
	Broadcast string `json:"broadcast,omitempty"`
}

// AlertThresholds configures per-device alert limits. Nil fields fall back to
// the defaults in DefaultAlerts.
type AlertThresholds struct {
	Online    *bool `json:"online,omitempty"`
	CPU       *int  `json:"cpu,omitempty"`
	RAM       *int  `json:"ram,omitempty"`
	CPUTemp   *int  `json:"cpu_temp,omitempty"`
	DiskUsage *int  `json:"disk_usage,omitempty"`
}

// Default alert thresholds, applied when a device does not override them.
const (
	DefaultCPUThreshold       = 90
	DefaultRAMThreshold       = 90
	DefaultCPUTempThreshold   = 80
	DefaultDiskUsageThreshold = 90
)

// EffectiveAlerts holds the fully resolved alert thresholds for a device.
type EffectiveAlerts struct {
	Online    bool `json:"online"`
	CPU       int  `json:"cpu"`
	RAM       int  `json:"ram"`
	CPUTemp   int  `json:"cpu_temp"`
	DiskUsage int  `json:"disk_usage"`
}

// DefaultAlerts returns the default alert thresholds.
func DefaultAlerts() EffectiveAlerts {
	return EffectiveAlerts{
		Online:    true,
		CPU:       DefaultCPUThreshold,
		RAM:       DefaultRAMThreshold,
		CPUTemp:   DefaultCPUTempThreshold,
		DiskUsage: DefaultDiskUsageThreshold,
	}
}

// Device represents a managed machine, either the local host or an
// SSH-reachable remote.
type Device struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	IP         string           `json:"ip"`
	Icon       string           `json:"icon,omitempty"`
	IsHost     bool             `json:"is_host,omitempty"`
	SSH        *SSHConfig       `json:"ssh,omitempty"`
	WOL        *WOLConfig       `json:"wol,omitempty"`
	Containers []string         `json:"containers,omitempty"`
	Alerts     *AlertThresholds `json:"alerts,omitempty"`
}

// DisplayName returns the device name, falling back to its ID.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// HasSSH reports whether the device has usable SSH credentials.
func (d *Device) HasSSH() bool {
	return d.SSH != nil && d.SSH.User != ""
}

// EffectiveAlerts resolves the device's alert thresholds against the defaults.
func (d *Device) EffectiveAlerts() EffectiveAlerts {
	out := DefaultAlerts()
	if d.Alerts == nil {
		return out
	}
	if d.Alerts.Online != nil {
		out.Online = *d.Alerts.Online
	}
	if d.Alerts.CPU != nil {
		out.CPU = *d.Alerts.CPU
	}
	if d.Alerts.RAM != nil {
		out.RAM = *d.Alerts.RAM
	}
	if d.Alerts.CPUTemp != nil {
		out.CPUTemp = *d.Alerts.CPUTemp
	}
	if d.Alerts.DiskUsage != nil {
		out.DiskUsage = *d.Alerts.DiskUsage
	}
	return out
}

// Clone returns a deep copy of the device.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	out := *d
	if d.SSH != nil {
		ssh := *d.SSH
		out.SSH = &ssh
	}
	if d.WOL != nil {
		wol := *d.WOL
		out.WOL = &wol
	}
	if d.Containers != nil {
		out.Containers = append([]string(nil), d.Containers...)
	}
	if d.Alerts != nil {
		alerts := *d.Alerts
		out.Alerts = &alerts
	}
	return &out
}

// DefaultHostDevice returns the implicit device record for the machine
// running the dashboard. The config store guarantees it always exists.
func DefaultHostDevice() *Device {
	return &Device{
		ID:     "host",
		Name:   "DeQ Host",
		IP:     "localhost",
		Icon:   "cpu",
		IsHost: true,
	}
}
