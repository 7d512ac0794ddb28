package models

import "time"

// OnlineState is the tri-state reachability of a device.
type OnlineState string

const (
	// OnlineUnknown means the device has never been checked.
	OnlineUnknown OnlineState = "unknown"
	// Online means the device responded to the last reachability probe.
	Online OnlineState = "online"
	// Offline means the device did not respond to the last probe.
	Offline OnlineState = "offline"
)

// Known container lifecycle states as reported by the container runtime.
// Anything the runtime reports is stored verbatim; these are the values the
// dashboard reasons about.
const (
	ContainerRunning = "running"
	ContainerExited  = "exited"
	ContainerUnknown = "unknown"
)

// DiskUsage is the usage of a single mounted filesystem.
type DiskUsage struct {
	Mount  string `json:"mount"`
	Total  int64  `json:"total"`
	Used   int64  `json:"used"`
	Device string `json:"device,omitempty"`
}

// UsagePercent returns used space as a percentage of total, or 0 when unknown.
func (d DiskUsage) UsagePercent() int {
	if d.Total <= 0 {
		return 0
	}
	return int(d.Used * 100 / d.Total)
}

// DiskHealth is SMART state and temperature for a physical disk.
type DiskHealth struct {
	Temp  *int   `json:"temp,omitempty"`
	SMART string `json:"smart,omitempty"` // "ok", "failed" or empty when unknown
}

// ContainerStats is the resource usage of a single container.
type ContainerStats struct {
	CPU float64 `json:"cpu"`
	Mem float64 `json:"mem"`
}

// Stats is a resource snapshot of a device.
type Stats struct {
	CPU            int                       `json:"cpu"`
	RAMUsed        int64                     `json:"ram_used"`
	RAMTotal       int64                     `json:"ram_total"`
	Temp           *int                      `json:"temp,omitempty"`
	Disks          []DiskUsage               `json:"disks,omitempty"`
	Uptime         string                    `json:"uptime,omitempty"`
	DiskHealth     map[string]DiskHealth     `json:"disk_smart,omitempty"`
	ContainerStats map[string]ContainerStats `json:"container_stats,omitempty"`
}

// RAMPercent returns RAM usage as a percentage of total, or 0 when unknown.
func (s *Stats) RAMPercent() int {
	if s == nil || s.RAMTotal <= 0 {
		return 0
	}
	return int(s.RAMUsed * 100 / s.RAMTotal)
}

// MaxDiskPercent returns the highest filesystem usage percentage, or 0 when
// no disks were observed.
func (s *Stats) MaxDiskPercent() int {
	if s == nil {
		return 0
	}
	max := 0
	for _, d := range s.Disks {
		if p := d.UsagePercent(); p > max {
			max = p
		}
	}
	return max
}

// DeviceStatus is the last observed state of a device. Instances are replaced
// atomically by the status cache and must not be mutated after publication.
type DeviceStatus struct {
	Online     OnlineState       `json:"online"`
	Stats      *Stats            `json:"stats,omitempty"`
	Containers map[string]string `json:"containers,omitempty"` // name -> state
	CheckedAt  time.Time         `json:"checked_at"`
}

// IsOnline reports whether the device responded to its last probe.
func (s *DeviceStatus) IsOnline() bool {
	return s != nil && s.Online == Online
}
