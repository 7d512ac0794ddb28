package models

import "time"

// NtfySettings configures the ntfy.sh notification provider.
type NtfySettings struct {
	Enabled bool   `json:"enabled"`
	Server  string `json:"server,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Token   string `json:"token,omitempty"`
}

// WebhookSettings configures a webhook notification provider.
type WebhookSettings struct {
	Enabled bool              `json:"enabled"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// AlertToggles enables or disables individual alert categories.
type AlertToggles struct {
	DeviceOffline    bool `json:"device_offline"`
	ContainerStopped bool `json:"container_stopped"`
	HighCPU          bool `json:"high_cpu"`
	HighMemory       bool `json:"high_memory"`
	HighDisk         bool `json:"high_disk"`
}

// NotificationSettings is the notification section of the config store.
type NotificationSettings struct {
	Enabled bool            `json:"enabled"`
	Ntfy    NtfySettings    `json:"ntfy"`
	Discord WebhookSettings `json:"discord"`
	Slack   WebhookSettings `json:"slack"`
	Webhook WebhookSettings `json:"webhook"`
	Alerts  AlertToggles    `json:"alerts"`
}

// DefaultNotificationSettings returns notification settings with all alert
// categories enabled but delivery disabled.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		Ntfy: NtfySettings{Server: "https://ntfy.sh"},
		Alerts: AlertToggles{
			DeviceOffline:    true,
			ContainerStopped: true,
			HighCPU:          true,
			HighMemory:       true,
			HighDisk:         true,
		},
	}
}

// APIKey is a stored dashboard API key. Only the SHA-256 hash of the key
// material is persisted.
type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthSettings is the authentication section of the config store.
// PasswordHash is a bcrypt hash of the dashboard password; empty means
// password login is not set up.
type AuthSettings struct {
	Enabled      bool     `json:"enabled"`
	PasswordHash string   `json:"password_hash,omitempty"`
	APIKeys      []APIKey `json:"api_keys,omitempty"`
}
