// Package jsonfile provides a JSON-file implementation of the store interfaces.
// The whole configuration lives in one file; writes are last-writer-wins.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/store"
)

// Cipher seals sensitive settings fields at rest. A nil Cipher stores them in
// the clear.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// UISettings is the dashboard appearance section.
type UISettings struct {
	Theme       string `json:"theme"`
	TextColor   string `json:"text_color"`
	AccentColor string `json:"accent_color"`
}

// fileConfig is the on-disk layout of the configuration file.
type fileConfig struct {
	Settings      UISettings                  `json:"settings"`
	Devices       []*models.Device            `json:"devices"`
	Tasks         []*models.Task              `json:"tasks"`
	Auth          models.AuthSettings         `json:"auth"`
	Notifications models.NotificationSettings `json:"notifications"`
}

// Store implements store.Store backed by a JSON file under dataDir.
type Store struct {
	path       string
	historyDir string
	cipher     Cipher
	logger     *slog.Logger

	mu  sync.Mutex
	cfg *fileConfig

	devices  *deviceStore
	tasks    *taskStore
	settings *settingsStore
	history  *historyStore
}

// Open loads (or initializes) the configuration file under dataDir.
func Open(dataDir string, cipher Cipher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	historyDir := filepath.Join(dataDir, "history")
	for _, dir := range []string{dataDir, historyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	s := &Store{
		path:       filepath.Join(dataDir, "config.json"),
		historyDir: historyDir,
		cipher:     cipher,
		logger:     logger,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	s.devices = &deviceStore{s}
	s.tasks = &taskStore{s}
	s.settings = &settingsStore{s}
	s.history = &historyStore{s}
	return s, nil
}

// Devices returns the DeviceStore.
func (s *Store) Devices() store.DeviceStore { return s.devices }

// Tasks returns the TaskStore.
func (s *Store) Tasks() store.TaskStore { return s.tasks }

// Settings returns the SettingsStore.
func (s *Store) Settings() store.SettingsStore { return s.settings }

// History returns the HistoryStore.
func (s *Store) History() store.HistoryStore { return s.history }

// Close flushes nothing; the file is written on every save.
func (s *Store) Close() error { return nil }

// load reads the config file, merging defaults and guaranteeing the host
// device exists.
func (s *Store) load() error {
	cfg := &fileConfig{
		Settings:      UISettings{Theme: "dark", TextColor: "#e0e0e0", AccentColor: "#2ed573"},
		Notifications: models.DefaultNotificationSettings(),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing %s: %w", s.path, err)
		}
	case os.IsNotExist(err):
		// First start, defaults apply.
	default:
		return fmt.Errorf("reading %s: %w", s.path, err)
	}

	hostExists := false
	for _, d := range cfg.Devices {
		if d.IsHost {
			hostExists = true
			break
		}
	}
	if !hostExists {
		cfg.Devices = append([]*models.Device{models.DefaultHostDevice()}, cfg.Devices...)
	}

	s.cfg = cfg
	return nil
}

// persist writes the current configuration. Caller must hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

type deviceStore struct{ s *Store }

func (d *deviceStore) Get(ctx context.Context, id string) (*models.Device, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, dev := range d.s.cfg.Devices {
		if dev.ID == id {
			return dev.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (d *deviceStore) List(ctx context.Context) ([]*models.Device, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	out := make([]*models.Device, 0, len(d.s.cfg.Devices))
	for _, dev := range d.s.cfg.Devices {
		out = append(out, dev.Clone())
	}
	return out, nil
}

func (d *deviceStore) Save(ctx context.Context, device *models.Device) error {
	if device.ID == "" {
		return fmt.Errorf("device id is required")
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	saved := device.Clone()
	for i, dev := range d.s.cfg.Devices {
		if dev.ID == device.ID {
			d.s.cfg.Devices[i] = saved
			return d.s.persist()
		}
	}
	d.s.cfg.Devices = append(d.s.cfg.Devices, saved)
	return d.s.persist()
}

func (d *deviceStore) Delete(ctx context.Context, id string) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for i, dev := range d.s.cfg.Devices {
		if dev.ID != id {
			continue
		}
		if dev.IsHost {
			return fmt.Errorf("host device cannot be removed")
		}
		d.s.cfg.Devices = append(d.s.cfg.Devices[:i], d.s.cfg.Devices[i+1:]...)
		return d.s.persist()
	}
	return store.ErrNotFound
}

type taskStore struct{ s *Store }

func (t *taskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, task := range t.s.cfg.Tasks {
		if task.ID == id {
			return task.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *taskStore) List(ctx context.Context) ([]*models.Task, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := make([]*models.Task, 0, len(t.s.cfg.Tasks))
	for _, task := range t.s.cfg.Tasks {
		out = append(out, task.Clone())
	}
	return out, nil
}

func (t *taskStore) Save(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	saved := task.Clone()
	for i, existing := range t.s.cfg.Tasks {
		if existing.ID == task.ID {
			t.s.cfg.Tasks[i] = saved
			return t.s.persist()
		}
	}
	t.s.cfg.Tasks = append(t.s.cfg.Tasks, saved)
	return t.s.persist()
}

func (t *taskStore) Delete(ctx context.Context, id string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i, task := range t.s.cfg.Tasks {
		if task.ID == id {
			t.s.cfg.Tasks = append(t.s.cfg.Tasks[:i], t.s.cfg.Tasks[i+1:]...)
			return t.s.persist()
		}
	}
	return store.ErrNotFound
}

type settingsStore struct{ s *Store }

func (st *settingsStore) Notifications(ctx context.Context) (models.NotificationSettings, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	settings := st.s.cfg.Notifications
	if st.s.cipher != nil && settings.Ntfy.Token != "" {
		token, err := st.s.cipher.Decrypt(settings.Ntfy.Token)
		if err != nil {
			return models.NotificationSettings{}, fmt.Errorf("decrypting ntfy token: %w", err)
		}
		settings.Ntfy.Token = token
	}
	return settings, nil
}

func (st *settingsStore) SaveNotifications(ctx context.Context, settings models.NotificationSettings) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.cipher != nil && settings.Ntfy.Token != "" {
		sealed, err := st.s.cipher.Encrypt(settings.Ntfy.Token)
		if err != nil {
			return fmt.Errorf("encrypting ntfy token: %w", err)
		}
		settings.Ntfy.Token = sealed
	}
	st.s.cfg.Notifications = settings
	return st.s.persist()
}

func (st *settingsStore) Auth(ctx context.Context) (models.AuthSettings, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	settings := st.s.cfg.Auth
	settings.APIKeys = append([]models.APIKey(nil), st.s.cfg.Auth.APIKeys...)
	return settings, nil
}

func (st *settingsStore) SaveAuth(ctx context.Context, settings models.AuthSettings) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.cfg.Auth = settings
	return st.s.persist()
}
