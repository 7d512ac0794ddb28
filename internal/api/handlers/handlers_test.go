package handlers

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deqlabs/deq/internal/audit"
	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/store"
)

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu            sync.Mutex
	devices       map[string]*models.Device
	tasks         map[string]*models.Task
	auth          models.AuthSettings
	notifications models.NotificationSettings
	history       map[string]map[string]store.DayHistory
}

func newMemStore() *memStore {
	m := &memStore{
		devices:       make(map[string]*models.Device),
		tasks:         make(map[string]*models.Task),
		notifications: models.DefaultNotificationSettings(),
		history:       make(map[string]map[string]store.DayHistory),
	}
	m.devices["host"] = &models.Device{ID: "host", Name: "Server", IsHost: true}
	return m
}

func (m *memStore) Devices() store.DeviceStore    { return (*memDevices)(m) }
func (m *memStore) Tasks() store.TaskStore        { return (*memTasks)(m) }
func (m *memStore) Settings() store.SettingsStore { return (*memSettings)(m) }
func (m *memStore) History() store.HistoryStore   { return (*memHistory)(m) }
func (m *memStore) Close() error                  { return nil }

type memDevices memStore

func (m *memDevices) Get(ctx context.Context, id string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (m *memDevices) List(ctx context.Context) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (m *memDevices) Save(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[device.ID] = device.Clone()
	return nil
}

func (m *memDevices) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

type memTasks memStore

func (m *memTasks) Get(ctx context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		return t.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (m *memTasks) List(ctx context.Context) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *memTasks) Save(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *memTasks) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

type memSettings memStore

func (m *memSettings) Notifications(ctx context.Context) (models.NotificationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifications, nil
}

func (m *memSettings) SaveNotifications(ctx context.Context, settings models.NotificationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = settings
	return nil
}

func (m *memSettings) Auth(ctx context.Context) (models.AuthSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings := m.auth
	settings.APIKeys = append([]models.APIKey(nil), m.auth.APIKeys...)
	return settings, nil
}

func (m *memSettings) SaveAuth(ctx context.Context, settings models.AuthSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auth = settings
	return nil
}

type memHistory memStore

func (m *memHistory) Record(ctx context.Context, deviceID string, cpu int, temp *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	days, ok := m.history[deviceID]
	if !ok {
		days = make(map[string]store.DayHistory)
		m.history[deviceID] = days
	}
	today := time.Now().Format("2006-01-02")
	day := days[today]
	day.Totals.Samples++
	day.Totals.CPUSum += cpu
	days[today] = day
	return nil
}

func (m *memHistory) Load(ctx context.Context, deviceID string) (map[string]store.DayHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]store.DayHistory, len(m.history[deviceID]))
	for date, day := range m.history[deviceID] {
		out[date] = day
	}
	return out, nil
}

// stubFetcher serves the status cache without touching the network.
type stubFetcher struct{ online bool }

func (f stubFetcher) Probe(ctx context.Context, device *models.Device) bool { return f.online }

func (f stubFetcher) FetchStats(ctx context.Context, device *models.Device) (*models.Stats, error) {
	return &models.Stats{CPU: 10}, nil
}

func (f stubFetcher) FetchContainerStates(ctx context.Context, device *models.Device) map[string]string {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAudit() *audit.Logger {
	return audit.New(testLogger())
}
