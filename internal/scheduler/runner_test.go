package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/notify"
	"github.com/deqlabs/deq/internal/store"
)

// memStore is an in-memory store.Store for tests.
type memStore struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	tasks   map[string]*models.Task
}

func newMemStore() *memStore {
	return &memStore{
		devices: make(map[string]*models.Device),
		tasks:   make(map[string]*models.Task),
	}
}

func (m *memStore) Devices() store.DeviceStore    { return (*memDevices)(m) }
func (m *memStore) Tasks() store.TaskStore        { return (*memTasks)(m) }
func (m *memStore) Settings() store.SettingsStore { panic("not used") }
func (m *memStore) History() store.HistoryStore   { panic("not used") }
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
	delete(m.tasks, id)
	return nil
}

// fakeCommands records invocations of the command layer.
type fakeCommands struct {
	mu         sync.Mutex
	online     bool
	syncs      []SyncRequest
	syncErr    error
	syncSize   string
	started    []string
	stopped    []string
	woken      []string
	shutdowns  []string
	block      chan struct{} // when non-nil, Sync waits on it
	actionErr  error
	probeCalls int
}

func (f *fakeCommands) Probe(ctx context.Context, device *models.Device) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	return f.online
}

func (f *fakeCommands) StartContainer(ctx context.Context, device *models.Device, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, device.ID+"/"+container)
	return f.actionErr
}

func (f *fakeCommands) StopContainer(ctx context.Context, device *models.Device, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, device.ID+"/"+container)
	return f.actionErr
}

func (f *fakeCommands) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	f.mu.Lock()
	f.syncs = append(f.syncs, req)
	block := f.block
	err := f.syncErr
	size := f.syncSize
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return SyncResult{}, ctx.Err()
		}
	}
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Size: size}, nil
}

func (f *fakeCommands) WakeOnLAN(mac, broadcast string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.woken = append(f.woken, mac+"@"+broadcast)
	return f.actionErr
}

func (f *fakeCommands) Shutdown(ctx context.Context, device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, device.ID)
	return f.actionErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type taskNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *taskNotifier) Dispatch(ctx context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func testFixture() (*memStore, *fakeCommands, *Runner) {
	st := newMemStore()
	st.devices["host"] = &models.Device{ID: "host", Name: "Server", IsHost: true}
	st.devices["nas"] = &models.Device{
		ID:   "nas",
		Name: "NAS",
		IP:   "192.168.1.50",
		SSH:  &models.SSHConfig{User: "admin"},
		WOL:  &models.WOLConfig{MAC: "aa:bb:cc:dd:ee:ff"},
	}
	st.devices["pi"] = &models.Device{
		ID:   "pi",
		Name: "Pi",
		IP:   "192.168.1.60",
		SSH:  &models.SSHConfig{User: "pi"},
	}
	cmds := &fakeCommands{online: true, syncSize: "1.5GB"}
	runner := NewRunner(st, cmds, nil, time.Minute, discardLogger())
	return st, cmds, runner
}

// waitDone waits for a detached run to finish.
func waitDone(t *testing.T, r *Runner, taskID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.IsRunning(taskID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
}

func TestRunUnknownTask(t *testing.T) {
	_, _, runner := testFixture()
	if err := runner.Run(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	st, cmds, runner := testFixture()
	block := make(chan struct{})
	cmds.block = block

	st.tasks["backup"] = &models.Task{
		ID:      "backup",
		Name:    "backup",
		Type:    models.TaskBackup,
		Enabled: true,
		Source:  models.BackupEndpoint{Device: "host", Path: "/data"},
		Dest:    models.BackupEndpoint{Device: "nas", Path: "/backup"},
	}

	if err := runner.Run(context.Background(), "backup"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := runner.Run(context.Background(), "backup"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second run err = %v, want ErrAlreadyRunning", err)
	}

	close(block)
	waitDone(t, runner, "backup")

	// After completion, a new run is accepted again.
	if err := runner.Run(context.Background(), "backup"); err != nil {
		t.Errorf("run after completion: %v", err)
	}
	waitDone(t, runner, "backup")
}

func TestBackupSuccessPersistsResult(t *testing.T) {
	st, cmds, runner := testFixture()
	st.tasks["backup"] = &models.Task{
		ID:      "backup",
		Name:    "backup",
		Type:    models.TaskBackup,
		Enabled: true,
		Source:  models.BackupEndpoint{Device: "host", Path: "/data"},
		Dest:    models.BackupEndpoint{Device: "nas", Path: "/backup"},
		Options: models.BackupOptions{Delete: true},
	}

	if err := runner.Run(context.Background(), "backup"); err != nil {
		t.Fatalf("run: %v", err)
	}
	waitDone(t, runner, "backup")

	task, _ := st.Tasks().Get(context.Background(), "backup")
	if task.LastStatus != models.TaskSuccess {
		t.Errorf("status = %q (%s), want success", task.LastStatus, task.LastError)
	}
	if task.LastSize != "1.5GB" {
		t.Errorf("size = %q, want 1.5GB", task.LastSize)
	}
	if task.LastRun == nil {
		t.Error("LastRun not set")
	}

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.syncs) != 1 {
		t.Fatalf("got %d syncs, want 1", len(cmds.syncs))
	}
	if !cmds.syncs[0].Delete {
		t.Error("delete option not forwarded")
	}
}

func TestBackupSkippedWhenSourceOffline(t *testing.T) {
	st, cmds, runner := testFixture()
	cmds.online = false
	st.tasks["backup"] = &models.Task{
		ID:      "backup",
		Name:    "backup",
		Type:    models.TaskBackup,
		Enabled: true,
		Source:  models.BackupEndpoint{Device: "nas", Path: "/data"},
		Dest:    models.BackupEndpoint{Device: "host", Path: "/backup"},
	}

	runner.Run(context.Background(), "backup")
	waitDone(t, runner, "backup")

	task, _ := st.Tasks().Get(context.Background(), "backup")
	if task.LastStatus != models.TaskSkipped {
		t.Errorf("status = %q, want skipped", task.LastStatus)
	}
	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.syncs) != 0 {
		t.Error("sync ran against an offline source")
	}
}

func TestBackupRemoteToRemoteStages(t *testing.T) {
	st, cmds, runner := testFixture()
	st.tasks["backup"] = &models.Task{
		ID:      "backup",
		Name:    "backup",
		Type:    models.TaskBackup,
		Enabled: true,
		Source:  models.BackupEndpoint{Device: "nas", Path: "/data"},
		Dest:    models.BackupEndpoint{Device: "pi", Path: "/backup"},
	}

	runner.Run(context.Background(), "backup")
	waitDone(t, runner, "backup")

	task, _ := st.Tasks().Get(context.Background(), "backup")
	if task.LastStatus != models.TaskSuccess {
		t.Fatalf("status = %q (%s), want success", task.LastStatus, task.LastError)
	}

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.syncs) != 2 {
		t.Fatalf("got %d syncs, want 2 (staging)", len(cmds.syncs))
	}
	first, second := cmds.syncs[0], cmds.syncs[1]
	if first.Source.Device == nil || first.Source.Device.ID != "nas" || first.Dest.Device != nil {
		t.Errorf("first leg should be nas -> local staging, got %+v", first)
	}
	if second.Source.Device != nil || second.Dest.Device == nil || second.Dest.Device.ID != "pi" {
		t.Errorf("second leg should be local staging -> pi, got %+v", second)
	}
	if first.Dest.Path != second.Source.Path {
		t.Error("staging path differs between legs")
	}
}

func TestBackupTimeoutReported(t *testing.T) {
	st, cmds, _ := testFixture()
	block := make(chan struct{})
	defer close(block)
	cmds.block = block

	runner := NewRunner(st, cmds, nil, 50*time.Millisecond, discardLogger())
	st.tasks["backup"] = &models.Task{
		ID:      "backup",
		Name:    "backup",
		Type:    models.TaskBackup,
		Enabled: true,
		Source:  models.BackupEndpoint{Device: "host", Path: "/data"},
		Dest:    models.BackupEndpoint{Device: "nas", Path: "/backup"},
	}

	runner.Run(context.Background(), "backup")
	waitDone(t, runner, "backup")

	task, _ := st.Tasks().Get(context.Background(), "backup")
	if task.LastStatus != models.TaskFailed {
		t.Fatalf("status = %q, want failed", task.LastStatus)
	}
	if task.LastError != "timeout (50ms)" {
		t.Errorf("error = %q, want the configured timeout reported", task.LastError)
	}
}

func TestShortDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{time.Hour, "1h"},
		{30 * time.Minute, "30m"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{90 * time.Second, "1m30s"},
		{50 * time.Millisecond, "50ms"},
	}
	for _, tc := range cases {
		if got := shortDuration(tc.in); got != tc.want {
			t.Errorf("shortDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWakeDeviceTarget(t *testing.T) {
	st, cmds, runner := testFixture()
	st.tasks["wake"] = &models.Task{
		ID:      "wake",
		Name:    "wake nas",
		Type:    models.TaskWake,
		Enabled: true,
		Device:  "nas",
	}

	runner.Run(context.Background(), "wake")
	waitDone(t, runner, "wake")

	task, _ := st.Tasks().Get(context.Background(), "wake")
	if task.LastStatus != models.TaskSuccess {
		t.Fatalf("status = %q (%s), want success", task.LastStatus, task.LastError)
	}
	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.woken) != 1 || cmds.woken[0] != "aa:bb:cc:dd:ee:ff@255.255.255.255" {
		t.Errorf("woken = %v", cmds.woken)
	}
}

func TestWakeContainerTargetDefaultsToHost(t *testing.T) {
	st, cmds, runner := testFixture()
	st.tasks["wake"] = &models.Task{
		ID:        "wake",
		Name:      "start plex",
		Type:      models.TaskWake,
		Enabled:   true,
		Target:    models.TargetContainer,
		Container: "plex",
	}

	runner.Run(context.Background(), "wake")
	waitDone(t, runner, "wake")

	task, _ := st.Tasks().Get(context.Background(), "wake")
	if task.LastStatus != models.TaskSuccess {
		t.Fatalf("status = %q (%s), want success", task.LastStatus, task.LastError)
	}
	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.started) != 1 || cmds.started[0] != "host/plex" {
		t.Errorf("started = %v, want [host/plex]", cmds.started)
	}
}

func TestWakeWithoutWOLConfigFails(t *testing.T) {
	st, _, runner := testFixture()
	st.tasks["wake"] = &models.Task{
		ID:      "wake",
		Name:    "wake pi",
		Type:    models.TaskWake,
		Enabled: true,
		Device:  "pi",
	}

	runner.Run(context.Background(), "wake")
	waitDone(t, runner, "wake")

	task, _ := st.Tasks().Get(context.Background(), "wake")
	if task.LastStatus != models.TaskFailed {
		t.Errorf("status = %q, want failed", task.LastStatus)
	}
}

func TestShutdownContainerTarget(t *testing.T) {
	st, cmds, runner := testFixture()
	st.tasks["stop"] = &models.Task{
		ID:        "stop",
		Name:      "stop plex",
		Type:      models.TaskShutdown,
		Enabled:   true,
		Target:    models.TargetContainer,
		Device:    "nas",
		Container: "plex",
	}

	runner.Run(context.Background(), "stop")
	waitDone(t, runner, "stop")

	task, _ := st.Tasks().Get(context.Background(), "stop")
	if task.LastStatus != models.TaskSuccess {
		t.Fatalf("status = %q (%s), want success", task.LastStatus, task.LastError)
	}
	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	if len(cmds.stopped) != 1 || cmds.stopped[0] != "nas/plex" {
		t.Errorf("stopped = %v, want [nas/plex]", cmds.stopped)
	}
}

func TestFailedRunDispatchesTaskFailed(t *testing.T) {
	st, cmds, _ := testFixture()
	cmds.syncErr = errors.New("rsync exploded")
	notifier := &taskNotifier{}
	runner := NewRunner(st, cmds, notifier, time.Minute, discardLogger())

	st.tasks["backup"] = &models.Task{
		ID:      "backup",
		Name:    "backup",
		Type:    models.TaskBackup,
		Enabled: true,
		Source:  models.BackupEndpoint{Device: "host", Path: "/data"},
		Dest:    models.BackupEndpoint{Device: "nas", Path: "/backup"},
	}

	runner.Run(context.Background(), "backup")
	waitDone(t, runner, "backup")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 {
		t.Fatalf("got %d events, want 1", len(notifier.events))
	}
	failed, ok := notifier.events[0].(notify.TaskFailed)
	if !ok {
		t.Fatalf("event = %T, want TaskFailed", notifier.events[0])
	}
	if failed.TaskName != "backup" || failed.Error != "rsync exploded" {
		t.Errorf("event = %+v", failed)
	}
}

func TestSkippedRunDoesNotNotify(t *testing.T) {
	st, cmds, _ := testFixture()
	cmds.online = false
	notifier := &taskNotifier{}
	runner := NewRunner(st, cmds, notifier, time.Minute, discardLogger())

	st.tasks["backup"] = &models.Task{
		ID:      "backup",
		Name:    "backup",
		Type:    models.TaskBackup,
		Enabled: true,
		Source:  models.BackupEndpoint{Device: "nas", Path: "/data"},
		Dest:    models.BackupEndpoint{Device: "host", Path: "/backup"},
	}

	runner.Run(context.Background(), "backup")
	waitDone(t, runner, "backup")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 0 {
		t.Errorf("skip dispatched events: %+v", notifier.events)
	}
}
