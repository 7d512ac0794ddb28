package statuscache

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
)

// fakeFetcher lets tests control probe results, stats, and container states,
// and can block mid-refresh to exercise coalescing.
type fakeFetcher struct {
	mu         sync.Mutex
	online     bool
	stats      *models.Stats
	statsErr   error
	containers map[string]string
	probes     int
	block      chan struct{} // when non-nil, Probe waits on it
}

func (f *fakeFetcher) Probe(ctx context.Context, device *models.Device) bool {
	f.mu.Lock()
	f.probes++
	block := f.block
	online := f.online
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return online
}

func (f *fakeFetcher) FetchStats(ctx context.Context, device *models.Device) (*models.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeFetcher) FetchContainerStates(ctx context.Context, device *models.Device) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers
}

func (f *fakeFetcher) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// recordingNotifier captures dispatched events; Dispatch can be made to
// panic to prove dispatch failures don't corrupt cache state.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	fail   bool
}

func (n *recordingNotifier) Dispatch(ctx context.Context, ev notify.Event) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	fail := n.fail
	n.mu.Unlock()
	if fail {
		panic("notifier exploded")
	}
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Event, len(n.events))
	copy(out, n.events)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func remoteDevice() *models.Device {
	return &models.Device{
		ID:   "nas",
		Name: "NAS",
		IP:   "192.168.1.50",
		SSH:  &models.SSHConfig{User: "admin"},
	}
}

// waitRefreshed waits for the device's refresh to land in the cache.
func waitRefreshed(t *testing.T, c *Cache, deviceID string) *models.DeviceStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := c.Get(deviceID); ok && !c.Refreshing(deviceID) {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device %s never finished refreshing", deviceID)
	return nil
}

// waitIdle waits for the in-flight marker to clear without requiring a
// cached status.
func waitIdle(t *testing.T, c *Cache, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !c.Refreshing(deviceID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("refresh for %s never completed", deviceID)
}

func TestGetReturnsNothingBeforeFirstRefresh(t *testing.T) {
	c := New(&fakeFetcher{}, nil, nil, testLogger())

	if status, ok := c.Get("nas"); ok || status != nil {
		t.Fatalf("expected no status before refresh, got %+v", status)
	}
}

func TestRefreshStoresStatus(t *testing.T) {
	fetcher := &fakeFetcher{online: true, stats: &models.Stats{CPU: 12}}
	c := New(fetcher, nil, nil, testLogger())

	c.RefreshAsync(context.Background(), remoteDevice())
	status := waitRefreshed(t, c, "nas")

	if status.Online != models.Online {
		t.Errorf("online = %q, want %q", status.Online, models.Online)
	}
	if status.Stats == nil || status.Stats.CPU != 12 {
		t.Errorf("stats = %+v, want CPU 12", status.Stats)
	}
	if status.CheckedAt.IsZero() {
		t.Error("CheckedAt not set")
	}
}

func TestRefreshCoalescesConcurrentRequests(t *testing.T) {
	block := make(chan struct{})
	fetcher := &fakeFetcher{online: true, block: block}
	c := New(fetcher, nil, nil, testLogger())
	device := remoteDevice()

	c.RefreshAsync(context.Background(), device)

	// Wait until the first refresh reaches the blocking probe.
	deadline := time.Now().Add(time.Second)
	for fetcher.probeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		c.RefreshAsync(context.Background(), device)
	}

	close(block)
	waitRefreshed(t, c, "nas")

	if got := fetcher.probeCount(); got != 1 {
		t.Errorf("probe count = %d, want 1 (duplicate triggers must be dropped)", got)
	}
}

func TestRefreshAsyncDoesNotBlockCaller(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fetcher := &fakeFetcher{online: true, block: block}
	c := New(fetcher, nil, nil, testLogger())

	done := make(chan struct{})
	go func() {
		c.RefreshAsync(context.Background(), remoteDevice())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RefreshAsync blocked on the refresh body")
	}
}

func TestFirstRefreshIsSilent(t *testing.T) {
	fetcher := &fakeFetcher{online: false}
	notifier := &recordingNotifier{}
	c := New(fetcher, notifier, nil, testLogger())

	c.RefreshAsync(context.Background(), remoteDevice())
	waitRefreshed(t, c, "nas")

	if events := notifier.all(); len(events) != 0 {
		t.Errorf("first refresh dispatched %d events, want none: %+v", len(events), events)
	}
}

func TestOfflineTransitionDispatchesOnce(t *testing.T) {
	fetcher := &fakeFetcher{online: true}
	notifier := &recordingNotifier{}
	c := New(fetcher, notifier, nil, testLogger())
	device := remoteDevice()

	c.RefreshAsync(context.Background(), device)
	waitRefreshed(t, c, "nas")

	fetcher.mu.Lock()
	fetcher.online = false
	fetcher.mu.Unlock()

	c.RefreshAsync(context.Background(), device)
	waitIdle(t, c, "nas")

	events := notifier.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	off, ok := events[0].(notify.DeviceOffline)
	if !ok {
		t.Fatalf("event = %T, want DeviceOffline", events[0])
	}
	if off.DeviceName != "NAS" {
		t.Errorf("event device name = %q, want NAS", off.DeviceName)
	}

	// Repeating the offline observation must not dispatch again.
	c.RefreshAsync(context.Background(), device)
	waitIdle(t, c, "nas")
	if events := notifier.all(); len(events) != 1 {
		t.Errorf("steady offline state dispatched extra events: %+v", events)
	}
}

func TestOnlineTransitionDispatches(t *testing.T) {
	fetcher := &fakeFetcher{online: false}
	notifier := &recordingNotifier{}
	c := New(fetcher, notifier, nil, testLogger())
	device := remoteDevice()

	c.RefreshAsync(context.Background(), device)
	waitRefreshed(t, c, "nas")

	fetcher.mu.Lock()
	fetcher.online = true
	fetcher.mu.Unlock()

	c.RefreshAsync(context.Background(), device)
	waitIdle(t, c, "nas")

	events := notifier.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	if _, ok := events[0].(notify.DeviceOnline); !ok {
		t.Fatalf("event = %T, want DeviceOnline", events[0])
	}
}

func TestPreviousStateCommittedEvenWhenDispatchPanics(t *testing.T) {
	fetcher := &fakeFetcher{online: true}
	notifier := &recordingNotifier{}
	c := New(fetcher, notifier, nil, testLogger())
	device := remoteDevice()

	c.RefreshAsync(context.Background(), device)
	waitRefreshed(t, c, "nas")

	notifier.mu.Lock()
	notifier.fail = true
	notifier.mu.Unlock()
	fetcher.mu.Lock()
	fetcher.online = false
	fetcher.mu.Unlock()

	c.RefreshAsync(context.Background(), device)
	waitIdle(t, c, "nas")

	// The panicking dispatch must not poison edge detection: the next
	// refresh compares against offline, so nothing new fires.
	notifier.mu.Lock()
	notifier.fail = false
	dispatched := len(notifier.events)
	notifier.mu.Unlock()

	c.RefreshAsync(context.Background(), device)
	waitIdle(t, c, "nas")

	if got := len(notifier.all()); got != dispatched {
		t.Errorf("steady state after failed dispatch fired %d extra events", got-dispatched)
	}
	if c.Refreshing("nas") {
		t.Error("in-flight marker stuck after panicking dispatch")
	}
}

func TestContainerStopEdge(t *testing.T) {
	fetcher := &fakeFetcher{
		online:     true,
		containers: map[string]string{"plex": models.ContainerRunning},
	}
	notifier := &recordingNotifier{}
	c := New(fetcher, notifier, nil, testLogger())
	device := remoteDevice()
	device.Containers = []string{"plex"}

	c.RefreshAsync(context.Background(), device)
	waitRefreshed(t, c, "nas")

	fetcher.mu.Lock()
	fetcher.containers = map[string]string{"plex": models.ContainerExited}
	fetcher.mu.Unlock()

	c.RefreshAsync(context.Background(), device)
	waitIdle(t, c, "nas")

	events := notifier.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(events), events)
	}
	stopped, ok := events[0].(notify.ContainerStopped)
	if !ok {
		t.Fatalf("event = %T, want ContainerStopped", events[0])
	}
	if stopped.Container != "plex" {
		t.Errorf("container = %q, want plex", stopped.Container)
	}

	// Container coming back up stays silent.
	fetcher.mu.Lock()
	fetcher.containers = map[string]string{"plex": models.ContainerRunning}
	fetcher.mu.Unlock()
	c.RefreshAsync(context.Background(), device)
	waitIdle(t, c, "nas")
	if events := notifier.all(); len(events) != 1 {
		t.Errorf("container start dispatched events: %+v", events)
	}
}

func TestThresholdEventsFireIndependently(t *testing.T) {
	temp := 95
	stats := &models.Stats{
		CPU:      95,
		RAMUsed:  95,
		RAMTotal: 100,
		Temp:     &temp,
		Disks:    []models.DiskUsage{{Mount: "/", Total: 100, Used: 99}},
	}
	device := remoteDevice()

	events := thresholdEvents(device, stats, models.DefaultAlerts())
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4 (CPU, RAM, Disk, Temperature): %+v", len(events), events)
	}

	resources := map[string]bool{}
	for _, ev := range events {
		usage := ev.(notify.HighResourceUsage)
		resources[usage.Resource] = true
	}
	for _, want := range []string{"CPU", "RAM", "Disk", "Temperature"} {
		if !resources[want] {
			t.Errorf("missing %s event", want)
		}
	}
}

func TestThresholdExactValueDoesNotFire(t *testing.T) {
	stats := &models.Stats{CPU: models.DefaultCPUThreshold}
	events := thresholdEvents(remoteDevice(), stats, models.DefaultAlerts())
	if len(events) != 0 {
		t.Errorf("CPU at exactly the threshold fired: %+v", events)
	}
}

func TestHostSkipsProbe(t *testing.T) {
	fetcher := &fakeFetcher{online: false, stats: &models.Stats{CPU: 3}}
	c := New(fetcher, nil, nil, testLogger())

	host := &models.Device{ID: "host", Name: "Server", IsHost: true}
	c.RefreshAsync(context.Background(), host)
	status := waitRefreshed(t, c, "host")

	if status.Online != models.Online {
		t.Errorf("host online = %q, want %q", status.Online, models.Online)
	}
	if fetcher.probeCount() != 0 {
		t.Error("host refresh ran a network probe")
	}
}

func TestClearDropsStatusButKeepsPreviousState(t *testing.T) {
	fetcher := &fakeFetcher{online: true}
	notifier := &recordingNotifier{}
	c := New(fetcher, notifier, nil, testLogger())
	device := remoteDevice()

	c.RefreshAsync(context.Background(), device)
	waitRefreshed(t, c, "nas")
	c.Clear("nas")

	if _, ok := c.Get("nas"); ok {
		t.Fatal("status survived Clear")
	}

	// Edge detection still remembers online=true, so a refresh observing
	// the same state stays silent.
	c.RefreshAsync(context.Background(), device)
	waitRefreshed(t, c, "nas")
	if events := notifier.all(); len(events) != 0 {
		t.Errorf("refresh after Clear dispatched events: %+v", events)
	}
}

func TestAllReturnsSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{online: true}
	c := New(fetcher, nil, nil, testLogger())

	c.RefreshAsync(context.Background(), remoteDevice())
	waitRefreshed(t, c, "nas")

	all := c.All()
	delete(all, "nas")
	if _, ok := c.Get("nas"); !ok {
		t.Error("mutating the All snapshot changed the cache")
	}
}

// fakeRecorder captures stat samples handed to the history sink.
type fakeRecorder struct {
	mu      sync.Mutex
	samples []recordedSample
	err     error
}

type recordedSample struct {
	deviceID string
	cpu      int
	temp     *int
}

func (r *fakeRecorder) Record(ctx context.Context, deviceID string, cpu int, temp *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, recordedSample{deviceID: deviceID, cpu: cpu, temp: temp})
	return r.err
}

func (r *fakeRecorder) all() []recordedSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedSample, len(r.samples))
	copy(out, r.samples)
	return out
}

func TestRefreshRecordsSample(t *testing.T) {
	temp := 55
	fetcher := &fakeFetcher{online: true, stats: &models.Stats{CPU: 42, Temp: &temp}}
	recorder := &fakeRecorder{}
	c := New(fetcher, nil, recorder, testLogger())

	c.RefreshAsync(context.Background(), remoteDevice())
	waitRefreshed(t, c, "nas")

	samples := recorder.all()
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	s := samples[0]
	if s.deviceID != "nas" || s.cpu != 42 {
		t.Errorf("sample = %+v, want nas cpu 42", s)
	}
	if s.temp == nil || *s.temp != 55 {
		t.Errorf("sample temp = %v, want 55", s.temp)
	}
}

func TestOfflineRefreshRecordsNothing(t *testing.T) {
	fetcher := &fakeFetcher{online: false}
	recorder := &fakeRecorder{}
	c := New(fetcher, nil, recorder, testLogger())

	c.RefreshAsync(context.Background(), remoteDevice())
	waitRefreshed(t, c, "nas")

	if samples := recorder.all(); len(samples) != 0 {
		t.Errorf("offline refresh recorded samples: %+v", samples)
	}
}

func TestRecorderFailureDoesNotBlockStatus(t *testing.T) {
	fetcher := &fakeFetcher{online: true, stats: &models.Stats{CPU: 9}}
	recorder := &fakeRecorder{err: errors.New("disk full")}
	c := New(fetcher, nil, recorder, testLogger())

	c.RefreshAsync(context.Background(), remoteDevice())
	status := waitRefreshed(t, c, "nas")

	if status.Stats == nil || status.Stats.CPU != 9 {
		t.Errorf("stats = %+v, want CPU 9 despite recorder failure", status.Stats)
	}
}

func TestConcurrentRefreshesAcrossDevices(t *testing.T) {
	fetcher := &fakeFetcher{online: true}
	c := New(fetcher, nil, nil, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		device := &models.Device{ID: string(rune('a' + i%10)), IP: "10.0.0.1"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RefreshAsync(context.Background(), device)
			c.Get(device.ID)
			c.All()
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		waitIdle(t, c, string(rune('a'+i)))
	}
}
