package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/deqlabs/deq/internal/models"
)

// fakeRunner records invocations and replays scripted results keyed by
// command name.
type fakeRunner struct {
	calls   [][]string
	results map[string]cmdResult
	errs    map[string]error
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) (cmdResult, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if err, ok := f.errs[name]; ok {
		return cmdResult{}, err
	}
	if result, ok := f.results[name]; ok {
		return result, nil
	}
	return cmdResult{}, nil
}

func newTestSystem(f *fakeRunner) *System {
	s := NewSystem(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.run = f.run
	return s
}

func remoteDevice() *models.Device {
	return &models.Device{
		ID:   "nas",
		Name: "NAS",
		IP:   "192.168.1.50",
		SSH:  &models.SSHConfig{User: "admin", Port: 2222},
	}
}

func TestProbe(t *testing.T) {
	f := &fakeRunner{results: map[string]cmdResult{"ping": {ExitCode: 0}}}
	s := newTestSystem(f)

	if !s.Probe(context.Background(), remoteDevice()) {
		t.Error("expected probe to succeed")
	}
	call := f.calls[0]
	want := []string{"ping", "-c", "1", "-W", "1", "192.168.1.50"}
	if strings.Join(call, " ") != strings.Join(want, " ") {
		t.Errorf("ping args: got %v, want %v", call, want)
	}

	f = &fakeRunner{results: map[string]cmdResult{"ping": {ExitCode: 1}}}
	if newTestSystem(f).Probe(context.Background(), remoteDevice()) {
		t.Error("expected probe to fail on non-zero exit")
	}
}

func TestProbeEmptyIP(t *testing.T) {
	f := &fakeRunner{}
	s := newTestSystem(f)
	if s.Probe(context.Background(), &models.Device{ID: "x"}) {
		t.Error("expected probe of device without IP to fail")
	}
	if len(f.calls) != 0 {
		t.Errorf("expected no commands, got %v", f.calls)
	}
}

func TestSSHArgsUsePortAndUser(t *testing.T) {
	args := sshArgs(remoteDevice(), false)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-p 2222") {
		t.Errorf("expected port 2222 in %q", joined)
	}
	if !strings.Contains(joined, "admin@192.168.1.50") {
		t.Errorf("expected user@host in %q", joined)
	}
	if strings.Contains(joined, "BatchMode") {
		t.Errorf("expected no BatchMode in %q", joined)
	}
	if !strings.Contains(strings.Join(sshArgs(remoteDevice(), true), " "), "BatchMode=yes") {
		t.Error("expected BatchMode for batch sessions")
	}
}

func TestFetchContainerStates(t *testing.T) {
	f := &fakeRunner{results: map[string]cmdResult{
		"docker": {Stdout: "plex:running\nnginx:exited\nstray:running\n"},
	}}
	s := newTestSystem(f)

	dev := models.DefaultHostDevice()
	dev.Containers = []string{"plex", "nginx", "ghost"}

	states := s.FetchContainerStates(context.Background(), dev)
	if states["plex"] != "running" || states["nginx"] != "exited" {
		t.Errorf("unexpected states: %v", states)
	}
	if states["ghost"] != models.ContainerUnknown {
		t.Errorf("unconfigured container: expected unknown, got %q", states["ghost"])
	}
	if _, ok := states["stray"]; ok {
		t.Error("expected unconfigured container to be dropped")
	}
}

func TestFetchContainerStatesRuntimeDown(t *testing.T) {
	f := &fakeRunner{errs: map[string]error{"docker": fmt.Errorf("docker not found")}}
	s := newTestSystem(f)

	dev := models.DefaultHostDevice()
	dev.Containers = []string{"plex"}

	states := s.FetchContainerStates(context.Background(), dev)
	if states["plex"] != models.ContainerUnknown {
		t.Errorf("expected unknown, got %q", states["plex"])
	}
}

func TestRemoteDockerSudoRetry(t *testing.T) {
	f := &fakeRunner{results: map[string]cmdResult{
		"ssh": {Stderr: "permission denied while trying to connect to the Docker daemon socket", ExitCode: 1},
	}}
	s := newTestSystem(f)

	s.remoteDocker(context.Background(), remoteDevice(), "docker ps -a", 0)

	if len(f.calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(f.calls))
	}
	last := f.calls[1]
	if !strings.Contains(last[len(last)-1], "sudo docker") {
		t.Errorf("expected sudo retry, got %v", last)
	}
}

func TestContainerActionRejectsBadName(t *testing.T) {
	f := &fakeRunner{}
	s := newTestSystem(f)

	err := s.StartContainer(context.Background(), models.DefaultHostDevice(), "bad;name")
	if err == nil {
		t.Fatal("expected error for invalid container name")
	}
	if len(f.calls) != 0 {
		t.Errorf("expected no commands for invalid name, got %v", f.calls)
	}
}

func TestValidContainerName(t *testing.T) {
	valid := []string{"plex", "my-app", "web_1", "a.b", "0abc"}
	for _, name := range valid {
		if !ValidContainerName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}
	invalid := []string{"", "-leading", ".dot", "has space", "semi;colon", "$(cmd)", strings.Repeat("a", 129)}
	for _, name := range invalid {
		if ValidContainerName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestShutdownRemoteRequiresSSH(t *testing.T) {
	f := &fakeRunner{}
	s := newTestSystem(f)

	dev := &models.Device{ID: "pi", IP: "10.0.0.9"}
	if err := s.Shutdown(context.Background(), dev); err == nil {
		t.Error("expected error for device without SSH")
	}
}

func TestShutdownHost(t *testing.T) {
	f := &fakeRunner{results: map[string]cmdResult{"sudo": {ExitCode: 0}}}
	s := newTestSystem(f)

	if err := s.Shutdown(context.Background(), models.DefaultHostDevice()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := "sudo shutdown -h now"
	if got := strings.Join(f.calls[0], " "); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
