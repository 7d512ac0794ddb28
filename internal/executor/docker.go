package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/deqlabs/deq/internal/models"
)

var (
	containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	logsSincePattern     = regexp.MustCompile(`^\d+[smh]$`)
)

// ValidContainerName reports whether a container name is safe to pass to
// the container runtime.
func ValidContainerName(name string) bool {
	return name != "" && len(name) <= 128 && containerNamePattern.MatchString(name)
}

// FetchContainerStates returns the lifecycle state of each configured
// container on the device, resolved with a single docker ps call. Containers
// the runtime does not report come back as "unknown", as does everything when
// the runtime is unreachable.
func (s *System) FetchContainerStates(ctx context.Context, device *models.Device) map[string]string {
	if len(device.Containers) == 0 {
		return nil
	}

	unknown := func() map[string]string {
		states := make(map[string]string, len(device.Containers))
		for _, name := range device.Containers {
			states[name] = models.ContainerUnknown
		}
		return states
	}

	out, ok := s.dockerOutput(ctx, device, "docker ps -a --format '{{.Names}}:{{.State}}'", 15*time.Second)
	if !ok {
		return unknown()
	}

	reported := parseContainerStates(out)
	states := make(map[string]string, len(device.Containers))
	for _, name := range device.Containers {
		state, found := reported[name]
		if !found {
			state = models.ContainerUnknown
		}
		states[name] = state
	}
	return states
}

// StartContainer starts a container on the device.
func (s *System) StartContainer(ctx context.Context, device *models.Device, container string) error {
	return s.containerAction(ctx, device, container, "start")
}

// StopContainer stops a container on the device.
func (s *System) StopContainer(ctx context.Context, device *models.Device, container string) error {
	return s.containerAction(ctx, device, container, "stop")
}

// RestartContainer restarts a container on the device.
func (s *System) RestartContainer(ctx context.Context, device *models.Device, container string) error {
	return s.containerAction(ctx, device, container, "restart")
}

func (s *System) containerAction(ctx context.Context, device *models.Device, container, action string) error {
	if !ValidContainerName(container) {
		return fmt.Errorf("invalid container name")
	}

	s.logger.Info("container action", "device", device.ID, "container", container, "action", action)

	if device.IsHost {
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		result, err := s.run(ctx, "docker", action, container)
		if err != nil {
			return err
		}
		if !result.Ok() {
			return fmt.Errorf("%s", dockerError(result, action))
		}
		return nil
	}

	if !device.HasSSH() {
		return fmt.Errorf("device %s has no SSH configured", device.ID)
	}

	result, err := s.remoteDocker(ctx, device, fmt.Sprintf("docker %s '%s'", action, container), commandTimeout)
	if err != nil {
		return err
	}
	if !result.Ok() {
		return fmt.Errorf("%s", dockerError(result, action))
	}
	return nil
}

// ContainerStatus returns the runtime state of a single container.
func (s *System) ContainerStatus(ctx context.Context, device *models.Device, container string) (string, error) {
	if !ValidContainerName(container) {
		return "", fmt.Errorf("invalid container name")
	}

	out, ok := s.dockerOutput(ctx, device, fmt.Sprintf("docker inspect -f '{{.State.Status}}' '%s'", container), 10*time.Second)
	if !ok {
		return "", fmt.Errorf("container not found")
	}
	return strings.TrimSpace(out), nil
}

// ContainerLogs returns the tail of a container's logs. since restricts
// output to a trailing window like "30m" or "1h"; empty means no limit.
func (s *System) ContainerLogs(ctx context.Context, device *models.Device, container string, lines int, since string) (string, error) {
	if !ValidContainerName(container) {
		return "", fmt.Errorf("invalid container name")
	}
	if lines <= 0 || lines > 1000 {
		lines = 1000
	}

	args := []string{"logs", "--tail", strconv.Itoa(lines)}
	if since != "" && logsSincePattern.MatchString(since) {
		args = append(args, "--since", since)
	}

	if device.IsHost {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		result, err := s.run(ctx, "docker", append(args, container)...)
		if err != nil {
			return "", err
		}
		if !result.Ok() {
			return "", fmt.Errorf("%s", dockerError(result, "logs"))
		}
		// Some containers log to stderr only.
		if result.Stdout == "" {
			return result.Stderr, nil
		}
		return result.Stdout, nil
	}

	if !device.HasSSH() {
		return "", fmt.Errorf("device %s has no SSH configured", device.ID)
	}
	cmd := "docker " + strings.Join(args, " ") + " '" + container + "'"
	result, err := s.remoteDocker(ctx, device, cmd, 30*time.Second)
	if err != nil {
		return "", err
	}
	if !result.Ok() {
		return "", fmt.Errorf("%s", dockerError(result, "logs"))
	}
	if result.Stdout == "" {
		return result.Stderr, nil
	}
	return result.Stdout, nil
}

// ScanContainers lists every container known to the device's runtime,
// running or not.
func (s *System) ScanContainers(ctx context.Context, device *models.Device) ([]string, error) {
	if !device.IsHost && !device.HasSSH() {
		return nil, fmt.Errorf("SSH not configured; add an SSH user to scan for containers")
	}

	out, ok := s.dockerOutput(ctx, device, "docker ps -a --format '{{.Names}}'", 15*time.Second)
	if !ok {
		return nil, fmt.Errorf("docker not available on %s", device.DisplayName())
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// dockerOutput runs a docker command on the device, retrying once with sudo
// when the socket denies access. Returns stdout and whether it succeeded.
func (s *System) dockerOutput(ctx context.Context, device *models.Device, cmd string, timeout time.Duration) (string, bool) {
	if device.IsHost {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		args := strings.Fields(cmd)[1:]
		for i, a := range args {
			args[i] = strings.Trim(a, "'")
		}
		result, err := s.run(ctx, "docker", args...)
		if err != nil || !result.Ok() {
			return "", false
		}
		return result.Stdout, true
	}

	if !device.HasSSH() {
		return "", false
	}
	result, err := s.remoteDocker(ctx, device, cmd, timeout)
	if err != nil || !result.Ok() {
		return "", false
	}
	return result.Stdout, true
}

// remoteDocker runs a docker command over SSH, retrying with sudo when the
// daemon socket denies access.
func (s *System) remoteDocker(ctx context.Context, device *models.Device, cmd string, timeout time.Duration) (cmdResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.remote(ctx, device, cmd)
	if err != nil {
		return result, err
	}
	if permissionDenied(result) {
		s.logger.Debug("docker permission denied, retrying with sudo", "device", device.ID)
		result, err = s.remote(ctx, device, "sudo "+cmd)
		if err != nil {
			return result, err
		}
		if permissionDenied(result) {
			return result, fmt.Errorf("docker permission denied on %s", device.ID)
		}
	}
	return result, nil
}

func permissionDenied(result cmdResult) bool {
	combined := strings.ToLower(result.Stdout + result.Stderr)
	return strings.Contains(combined, "permission denied")
}

// dockerError reduces a failed docker invocation to a short message.
func dockerError(result cmdResult, action string) string {
	msg := strings.TrimSpace(result.Stderr)
	if msg == "" {
		return "docker " + action + " failed"
	}
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return msg
}

// parseContainerStates parses `docker ps -a --format {{.Names}}:{{.State}}`
// into a name to lowercase state map.
func parseContainerStates(out string) map[string]string {
	states := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, state, found := strings.Cut(line, ":")
		if !found || name == "" {
			continue
		}
		states[name] = strings.ToLower(strings.TrimSpace(state))
	}
	return states
}
