// Package executor runs commands against managed devices, locally for the
// host and over SSH for remote devices.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/deqlabs/deq/internal/models"
)

const (
	probeTimeout    = 3 * time.Second
	sshConnTimeout  = "5"
	commandTimeout  = 60 * time.Second
	shutdownTimeout = 30 * time.Second
)

// cmdResult holds the captured output of a finished command.
type cmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r cmdResult) Ok() bool { return r.ExitCode == 0 }

// runFunc executes a command and captures its output. Tests substitute this
// to exercise the layer without spawning processes.
type runFunc func(ctx context.Context, name string, args ...string) (cmdResult, error)

// System executes commands on the host and on remote devices. It is safe for
// concurrent use.
type System struct {
	logger *slog.Logger
	run    runFunc
}

// NewSystem creates a command executor.
func NewSystem(logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{
		logger: logger,
		run:    runCommand,
	}
}

// runCommand runs a local command, capturing stdout and stderr. A non-zero
// exit is reported through ExitCode, not as an error; errors mean the command
// could not run at all.
func runCommand(ctx context.Context, name string, args ...string) (cmdResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := cmdResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("running %s: %w", name, err)
	}
	return result, nil
}

// sshArgs builds the ssh invocation prefix for a device.
func sshArgs(device *models.Device, batch bool) []string {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=" + sshConnTimeout,
	}
	if batch {
		args = append(args, "-o", "BatchMode=yes")
	}
	args = append(args,
		"-p", strconv.Itoa(device.SSH.PortOrDefault()),
		fmt.Sprintf("%s@%s", device.SSH.User, device.IP),
	)
	return args
}

// remote runs a shell command on a device over SSH.
func (s *System) remote(ctx context.Context, device *models.Device, command string) (cmdResult, error) {
	if !device.HasSSH() {
		return cmdResult{}, fmt.Errorf("device %s has no SSH configured", device.ID)
	}
	args := append(sshArgs(device, false), command)
	return s.run(ctx, "ssh", args...)
}

// Probe reports whether the device answers a single ping.
func (s *System) Probe(ctx context.Context, device *models.Device) bool {
	if device.IP == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	result, err := s.run(ctx, "ping", "-c", "1", "-W", "1", device.IP)
	if err != nil {
		return false
	}
	return result.Ok()
}

// CheckSSH reports whether the device accepts a non-interactive SSH session.
func (s *System) CheckSSH(ctx context.Context, device *models.Device) bool {
	if !device.HasSSH() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := append(sshArgs(device, true), "echo", "ok")
	result, err := s.run(ctx, "ssh", args...)
	if err != nil {
		return false
	}
	return result.Ok() && bytes.Contains([]byte(result.Stdout), []byte("ok"))
}

// Shutdown powers off a device. For remote devices the SSH session dying
// mid-command is the expected outcome, so timeouts count as success.
func (s *System) Shutdown(ctx context.Context, device *models.Device) error {
	if device.IsHost {
		result, err := s.run(ctx, "sudo", "shutdown", "-h", "now")
		if err != nil {
			return err
		}
		if !result.Ok() {
			return fmt.Errorf("shutdown failed: %s", firstLine(result.Stderr))
		}
		return nil
	}

	if !device.HasSSH() {
		return fmt.Errorf("device %s has no SSH configured", device.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down device", "device", device.ID, "ip", device.IP)
	_, err := s.remote(ctx, device, "sudo shutdown -h now")
	if err != nil && ctx.Err() != nil {
		// Connection dropped because the device powered off.
		return nil
	}
	return err
}

// firstLine trims output to its first line for use in error messages.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
