package scheduler

import (
	"context"

	"github.com/deqlabs/deq/internal/executor"
	"github.com/deqlabs/deq/internal/models"
)

// SystemCommands adapts the command executor to the CommandRunner the task
// runner needs.
type SystemCommands struct {
	exec *executor.System
}

// NewSystemCommands wraps a command executor for use by the task runner.
func NewSystemCommands(exec *executor.System) *SystemCommands {
	return &SystemCommands{exec: exec}
}

func (c *SystemCommands) Probe(ctx context.Context, device *models.Device) bool {
	return c.exec.Probe(ctx, device)
}

func (c *SystemCommands) StartContainer(ctx context.Context, device *models.Device, container string) error {
	return c.exec.StartContainer(ctx, device, container)
}

func (c *SystemCommands) StopContainer(ctx context.Context, device *models.Device, container string) error {
	return c.exec.StopContainer(ctx, device, container)
}

func (c *SystemCommands) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	summary, err := c.exec.Sync(ctx,
		executor.SyncEndpoint{Device: req.Source.Device, Path: req.Source.Path},
		executor.SyncEndpoint{Device: req.Dest.Device, Path: req.Dest.Path},
		req.Delete,
	)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Size: summary.Size}, nil
}

func (c *SystemCommands) WakeOnLAN(mac, broadcast string) error {
	return c.exec.WakeOnLAN(mac, broadcast)
}

func (c *SystemCommands) Shutdown(ctx context.Context, device *models.Device) error {
	return c.exec.Shutdown(ctx, device)
}
