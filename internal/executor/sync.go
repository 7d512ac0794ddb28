package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/deqlabs/deq/internal/models"
)

// SyncEndpoint is one side of a directory sync. A nil device or the host
// device means a local path.
type SyncEndpoint struct {
	Device *models.Device
	Path   string
}

func (e SyncEndpoint) local() bool {
	return e.Device == nil || e.Device.IsHost
}

// SyncSummary reports a completed sync.
type SyncSummary struct {
	Size string // human readable total, e.g. "1.5GB"
}

// Sync mirrors a source directory to a destination with rsync. At most one
// endpoint may be remote; remote-to-remote transfers are staged by the
// caller. del removes destination files missing from the source.
func (s *System) Sync(ctx context.Context, src, dst SyncEndpoint, del bool) (SyncSummary, error) {
	if !src.local() && !dst.local() {
		return SyncSummary{}, fmt.Errorf("sync supports at most one remote endpoint")
	}

	opts := []string{"-avz", "--stats"}
	if del {
		opts = append(opts, "--delete")
	}

	source := src.Path
	if !src.local() {
		if !src.Device.HasSSH() {
			return SyncSummary{}, fmt.Errorf("source device %s has no SSH configured", src.Device.ID)
		}
		opts = append(opts, "-e", rsyncTransport(src.Device))
		source = fmt.Sprintf("%s@%s:%s", src.Device.SSH.User, src.Device.IP, src.Path)
	}

	dest := dst.Path
	if !dst.local() {
		if !dst.Device.HasSSH() {
			return SyncSummary{}, fmt.Errorf("destination device %s has no SSH configured", dst.Device.ID)
		}
		opts = append(opts, "-e", rsyncTransport(dst.Device))
		dest = fmt.Sprintf("%s@%s:%s", dst.Device.SSH.User, dst.Device.IP, dst.Path)
	}

	args := append(opts, source, dest)
	s.logger.Info("starting sync", "source", source, "dest", dest, "delete", del)

	result, err := s.run(ctx, "rsync", args...)
	if err != nil {
		if ctx.Err() != nil {
			return SyncSummary{}, ctx.Err()
		}
		return SyncSummary{}, err
	}
	if !result.Ok() {
		if ctx.Err() != nil {
			return SyncSummary{}, ctx.Err()
		}
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = "rsync failed"
		}
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return SyncSummary{}, fmt.Errorf("%s", msg)
	}

	return SyncSummary{Size: parseRsyncSize(result.Stdout)}, nil
}

// rsyncTransport builds the ssh command rsync uses to reach a remote
// endpoint.
func rsyncTransport(device *models.Device) string {
	return fmt.Sprintf("ssh -p %d -o StrictHostKeyChecking=no -o ConnectTimeout=10", device.SSH.PortOrDefault())
}

// parseRsyncSize extracts the "Total file size" line from rsync --stats
// output and renders it human readable. Returns "" when absent.
func parseRsyncSize(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Total file size") || strings.Contains(line, "transferred") {
			continue
		}
		_, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		raw := strings.NewReplacer(",", "", ".", "").Replace(fields[0])
		size, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		return formatSize(size)
	}
	return ""
}

func formatSize(size int64) string {
	switch {
	case size >= 1e9:
		return fmt.Sprintf("%.1fGB", float64(size)/1e9)
	case size >= 1e6:
		return fmt.Sprintf("%.0fMB", float64(size)/1e6)
	default:
		return fmt.Sprintf("%.0fKB", float64(size)/1e3)
	}
}
