package executor

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/deqlabs/deq/internal/models"
)

// remoteBasicsCmd gathers everything needed for the required part of a remote
// snapshot in a single SSH round trip. Sections are separated by "---".
const remoteBasicsCmd = "nproc; echo '---'; cat /proc/loadavg; echo '---'; " +
	"cat /proc/meminfo | head -10; echo '---'; " +
	"cat /sys/class/thermal/thermal_zone*/temp 2>/dev/null | head -1; echo '---'; " +
	"cat /proc/uptime"

// FetchStats retrieves a resource snapshot for a device. The host is read
// directly; remote devices are read over SSH.
func (s *System) FetchStats(ctx context.Context, device *models.Device) (*models.Stats, error) {
	if device.IsHost {
		return s.localStats(ctx)
	}
	return s.remoteStats(ctx, device)
}

// localStats reads host stats from the local system.
func (s *System) localStats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading load average: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cores < 1 {
		cores = 1
	}
	stats.CPU = loadPercent(avg.Load1, cores)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}
	stats.RAMTotal = int64(vm.Total)
	stats.RAMUsed = int64(vm.Total - vm.Available)

	if sensors, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		for _, sensor := range sensors {
			if sensor.Temperature > 0 {
				t := int(sensor.Temperature)
				stats.Temp = &t
				break
			}
		}
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.Uptime = formatUptime(float64(uptime))
	}

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, part := range parts {
			if !watchedMount(part.Mountpoint) {
				continue
			}
			usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
			if err != nil || usage.Total <= 1e9 {
				continue
			}
			stats.Disks = append(stats.Disks, models.DiskUsage{
				Mount:  part.Mountpoint,
				Total:  int64(usage.Total),
				Used:   int64(usage.Used),
				Device: diskDeviceName(part.Device),
			})
		}
	}

	stats.DiskHealth = s.diskHealth(ctx, nil)
	stats.ContainerStats = s.containerStats(ctx, nil)
	return stats, nil
}

// remoteStats reads stats from a device over SSH. The basic snapshot is
// required; disks, SMART and container stats are best effort.
func (s *System) remoteStats(ctx context.Context, device *models.Device) (*models.Stats, error) {
	result, err := s.remote(ctx, device, remoteBasicsCmd)
	if err != nil {
		return nil, err
	}
	if !result.Ok() {
		return nil, fmt.Errorf("stats command failed on %s: %s", device.ID, firstLine(result.Stderr))
	}

	stats, err := parseRemoteBasics(result.Stdout)
	if err != nil {
		return nil, fmt.Errorf("parsing stats from %s: %w", device.ID, err)
	}

	if result, err := s.remote(ctx, device, "df -B1 --output=source,target,size,used 2>/dev/null || df -B1"); err == nil && result.Ok() {
		stats.Disks = parseDiskUsage(result.Stdout)
	}
	stats.DiskHealth = s.diskHealth(ctx, device)
	stats.ContainerStats = s.containerStats(ctx, device)
	return stats, nil
}

// diskHealth collects SMART state and temperature for each physical disk.
// A nil device means the local host. Failures leave entries empty.
func (s *System) diskHealth(ctx context.Context, device *models.Device) map[string]models.DiskHealth {
	list, ok := s.output(ctx, device, "lsblk", "-d", "-n", "-o", "NAME,TYPE")
	if !ok {
		return nil
	}

	health := map[string]models.DiskHealth{}
	for _, name := range parseDiskNames(list) {
		health[name] = models.DiskHealth{}
		out, ok := s.output(ctx, device, "sudo", "smartctl", "-A", "-H", "/dev/"+name)
		if !ok {
			continue
		}
		health[name] = parseSmartOutput(out)
	}
	if len(health) == 0 {
		return nil
	}
	return health
}

// containerStats collects per-container CPU and memory percentages via a
// single docker stats call. A nil device means the local host.
func (s *System) containerStats(ctx context.Context, device *models.Device) map[string]models.ContainerStats {
	out, ok := s.output(ctx, device, "docker", "stats", "--no-stream", "--format", "{{.Name}}:{{.CPUPerc}}:{{.MemPerc}}")
	if !ok {
		return nil
	}
	return parseContainerStats(out)
}

// output runs a command locally or over SSH and returns stdout, reporting
// whether the command succeeded.
func (s *System) output(ctx context.Context, device *models.Device, name string, args ...string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var result cmdResult
	var err error
	if device == nil || device.IsHost {
		result, err = s.run(ctx, name, args...)
	} else {
		if !device.HasSSH() {
			return "", false
		}
		parts := append([]string{name}, args...)
		result, err = s.remote(ctx, device, quoteCommand(parts)+" 2>/dev/null")
	}
	if err != nil || !result.Ok() {
		return "", false
	}
	return result.Stdout, true
}

// quoteCommand joins command arguments into a shell string, single-quoting
// anything that needs it.
func quoteCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t{}$\"'") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}

// parseRemoteBasics parses the output of remoteBasicsCmd.
func parseRemoteBasics(out string) (*models.Stats, error) {
	parts := strings.Split(out, "---")
	if len(parts) < 5 {
		return nil, fmt.Errorf("unexpected stats output (%d sections)", len(parts))
	}

	stats := &models.Stats{}

	cores, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || cores < 1 {
		cores = 4
	}
	loadFields := strings.Fields(parts[1])
	if len(loadFields) == 0 {
		return nil, fmt.Errorf("missing load average")
	}
	load1, err := strconv.ParseFloat(loadFields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing load average: %w", err)
	}
	stats.CPU = loadPercent(load1, cores)

	meminfo := map[string]int64{}
	for _, line := range strings.Split(parts[2], "\n") {
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		meminfo[strings.TrimSpace(key)] = kb * 1024
	}
	stats.RAMTotal = meminfo["MemTotal"]
	if avail, ok := meminfo["MemAvailable"]; ok {
		stats.RAMUsed = stats.RAMTotal - avail
	} else {
		free := meminfo["MemFree"] + meminfo["Buffers"] + meminfo["Cached"]
		stats.RAMUsed = stats.RAMTotal - free
	}

	if milli, err := strconv.Atoi(strings.TrimSpace(parts[3])); err == nil {
		t := milli / 1000
		stats.Temp = &t
	}

	uptimeFields := strings.Fields(parts[4])
	if len(uptimeFields) > 0 {
		if seconds, err := strconv.ParseFloat(uptimeFields[0], 64); err == nil {
			stats.Uptime = formatUptime(seconds)
		}
	}

	return stats, nil
}

// parseDiskUsage parses `df -B1 --output=source,target,size,used`, keeping
// watched mounts larger than 1GB.
func parseDiskUsage(out string) []models.DiskUsage {
	var disks []models.DiskUsage
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil
	}
	for _, line := range lines[1:] {
		cols := strings.Fields(line)
		if len(cols) < 4 {
			continue
		}
		source, mount := cols[0], cols[1]
		if !watchedMount(mount) {
			continue
		}
		total, err := strconv.ParseInt(cols[2], 10, 64)
		if err != nil || total <= 1e9 {
			continue
		}
		used, err := strconv.ParseInt(cols[3], 10, 64)
		if err != nil {
			continue
		}
		disks = append(disks, models.DiskUsage{
			Mount:  mount,
			Total:  total,
			Used:   used,
			Device: diskDeviceName(source),
		})
	}
	return disks
}

// parseDiskNames extracts physical disk names from `lsblk -d -n -o NAME,TYPE`.
func parseDiskNames(out string) []string {
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		cols := strings.Fields(line)
		if len(cols) >= 2 && cols[1] == "disk" {
			names = append(names, cols[0])
		}
	}
	return names
}

// parseSmartOutput extracts overall health and temperature from smartctl
// output. Temperature lines look like "194 Temperature_Celsius ... - 34".
func parseSmartOutput(out string) models.DiskHealth {
	var health models.DiskHealth
	if strings.Contains(out, "PASSED") {
		health.SMART = "ok"
	} else if strings.Contains(out, "FAILED") {
		health.SMART = "failed"
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "Temperature") || !strings.Contains(line, "-") {
			continue
		}
		afterDash := strings.TrimSpace(line[strings.LastIndex(line, "-")+1:])
		fields := strings.Fields(afterDash)
		if len(fields) == 0 {
			continue
		}
		if temp, err := strconv.Atoi(fields[0]); err == nil && temp > 0 && temp < 100 {
			health.Temp = &temp
			break
		}
	}
	return health
}

// parseContainerStats parses `docker stats --format {{.Name}}:{{.CPUPerc}}:{{.MemPerc}}`.
func parseContainerStats(out string) map[string]models.ContainerStats {
	stats := map[string]models.ContainerStats{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		cols := strings.Split(line, ":")
		if len(cols) < 3 {
			continue
		}
		cpu, err1 := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(cols[1]), "%"), 64)
		memPct, err2 := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(cols[2]), "%"), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		stats[cols[0]] = models.ContainerStats{CPU: cpu, Mem: memPct}
	}
	if len(stats) == 0 {
		return nil
	}
	return stats
}

// loadPercent converts a 1-minute load average to a capped percentage.
func loadPercent(load1 float64, cores int) int {
	pct := int(load1 / float64(cores) * 100)
	if pct > 100 {
		return 100
	}
	return pct
}

// watchedMount reports whether a mountpoint is worth showing on the
// dashboard.
func watchedMount(mount string) bool {
	if mount == "/" || mount == "/home" {
		return true
	}
	return strings.HasPrefix(mount, "/mnt") ||
		strings.HasPrefix(mount, "/media") ||
		strings.HasPrefix(mount, "/srv")
}

// diskDeviceName reduces a partition path like /dev/sda1 to its disk name.
func diskDeviceName(source string) string {
	return strings.TrimRight(path.Base(source), "0123456789")
}

// formatUptime renders uptime seconds as "3d 4h" or "4h".
func formatUptime(seconds float64) string {
	days := int(seconds) / 86400
	hours := (int(seconds) % 86400) / 3600
	if days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours)
	}
	return fmt.Sprintf("%dh", hours)
}
