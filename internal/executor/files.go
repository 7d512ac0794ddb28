package executor

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/deqlabs/deq/internal/models"
)

const (
	browseTimeout   = 15 * time.Second
	listTimeout     = 30 * time.Second
	downloadTimeout = 60 * time.Second
	uploadTimeout   = 10 * time.Minute
	fileOpTimeout   = 5 * time.Minute
)

// FileEntry is one directory entry in a listing. Size is zero for
// directories.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// StorageInfo is the capacity of the filesystem holding a path.
type StorageInfo struct {
	Total   uint64 `json:"total"`
	Used    uint64 `json:"used"`
	Free    uint64 `json:"free"`
	Percent int    `json:"percent"`
}

// FolderListing is the result of browsing for directories only.
type FolderListing struct {
	Path    string   `json:"path"`
	Folders []string `json:"folders"`
}

// DirListing is a full directory listing, folders first.
type DirListing struct {
	Path    string       `json:"path"`
	Files   []FileEntry  `json:"files"`
	Storage *StorageInfo `json:"storage,omitempty"`
}

// FileOp describes a file management request. Paths are the selected entries;
// DestDevice and DestPath apply to copy and move, NewName to rename and
// mkdir.
type FileOp struct {
	Operation  string
	Paths      []string
	DestDevice *models.Device
	DestPath   string
	NewName    string
}

// FileOpResult reports a completed operation. Archive is set for zip.
type FileOpResult struct {
	Archive string `json:"archive,omitempty"`
}

// ValidFileName reports whether a name is safe to use as a file or folder
// name. Path separators and shell metacharacters are rejected.
func ValidFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return !strings.ContainsAny(name, ";`$|&<>(){}[]!#")
}

// normalizeDirPath validates and cleans an absolute path.
func normalizeDirPath(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("invalid characters in path")
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path must be absolute")
	}
	return path.Clean(p), nil
}

// shellQuote wraps s in single quotes for use inside a remote shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// BrowseFolders lists the non-hidden directories directly under a path,
// sorted case-insensitively.
func (s *System) BrowseFolders(ctx context.Context, device *models.Device, dir string) (*FolderListing, error) {
	dir, err := normalizeDirPath(dir)
	if err != nil {
		return nil, err
	}

	if device.IsHost {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied")
			}
			return nil, fmt.Errorf("not a directory: %s", dir)
		}
		folders := []string{}
		for _, entry := range entries {
			if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				folders = append(folders, entry.Name())
			}
		}
		sortFolded(folders)
		return &FolderListing{Path: dir, Folders: folders}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	cmd := fmt.Sprintf(
		"find %s -maxdepth 1 -mindepth 1 -type d ! -name '.*' -printf '%%f\\n' 2>/dev/null | sort -f",
		shellQuote(dir),
	)
	result, err := s.remote(ctx, device, cmd)
	if err != nil {
		return nil, err
	}
	if !result.Ok() && result.Stdout == "" {
		check, err := s.remote(ctx, device, fmt.Sprintf("test -d %s && echo exists || echo notfound", shellQuote(dir)))
		if err == nil && strings.Contains(check.Stdout, "notfound") {
			return nil, fmt.Errorf("path not found: %s", dir)
		}
		return nil, fmt.Errorf("permission denied or SSH error")
	}

	folders := []string{}
	for _, name := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		if name != "" {
			folders = append(folders, name)
		}
	}
	return &FolderListing{Path: dir, Folders: folders}, nil
}

// ListFiles lists the non-hidden files and directories under a path together
// with storage capacity, folders first.
func (s *System) ListFiles(ctx context.Context, device *models.Device, dir string) (*DirListing, error) {
	dir, err := normalizeDirPath(dir)
	if err != nil {
		return nil, err
	}

	var files []FileEntry
	if device.IsHost {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied")
			}
			return nil, fmt.Errorf("not a directory: %s", dir)
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			fe := FileEntry{
				Name:  entry.Name(),
				IsDir: entry.IsDir(),
				MTime: info.ModTime().Unix(),
			}
			if !fe.IsDir {
				fe.Size = info.Size()
			}
			files = append(files, fe)
		}
	} else {
		ctx, cancel := context.WithTimeout(ctx, listTimeout)
		defer cancel()

		result, err := s.remote(ctx, device, fmt.Sprintf("ls -la %s 2>/dev/null", shellQuote(dir)))
		if err != nil {
			return nil, err
		}
		if !result.Ok() {
			return nil, fmt.Errorf("failed to list directory")
		}
		files = parseLsListing(result.Stdout)
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].IsDir != files[j].IsDir {
			return files[i].IsDir
		}
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})

	return &DirListing{
		Path:    dir,
		Files:   files,
		Storage: s.storageInfo(ctx, device, dir),
	}, nil
}

// ReadFile returns a file's content and base name for download.
func (s *System) ReadFile(ctx context.Context, device *models.Device, file string) ([]byte, string, error) {
	file, err := normalizeDirPath(file)
	if err != nil {
		return nil, "", err
	}

	if device.IsHost {
		info, err := os.Stat(file)
		if err != nil || !info.Mode().IsRegular() {
			return nil, "", fmt.Errorf("not a file")
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, "", err
		}
		return content, path.Base(file), nil
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	result, err := s.remote(ctx, device, fmt.Sprintf("cat %s", shellQuote(file)))
	if err != nil {
		return nil, "", err
	}
	if !result.Ok() {
		msg := firstLine(strings.TrimSpace(result.Stderr))
		if msg == "" {
			msg = "failed to read file"
		}
		return nil, "", fmt.Errorf("%s", msg)
	}
	return []byte(result.Stdout), path.Base(file), nil
}

// WriteFile stores content as a new file under dir. Remote devices receive it
// via scp through a local temp file.
func (s *System) WriteFile(ctx context.Context, device *models.Device, dir, filename string, content []byte) error {
	dir, err := normalizeDirPath(dir)
	if err != nil {
		return err
	}
	if !ValidFileName(filename) {
		return fmt.Errorf("invalid file name")
	}
	full := path.Join(dir, filename)

	if device.IsHost {
		return os.WriteFile(full, content, 0o644)
	}
	if !device.HasSSH() {
		return fmt.Errorf("device %s has no SSH configured", device.ID)
	}

	tmp, err := os.CreateTemp("", "deq-upload-")
	if err != nil {
		return fmt.Errorf("staging upload: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("staging upload: %w", err)
	}
	tmp.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	result, err := s.run(ctx, "scp",
		"-o", "StrictHostKeyChecking=no",
		"-P", strconv.Itoa(device.SSH.PortOrDefault()),
		tmp.Name(),
		fmt.Sprintf("%s@%s:%s", device.SSH.User, device.IP, shellQuote(full)),
	)
	if err != nil {
		return err
	}
	if !result.Ok() {
		msg := firstLine(strings.TrimSpace(result.Stderr))
		if msg == "" {
			msg = "scp failed"
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// FileOperation executes a file management operation on a device.
func (s *System) FileOperation(ctx context.Context, device *models.Device, op FileOp) (*FileOpResult, error) {
	for i, p := range op.Paths {
		clean, err := normalizeDirPath(p)
		if err != nil {
			return nil, fmt.Errorf("invalid path %q: %v", p, err)
		}
		op.Paths[i] = clean
	}
	if op.DestPath != "" {
		clean, err := normalizeDirPath(op.DestPath)
		if err != nil {
			return nil, fmt.Errorf("invalid destination path: %v", err)
		}
		op.DestPath = clean
	}
	if !device.IsHost && !device.HasSSH() {
		return nil, fmt.Errorf("device %s has no SSH configured", device.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, fileOpTimeout)
	defer cancel()

	switch op.Operation {
	case "delete":
		return s.deleteFiles(ctx, device, op.Paths)
	case "rename":
		return s.renameFile(ctx, device, op)
	case "mkdir":
		return s.createFolder(ctx, device, op)
	case "zip":
		return s.archiveFiles(ctx, device, op.Paths)
	case "copy", "move":
		return s.transferFiles(ctx, device, op)
	default:
		return nil, fmt.Errorf("unknown operation: %s", op.Operation)
	}
}

// exec runs a shell command on the device, locally through sh for the host.
func (s *System) exec(ctx context.Context, device *models.Device, cmd string) (cmdResult, error) {
	if device.IsHost {
		return s.run(ctx, "sh", "-c", cmd)
	}
	return s.remote(ctx, device, cmd)
}

func (s *System) deleteFiles(ctx context.Context, device *models.Device, paths []string) (*FileOpResult, error) {
	for _, p := range paths {
		result, err := s.exec(ctx, device, "rm -rf -- "+shellQuote(p))
		if err != nil {
			return nil, err
		}
		if !result.Ok() {
			return nil, fmt.Errorf("failed to delete %s: %s", p, firstLine(result.Stderr))
		}
	}
	return &FileOpResult{}, nil
}

func (s *System) renameFile(ctx context.Context, device *models.Device, op FileOp) (*FileOpResult, error) {
	if len(op.Paths) != 1 || op.NewName == "" {
		return nil, fmt.Errorf("rename requires exactly one path and a new name")
	}
	if !ValidFileName(op.NewName) {
		return nil, fmt.Errorf("invalid new name")
	}
	old := op.Paths[0]
	renamed := path.Join(path.Dir(old), op.NewName)

	result, err := s.exec(ctx, device, fmt.Sprintf("mv -- %s %s", shellQuote(old), shellQuote(renamed)))
	if err != nil {
		return nil, err
	}
	if !result.Ok() {
		return nil, fmt.Errorf("failed to rename: %s", firstLine(result.Stderr))
	}
	return &FileOpResult{}, nil
}

func (s *System) createFolder(ctx context.Context, device *models.Device, op FileOp) (*FileOpResult, error) {
	if op.NewName == "" {
		return nil, fmt.Errorf("folder name required")
	}
	if !ValidFileName(op.NewName) {
		return nil, fmt.Errorf("invalid folder name")
	}
	parent := "/"
	if len(op.Paths) > 0 {
		parent = op.Paths[0]
	}

	result, err := s.exec(ctx, device, "mkdir -p -- "+shellQuote(path.Join(parent, op.NewName)))
	if err != nil {
		return nil, err
	}
	if !result.Ok() {
		return nil, fmt.Errorf("failed to create folder: %s", firstLine(result.Stderr))
	}
	return &FileOpResult{}, nil
}

// archiveFiles bundles the selected entries into an archive next to them,
// with zip when the device has it and tar.gz otherwise.
func (s *System) archiveFiles(ctx context.Context, device *models.Device, paths []string) (*FileOpResult, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files selected")
	}

	parent := path.Dir(paths[0])
	useZip := false
	if which, err := s.exec(ctx, device, "which zip"); err == nil && which.Ok() {
		useZip = true
	}

	var name string
	switch {
	case len(paths) == 1 && useZip:
		name = path.Base(paths[0]) + ".zip"
	case len(paths) == 1:
		name = path.Base(paths[0]) + ".tar.gz"
	case useZip:
		name = fmt.Sprintf("archive_%d.zip", time.Now().Unix())
	default:
		name = fmt.Sprintf("archive_%d.tar.gz", time.Now().Unix())
	}

	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(path.Base(p))
	}
	tool := "tar -czf"
	if useZip {
		tool = "zip -r"
	}
	cmd := fmt.Sprintf("cd %s && %s %s %s",
		shellQuote(parent), tool, shellQuote(name), strings.Join(quoted, " "))

	result, err := s.exec(ctx, device, cmd)
	if err != nil {
		return nil, err
	}
	if !result.Ok() {
		return nil, fmt.Errorf("failed to create archive: %s", firstLine(result.Stderr))
	}
	return &FileOpResult{Archive: path.Join(parent, name)}, nil
}

// transferFiles copies or moves the selected entries to a destination device
// with rsync. Remote-to-remote transfers are staged on the host; a move
// deletes the source after a successful copy.
func (s *System) transferFiles(ctx context.Context, device *models.Device, op FileOp) (*FileOpResult, error) {
	if op.DestDevice == nil || op.DestPath == "" {
		return nil, fmt.Errorf("destination required")
	}
	dst := op.DestDevice
	if !dst.IsHost && !dst.HasSSH() {
		return nil, fmt.Errorf("destination device %s has no SSH configured", dst.ID)
	}

	for _, src := range op.Paths {
		if err := s.transferOne(ctx, device, dst, src, op.DestPath); err != nil {
			return nil, fmt.Errorf("failed to %s %s: %v", op.Operation, src, err)
		}
		if op.Operation == "move" {
			result, err := s.exec(ctx, device, "rm -rf -- "+shellQuote(src))
			if err != nil {
				return nil, err
			}
			if !result.Ok() {
				return nil, fmt.Errorf("copied but failed to delete source: %s", firstLine(result.Stderr))
			}
		}
	}
	return &FileOpResult{}, nil
}

func (s *System) transferOne(ctx context.Context, srcDev, dstDev *models.Device, src, destDir string) error {
	args := []string{"-a"}
	source := src
	if !srcDev.IsHost {
		args = append(args, "-e", rsyncTransport(srcDev))
		source = fmt.Sprintf("%s@%s:%s", srcDev.SSH.User, srcDev.IP, src)
	}
	dest := destDir + "/"
	if !dstDev.IsHost {
		args = append(args, "-e", rsyncTransport(dstDev))
		dest = fmt.Sprintf("%s@%s:%s/", dstDev.SSH.User, dstDev.IP, destDir)
	}

	if !srcDev.IsHost && !dstDev.IsHost {
		staging, err := os.MkdirTemp("", "deq-transfer-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(staging)

		result, err := s.run(ctx, "rsync", "-a", "-e", rsyncTransport(srcDev), "--", source, staging+"/")
		if err != nil {
			return err
		}
		if !result.Ok() {
			return fmt.Errorf("%s", firstLine(result.Stderr))
		}
		staged := path.Join(staging, path.Base(strings.TrimSuffix(src, "/")))
		result, err = s.run(ctx, "rsync", "-a", "-e", rsyncTransport(dstDev), "--", staged, dest)
		if err != nil {
			return err
		}
		if !result.Ok() {
			return fmt.Errorf("%s", firstLine(result.Stderr))
		}
		return nil
	}

	args = append(args, "--", source, dest)
	result, err := s.run(ctx, "rsync", args...)
	if err != nil {
		return err
	}
	if !result.Ok() {
		return fmt.Errorf("%s", firstLine(result.Stderr))
	}
	return nil
}

// storageInfo reports the capacity of the filesystem holding dir. Failures
// just drop the figure from the listing.
func (s *System) storageInfo(ctx context.Context, device *models.Device, dir string) *StorageInfo {
	if device.IsHost {
		usage, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			return nil
		}
		return &StorageInfo{
			Total:   usage.Total,
			Used:    usage.Used,
			Free:    usage.Free,
			Percent: int(usage.UsedPercent + 0.5),
		}
	}

	result, err := s.remote(ctx, device, fmt.Sprintf("df -B1 %s 2>/dev/null | tail -1", shellQuote(dir)))
	if err != nil || !result.Ok() {
		return nil
	}
	fields := strings.Fields(strings.TrimSpace(result.Stdout))
	if len(fields) < 4 {
		return nil
	}
	total, err1 := strconv.ParseUint(fields[1], 10, 64)
	used, err2 := strconv.ParseUint(fields[2], 10, 64)
	free, err3 := strconv.ParseUint(fields[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	info := &StorageInfo{Total: total, Used: used, Free: free}
	if total > 0 {
		info.Percent = int(float64(used)/float64(total)*100 + 0.5)
	}
	return info
}

// parseLsListing converts ls -la output into entries, skipping hidden files
// and the total line. Sizes come through only for regular files.
func parseLsListing(out string) []FileEntry {
	var files []FileEntry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" || strings.HasPrefix(line, "total") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." || strings.HasPrefix(name, ".") {
			continue
		}

		isDir := strings.HasPrefix(fields[0], "d")
		entry := FileEntry{
			Name:  name,
			IsDir: isDir,
			MTime: parseLsDate(fields[5], fields[6], fields[7]),
		}
		if !isDir {
			if size, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
				entry.Size = size
			}
		}
		files = append(files, entry)
	}
	return files
}

var lsMonths = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March,
	"Apr": time.April, "May": time.May, "Jun": time.June,
	"Jul": time.July, "Aug": time.August, "Sep": time.September,
	"Oct": time.October, "Nov": time.November, "Dec": time.December,
}

// parseLsDate approximates a timestamp from the "Dec 3 10:30" or
// "Dec 3 2023" date columns. Unparseable dates become zero.
func parseLsDate(month, day, timeOrYear string) int64 {
	mon, ok := lsMonths[month]
	if !ok {
		return 0
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return 0
	}
	year := time.Now().Year()
	if !strings.Contains(timeOrYear, ":") {
		year, err = strconv.Atoi(timeOrYear)
		if err != nil {
			return 0
		}
	}
	return time.Date(year, mon, d, 0, 0, 0, 0, time.Local).Unix()
}

// sortFolded sorts names case-insensitively in place.
func sortFolded(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
}
