package sync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
)

var (
	// ErrDeviceNotFound means the configured device node does not exist or
	// is not a block device.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnsafeDevice means the configured device looks like host system
	// media and must never be mounted as a backup target.
	ErrUnsafeDevice = errors.New("refusing to use system disk")
	// ErrNoFilesystem means no filesystem type could be detected on the
	// device.
	ErrNoFilesystem = errors.New("no filesystem detected on device")
)

// minFreeBytes is the minimum free space a target must have to be
// considered ready.
const minFreeBytes = 1 << 30 // 1 GiB

// defaultSystemDiskPrefixes name device families that back the host itself
// on HAOS hardware. Matching by prefix protects the root/boot media from a
// typo'd configuration. The list is configurable; the device backing the
// root filesystem is always protected on top of it.
var defaultSystemDiskPrefixes = []string{"mmcblk0", "zram", "loop", "ram"}

// runCommand executes an external tool, returning stdout. Replaceable in
// tests.
var runCommand = func(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s %s: %s", name, strings.Join(args, " "),
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// procMountsPath is where the host mount table is read from. Replaceable in
// tests.
var procMountsPath = "/proc/self/mounts"

// MountTarget is a validated, mounted backup destination.
type MountTarget struct {
	Device     string // configured identifier, e.g. "sda1"
	DevicePath string // /dev node
	MountPath  string // resolved filesystem mount
	Filesystem string
	BindMount  bool // true when exposed via bind-mount from the host's mount
}

// StorageInfo reports capacity at a mounted path.
type StorageInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// DeviceManager validates attached storage devices and mounts them at the
// configured mount point. All mount operations are idempotent: repeated
// calls on an already-correct mount are no-ops.
type DeviceManager struct {
	mediaRoot      string
	unsafePrefixes []string
}

// NewDeviceManager creates a manager placing mounts under mediaRoot. Devices
// matching any of unsafePrefixes are rejected; nil falls back to the default
// system-disk list.
func NewDeviceManager(mediaRoot string, unsafePrefixes []string) *DeviceManager {
	if unsafePrefixes == nil {
		unsafePrefixes = defaultSystemDiskPrefixes
	}
	return &DeviceManager{mediaRoot: mediaRoot, unsafePrefixes: unsafePrefixes}
}

// EnsureMounted validates the device and makes sure it is mounted at
// <mediaRoot>/<mountPointName>. Mount failures are fatal to the run and are
// never retried here.
func (m *DeviceManager) EnsureMounted(ctx context.Context, device, mountPointName string) (*MountTarget, error) {
	l := sub("storage")
	devicePath := filepath.Join("/dev", device)
	target := filepath.Join(m.mediaRoot, mountPointName)

	if isUnsafeDevice(device, m.unsafePrefixes) {
		return nil, fmt.Errorf("%w: %s", ErrUnsafeDevice, device)
	}

	info, err := os.Stat(devicePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, devicePath)
	}
	if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
		return nil, fmt.Errorf("%w: %s is not a block device", ErrDeviceNotFound, devicePath)
	}

	fsType, err := runCommand(ctx, "blkid", "-s", "TYPE", "-o", "value", devicePath)
	if err != nil || fsType == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoFilesystem, devicePath)
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return nil, fmt.Errorf("prepare mount point %s: %w", target, err)
	}

	if isMountPoint(target) {
		l.Info("mount point already active", "target", target, "device", device)
		return &MountTarget{
			Device: device, DevicePath: devicePath,
			MountPath: target, Filesystem: fsType,
		}, nil
	}

	// The host may have auto-mounted the device elsewhere; expose that
	// mount at our path instead of fighting over the device.
	if existing, err := findMount(devicePath); err == nil && existing != "" {
		l.Info("device mounted by host, bind-mounting", "device", device, "from", existing, "to", target)
		if _, err := runCommand(ctx, "mount", "--bind", existing, target); err != nil {
			return nil, fmt.Errorf("bind-mount %s -> %s: %w", existing, target, err)
		}
		return &MountTarget{
			Device: device, DevicePath: devicePath,
			MountPath: target, Filesystem: fsType, BindMount: true,
		}, nil
	}

	l.Info("mounting device", "device", device, "fs", fsType, "target", target)
	if _, err := runCommand(ctx, "mount", "-t", fsType, "-o", "defaults", devicePath, target); err != nil {
		return nil, fmt.Errorf("mount %s at %s: %w", devicePath, target, err)
	}
	return &MountTarget{
		Device: device, DevicePath: devicePath,
		MountPath: target, Filesystem: fsType,
	}, nil
}

// CheckTarget verifies the destination directory is ready: it exists, is
// writable, and has free space.
func (m *DeviceManager) CheckTarget(dir string) error {
	l := sub("storage")

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("target %s is not a directory", dir)
	}

	probe := filepath.Join(dir, ".backupsync-write-test")
	if err := os.WriteFile(probe, []byte{}, 0644); err != nil {
		return fmt.Errorf("target %s is not writable: %w", dir, err)
	}
	os.Remove(probe) //nolint:errcheck

	si, err := m.Info(dir)
	if err != nil {
		return err
	}
	if si.FreeBytes < minFreeBytes {
		return fmt.Errorf("target %s low on space: %s free", dir, humanize.Bytes(si.FreeBytes))
	}

	l.Info("target validated", "dir", dir,
		"free", humanize.Bytes(si.FreeBytes), "total", humanize.Bytes(si.TotalBytes))
	return nil
}

// Info returns capacity statistics for the filesystem holding path.
func (m *DeviceManager) Info(path string) (*StorageInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", path, err)
	}
	return &StorageInfo{
		TotalBytes: st.Blocks * uint64(st.Bsize),
		FreeBytes:  st.Bavail * uint64(st.Bsize),
	}, nil
}

// isMountPoint reports whether path sits on a different device than its
// parent directory.
func isMountPoint(path string) bool {
	pathStat, err := os.Stat(path)
	if err != nil {
		return false
	}
	parentStat, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return false
	}
	pathSys, ok1 := pathStat.Sys().(*syscall.Stat_t)
	parentSys, ok2 := parentStat.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false
	}
	return pathSys.Dev != parentSys.Dev
}

// isUnsafeDevice reports whether a device name must never be used as a
// backup target: it matches a configured system-disk prefix, or it belongs
// to the disk backing the root filesystem.
func isUnsafeDevice(device string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(device, prefix) {
			return true
		}
	}
	if root := rootDeviceName(); root != "" && strings.HasPrefix(device, root) {
		return true
	}
	return false
}

// rootDeviceName returns the base disk name backing the root filesystem
// ("sda" for /dev/sda1, "nvme0n1" for /dev/nvme0n1p2), or "" when it cannot
// be determined (e.g. root on an overlay).
func rootDeviceName() string {
	f, err := os.Open(procMountsPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[1] != "/" || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		return baseDiskName(filepath.Base(fields[0]))
	}
	return ""
}

var (
	pStylePartition   = regexp.MustCompile(`^(.*\d)p\d+$`) // nvme0n1p2, mmcblk1p1
	numStylePartition = regexp.MustCompile(`^(.*\D)\d+$`)  // sda1, vdb2
)

// baseDiskName strips the partition suffix from a device name, returning the
// whole-disk name ("sda" for sda1, "nvme0n1" for nvme0n1p2).
func baseDiskName(name string) string {
	if m := pStylePartition.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	if m := numStylePartition.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}

// findMount returns where the host currently has devicePath mounted, or ""
// if it is not mounted anywhere.
func findMount(devicePath string) (string, error) {
	f, err := os.Open(procMountsPath)
	if err != nil {
		return "", fmt.Errorf("read mount table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == devicePath {
			// Octal escapes cover mount paths with spaces.
			return strings.ReplaceAll(fields[1], `\040`, " "), nil
		}
	}
	return "", scanner.Err()
}
