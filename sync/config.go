package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all add-on settings, loaded once at startup and passed into
// each component constructor.
type Config struct {
	USBDevice           string        // e.g. "sda1", "sdb1"; empty on first run
	MountPoint          string        // mount point name under MediaRoot
	MaxCopies           int           // backups to keep at the destination
	WaitTime            time.Duration // settle wait before copying a new backup
	SyncExistingOnStart bool          // run the initial scan at startup
	MaxRetries          int           // copy attempts per backup
	RetryDelay          time.Duration // delay between copy attempts
	IdleWait            time.Duration // main-loop wait when the queue is empty
	LockStaleAfter      time.Duration // run lock older than this is reclaimed
	NotifyService       string        // HA notify service, empty disables
	PowerSwitch         string        // HA switch entity, empty disables
	SystemDiskPrefixes  []string      // device prefixes never mounted as targets
	LogLevel            string

	SourceDir string // where Home Assistant writes backups
	MediaRoot string // parent of the destination mount point
	DataDir   string // queue database, run state, lock file, logs
}

// DestDir returns the destination directory for copied backups.
func (c *Config) DestDir() string {
	return filepath.Join(c.MediaRoot, c.MountPoint)
}

// LogDir returns the directory for rotated log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("usb_device", "")
	v.SetDefault("mount_point", "backups")
	v.SetDefault("max_copies", 5)
	v.SetDefault("wait_time", 300)
	v.SetDefault("sync_existing_on_start", true)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 30)
	v.SetDefault("idle_wait", 5)
	v.SetDefault("lock_stale_hours", 6)
	v.SetDefault("notify_service", "")
	v.SetDefault("power_switch", "")
	v.SetDefault("system_disk_prefixes", defaultSystemDiskPrefixes)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("source_dir", "/backup")
	v.SetDefault("media_root", "/media")
	v.SetDefault("data_dir", "/data")
}

// LoadConfig reads the add-on options file (Home Assistant writes it as
// /data/options.json). A missing file yields the defaults; invalid JSON is
// an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			sub("config").Warn("options file not found, using defaults", "path", path)
		} else {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		USBDevice:           v.GetString("usb_device"),
		MountPoint:          v.GetString("mount_point"),
		MaxCopies:           v.GetInt("max_copies"),
		WaitTime:            time.Duration(v.GetInt("wait_time")) * time.Second,
		SyncExistingOnStart: v.GetBool("sync_existing_on_start"),
		MaxRetries:          v.GetInt("max_retries"),
		RetryDelay:          time.Duration(v.GetInt("retry_delay")) * time.Second,
		IdleWait:            time.Duration(v.GetInt("idle_wait")) * time.Second,
		LockStaleAfter:      time.Duration(v.GetInt("lock_stale_hours")) * time.Hour,
		NotifyService:       v.GetString("notify_service"),
		PowerSwitch:         v.GetString("power_switch"),
		SystemDiskPrefixes:  v.GetStringSlice("system_disk_prefixes"),
		LogLevel:            v.GetString("log_level"),
		SourceDir:           v.GetString("source_dir"),
		MediaRoot:           v.GetString("media_root"),
		DataDir:             v.GetString("data_dir"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks everything except the device identifier, which is allowed
// to be empty here so the daemon can report first-run guidance itself.
func (c *Config) Validate() error {
	var errs []string

	if c.USBDevice != "" && !validDevicePrefix(c.USBDevice) {
		errs = append(errs, fmt.Sprintf("invalid usb_device name: %q", c.USBDevice))
	}
	if c.MountPoint == "" || strings.ContainsRune(c.MountPoint, '/') {
		errs = append(errs, fmt.Sprintf("mount_point must be a plain name, got %q", c.MountPoint))
	}
	if c.MaxCopies < 1 {
		errs = append(errs, fmt.Sprintf("max_copies must be >= 1, got %d", c.MaxCopies))
	}
	if c.WaitTime < 0 {
		errs = append(errs, "wait_time must be >= 0")
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Sprintf("max_retries must be >= 1, got %d", c.MaxRetries))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, "retry_delay must be >= 0")
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARNING", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// validDevicePrefix accepts the device name families HAOS exposes for
// attached storage.
func validDevicePrefix(device string) bool {
	for _, p := range []string{"sd", "mmc", "nvme", "usb"} {
		if strings.HasPrefix(device, p) {
			return true
		}
	}
	return false
}
