package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/storaged/storaged/internal/camerafs"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// FilesystemStats represents filesystem operation statistics
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint  string        `yaml:"mount_point"`
	Options     *MountOptions `yaml:"options"`
	Permissions *Permissions  `yaml:"permissions"`
}

// MountOptions contains FUSE mount options
type MountOptions struct {
	ReadOnly   bool `yaml:"read_only"`
	AllowOther bool `yaml:"allow_other"`
	Debug      bool `yaml:"debug"`

	FSName  string `yaml:"fsname"`
	Subtype string `yaml:"subtype"`

	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`

	// Extra is passed through as -o options.
	Extra []string `yaml:"extra"`
}

// Permissions contains the owner reported for every node
type Permissions struct {
	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
}

// DefaultMountConfig returns options for mounting at mountPoint as the
// calling user.
func DefaultMountConfig(mountPoint string) *MountConfig {
	return &MountConfig{
		MountPoint: mountPoint,
		Options: &MountOptions{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "camerafs",
			Subtype:      "camera",
		},
		Permissions: &Permissions{
			UID: safeIntToUint32(os.Getuid()),
			GID: safeIntToUint32(os.Getgid()),
		},
	}
}

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	logger     *utils.StructuredLogger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMountManager creates a mount manager serving ops
func NewMountManager(ops camerafs.FilesystemOps, logger *utils.StructuredLogger, config *MountConfig) *MountManager {
	if config == nil {
		config = DefaultMountConfig("")
	}
	if config.Options == nil {
		config.Options = DefaultMountConfig("").Options
	}
	if config.Permissions == nil {
		config.Permissions = DefaultMountConfig("").Permissions
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	fsys := NewFileSystem(ops, logger, &Config{UID: config.Permissions.UID, GID: config.Permissions.GID})
	return &MountManager{
		filesystem: fsys,
		config:     config,
		logger:     logger.WithComponent("mount"),
	}
}

// Mount mounts the filesystem at the configured mount point
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return errors.Wrap(err, errors.ErrCodeMountFailed, "invalid mount point")
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeMountFailed, "failed to mount filesystem")
	}
	m.server = server
	m.mounted = true

	m.logger.Info("camera mounted", map[string]interface{}{
		"mount_point": m.config.MountPoint,
		"read_only":   m.config.Options.ReadOnly,
	})

	go func() {
		server.Wait()
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
			m.server = nil
		}
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped", map[string]interface{}{"mount_point": m.config.MountPoint})
	}()
	return nil
}

// Unmount unmounts the filesystem
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return errors.NewError(errors.ErrCodeNotRunning, "filesystem is not mounted")
	}

	if err := m.server.Unmount(); err != nil {
		m.logger.Warn("normal unmount failed, trying lazy unmount", map[string]interface{}{"error": err})
		if forceErr := m.forceUnmount(); forceErr != nil {
			return errors.NewError(errors.ErrCodeUnmountFailed, "unmount failed").
				WithCause(err).
				WithDetail("force_error", forceErr.Error())
		}
	}

	m.mounted = false
	m.server = nil
	m.logger.Info("filesystem unmounted", map[string]interface{}{"mount_point": m.config.MountPoint})
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the configured mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the filesystem is unmounted
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

// GetStats returns filesystem statistics
func (m *MountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("mount point is not empty", map[string]interface{}{"mount_point": m.config.MountPoint})
	}

	if m.isAlreadyMounted() {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	o := m.config.Options
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       o.FSName,
			FsName:     o.FSName,
			Debug:      o.Debug,
			AllowOther: o.AllowOther,
		},
		AttrTimeout:     &o.AttrTimeout,
		EntryTimeout:    &o.EntryTimeout,
		NegativeTimeout: &o.EntryTimeout,
		UID:             m.config.Permissions.UID,
		GID:             m.config.Permissions.GID,
	}

	if o.ReadOnly {
		opts.Options = append(opts.Options, "ro")
	}
	if o.Subtype != "" {
		opts.Options = append(opts.Options, "subtype="+o.Subtype)
	}
	opts.Options = append(opts.Options, o.Extra...)
	return opts
}

// isAlreadyMounted looks for the mount point in /proc/mounts.
func (m *MountManager) isAlreadyMounted() bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return mountedAt(string(data), filepath.Clean(m.config.MountPoint))
}

func mountedAt(mounts, mountPoint string) bool {
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH, then MNT_FORCE.
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	return syscall.Unmount(m.config.MountPoint, 1)
}
