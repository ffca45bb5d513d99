//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"sync"
	"syscall"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/storaged/storaged/internal/camerafs"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// CgoFuseFS serves a camera filesystem through cgofuse on platforms
// go-fuse does not cover.
type CgoFuseFS struct {
	fuse.FileSystemBase

	ops    camerafs.FilesystemOps
	config *MountConfig
	logger *utils.StructuredLogger
	stats  *Stats

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	mounted bool
	ready   chan struct{}
	done    chan struct{}
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(ops camerafs.FilesystemOps, logger *utils.StructuredLogger, config *MountConfig) *CgoFuseFS {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &CgoFuseFS{
		ops:    ops,
		config: config,
		logger: logger.WithComponent("cgofuse"),
		stats:  &Stats{},
	}
}

func (c *CgoFuseFS) options() []string {
	o := c.config.Options
	var out []string
	if o.FSName != "" {
		out = append(out, "-o", "fsname="+o.FSName)
	}
	if o.Subtype != "" {
		out = append(out, "-o", "subtype="+o.Subtype)
	}
	if o.AllowOther {
		out = append(out, "-o", "allow_other")
	}
	if o.ReadOnly {
		out = append(out, "-o", "ro")
	}
	if o.Debug {
		out = append(out, "-d")
	}
	for _, opt := range o.Extra {
		out = append(out, "-o", opt)
	}
	return out
}

// Mount starts the host and waits until the kernel calls Init.
func (c *CgoFuseFS) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyStarted, "filesystem is already mounted")
	}
	c.host = fuse.NewFileSystemHost(c)
	c.ready = make(chan struct{})
	c.done = make(chan struct{})
	host, ready, done := c.host, c.ready, c.done
	c.mu.Unlock()

	failed := make(chan struct{})
	go func() {
		defer close(done)
		if !host.Mount(c.config.MountPoint, c.options()) {
			close(failed)
		}
		c.mu.Lock()
		c.mounted = false
		c.mu.Unlock()
	}()

	select {
	case <-ready:
	case <-failed:
		return errors.Newf(errors.ErrCodeMountFailed, "mount at %s failed", c.config.MountPoint)
	case <-ctx.Done():
		host.Unmount()
		return ctx.Err()
	}

	c.mu.Lock()
	c.mounted = true
	c.mu.Unlock()
	c.logger.Info("camera mounted", map[string]interface{}{"mount_point": c.config.MountPoint})
	return nil
}

// Init is called by the host once the mount is live.
func (c *CgoFuseFS) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready != nil {
		close(c.ready)
		c.ready = nil
	}
}

// Unmount unmounts the filesystem
func (c *CgoFuseFS) Unmount() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mounted || c.host == nil {
		return errors.NewError(errors.ErrCodeNotRunning, "filesystem is not mounted")
	}
	if !c.host.Unmount() {
		return errors.Newf(errors.ErrCodeUnmountFailed, "unmount of %s failed", c.config.MountPoint)
	}
	c.mounted = false
	c.logger.Info("filesystem unmounted", map[string]interface{}{"mount_point": c.config.MountPoint})
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (c *CgoFuseFS) IsMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

// Wait blocks until the host returns.
func (c *CgoFuseFS) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (c *CgoFuseFS) GetStats() *FilesystemStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return &FilesystemStats{
		Lookups:      c.stats.Lookups,
		Opens:        c.stats.Opens,
		Reads:        c.stats.Reads,
		Writes:       c.stats.Writes,
		BytesRead:    c.stats.BytesRead,
		BytesWritten: c.stats.BytesWritten,
		Errors:       c.stats.Errors,
	}
}

// result converts errno to cgofuse's negative return convention.
func (c *CgoFuseFS) result(errno syscall.Errno, update func(s *Stats)) int {
	c.stats.mu.Lock()
	if errno != 0 {
		c.stats.Errors++
	} else if update != nil {
		update(c.stats)
	}
	c.stats.mu.Unlock()
	return -int(errno)
}

func (c *CgoFuseFS) fillStat(a *camerafs.Attr, stat *fuse.Stat_t) {
	stat.Mode = a.Mode
	stat.Size = a.Size
	stat.Nlink = a.Nlink
	stat.Uid = c.config.Permissions.UID
	stat.Gid = c.config.Permissions.GID
	if !a.Mtime.IsZero() {
		ts := fuse.NewTimespec(a.Mtime)
		stat.Mtim, stat.Atim, stat.Ctim = ts, ts, ts
	}
}

// Getattr gets file attributes
func (c *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	attr, errno := c.ops.Getattr(context.Background(), path)
	if errno == 0 {
		c.fillStat(&attr, stat)
	}
	return c.result(errno, func(s *Stats) { s.Lookups++ })
}

// Readdir reads directory contents
func (c *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	errno := c.ops.Readdir(context.Background(), path, ofst, func(name string, attr *camerafs.Attr, next int64) bool {
		var stat fuse.Stat_t
		c.fillStat(attr, &stat)
		return fill(name, &stat, next)
	})
	return c.result(errno, nil)
}

// Open opens a file
func (c *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	fh, errno := c.ops.Open(context.Background(), path, flags)
	return c.result(errno, func(s *Stats) { s.Opens++ }), fh
}

// Create creates and opens a file
func (c *CgoFuseFS) Create(path string, flags int, mode uint32) (int, uint64) {
	fh, errno := c.ops.Create(context.Background(), path, flags, mode)
	return c.result(errno, func(s *Stats) { s.Opens++ }), fh
}

// Read reads from a file
func (c *CgoFuseFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, errno := c.ops.Read(context.Background(), path, fh, buff, ofst)
	if errno != 0 {
		return c.result(errno, nil)
	}
	c.result(0, func(s *Stats) {
		s.Reads++
		s.BytesRead += int64(n)
	})
	return n
}

// Write writes to a file
func (c *CgoFuseFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	n, errno := c.ops.Write(context.Background(), path, fh, buff, ofst)
	if errno != 0 {
		return c.result(errno, nil)
	}
	c.result(0, func(s *Stats) {
		s.Writes++
		s.BytesWritten += int64(n)
	})
	return n
}

// Truncate changes a file's size. fh is ^uint64(0) without a handle.
func (c *CgoFuseFS) Truncate(path string, size int64, fh uint64) int {
	return c.result(c.ops.Truncate(context.Background(), path, fh, size), nil)
}

// Release closes a file
func (c *CgoFuseFS) Release(path string, fh uint64) int {
	errno := c.ops.Release(context.Background(), path, fh)
	if errno != 0 {
		c.logger.Warn("release failed", map[string]interface{}{"path": path, "errno": errno.Error()})
	}
	return c.result(errno, nil)
}

// Unlink removes a file
func (c *CgoFuseFS) Unlink(path string) int {
	return c.result(c.ops.Unlink(context.Background(), path), nil)
}

// Mkdir creates a folder
func (c *CgoFuseFS) Mkdir(path string, mode uint32) int {
	return c.result(c.ops.Mkdir(context.Background(), path, mode), nil)
}

// Rmdir removes an empty folder
func (c *CgoFuseFS) Rmdir(path string) int {
	return c.result(c.ops.Rmdir(context.Background(), path), nil)
}

// Rename moves a file
func (c *CgoFuseFS) Rename(oldpath string, newpath string) int {
	return c.result(c.ops.Rename(context.Background(), oldpath, newpath), nil)
}

// Statfs reports device capacity
func (c *CgoFuseFS) Statfs(path string, stat *fuse.Statfs_t) int {
	st, errno := c.ops.Statfs(context.Background(), path)
	if errno == 0 {
		stat.Bsize = uint64(st.Bsize)
		stat.Frsize = uint64(st.Bsize)
		stat.Blocks = st.Blocks
		stat.Bfree = st.Bfree
		stat.Bavail = st.Bavail
		stat.Namemax = uint64(st.NameLen)
	}
	return c.result(errno, nil)
}
