package camerafs

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/storaged/storaged/internal/camera"
	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// NoHandle is passed as fh when an operation has no open handle.
const NoHandle = ^uint64(0)

// Attr describes a node. Mode carries the syscall.S_IF* type bits.
type Attr struct {
	Mode  uint32
	Size  int64
	Mtime time.Time
	Nlink uint32
}

// IsDir reports whether the node is a folder.
func (a Attr) IsDir() bool { return a.Mode&syscall.S_IFMT == syscall.S_IFDIR }

// StatFS describes device capacity in blocks.
type StatFS struct {
	Bsize   uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	NameLen uint32
}

// FillFunc receives one directory entry and the offset of the next. It
// returns false when the caller's buffer is full.
type FillFunc func(name string, attr *Attr, next int64) bool

// FilesystemOps is the path-based operation table the FUSE adapters call.
// Every method returns 0 or a positive errno.
type FilesystemOps interface {
	Getattr(ctx context.Context, path string) (Attr, syscall.Errno)
	Readdir(ctx context.Context, path string, offset int64, fill FillFunc) syscall.Errno
	Open(ctx context.Context, path string, flags int) (uint64, syscall.Errno)
	Create(ctx context.Context, path string, flags int, mode uint32) (uint64, syscall.Errno)
	Read(ctx context.Context, path string, fh uint64, dest []byte, off int64) (int, syscall.Errno)
	Write(ctx context.Context, path string, fh uint64, data []byte, off int64) (int, syscall.Errno)
	Truncate(ctx context.Context, path string, fh uint64, size int64) syscall.Errno
	Release(ctx context.Context, path string, fh uint64) syscall.Errno
	Unlink(ctx context.Context, path string) syscall.Errno
	Mkdir(ctx context.Context, path string, mode uint32) syscall.Errno
	Rmdir(ctx context.Context, path string) syscall.Errno
	Rename(ctx context.Context, oldPath, newPath string) syscall.Errno
	Statfs(ctx context.Context, path string) (StatFS, syscall.Errno)
}

type handle struct {
	node    *FileNode
	preview []byte
	write   bool
}

// FS implements FilesystemOps over a camera device.
type FS struct {
	config   *Context
	resolver *Resolver
	staging  *Staging
	previews *previewSizes
	clock    clock.Clock
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector

	// hmu guards the handle table. It is never held across device calls.
	hmu     sync.Mutex
	handles map[uint64]*handle
	next    uint64
}

var _ FilesystemOps = (*FS)(nil)

// New builds a filesystem over c.Device.
func New(c *Context) (*FS, error) {
	if c == nil || c.Device == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "camera filesystem requires a device")
	}
	cfg := c.withDefaults()
	previews, err := newPreviewSizes(cfg.PreviewCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "preview cache")
	}
	logger := cfg.Logger.WithComponent("camerafs")
	return &FS{
		config:   cfg,
		resolver: NewResolver(cfg.Device, cfg.Zone),
		staging:  NewStaging(cfg.Device, cfg.StagingDir, cfg.UploadRetry, cfg.Clock, cfg.Logger, cfg.Metrics),
		previews: previews,
		clock:    cfg.Clock,
		logger:   logger,
		metrics:  cfg.Metrics,
		handles:  make(map[uint64]*handle),
	}, nil
}

// Close releases the preview cache. Open handles are not flushed.
func (f *FS) Close() {
	f.previews.close()
}

// Resolver exposes the node tree.
func (f *FS) Resolver() *Resolver { return f.resolver }

func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}
	return errors.Errno(err)
}

// done records one operation and converts err.
func (f *FS) done(op, path string, start time.Time, size int64, err error) syscall.Errno {
	errno := errnoOf(err)
	f.metrics.RecordOperation(op, f.clock.Now().Sub(start), size, errno == 0)
	if err != nil {
		f.metrics.RecordError(op, err)
		f.logger.Debug("operation failed", map[string]interface{}{
			"op":    op,
			"path":  path,
			"errno": errno.Error(),
			"error": err,
		})
	}
	return errno
}

func (f *FS) perm(mode os.FileMode) uint32 {
	if f.config.ReadOnly {
		mode &^= 0222
	}
	return uint32(mode)
}

func (f *FS) dirAttr() Attr {
	return Attr{Mode: syscall.S_IFDIR | f.perm(0755), Nlink: 2}
}

func (f *FS) fileAttr(size int64, mtime time.Time) Attr {
	return Attr{Mode: syscall.S_IFREG | f.perm(0644), Size: size, Mtime: mtime, Nlink: 1}
}

// lookup resolves path. When path names a preview of an existing file
// and no real file has that name, thumb is the previewed file.
func (f *FS) lookup(ctx context.Context, path string) (dir *DirNode, file, thumb *FileNode, err error) {
	dir, file, err = f.resolver.Resolve(ctx, path)
	if err == nil || !errors.Is(err, camera.ErrNotFound) {
		return dir, file, nil, err
	}
	base, ok := thumbTarget(path)
	if !ok {
		return nil, nil, nil, err
	}
	_, bf, berr := f.resolver.Resolve(ctx, base)
	if berr != nil || bf == nil {
		return nil, nil, nil, err
	}
	return nil, nil, bf, nil
}

func (f *FS) previewSize(ctx context.Context, n *FileNode) (int64, error) {
	if size, ok := f.previews.get(n.path); ok {
		f.metrics.RecordPreviewCache(true)
		return size, nil
	}
	f.metrics.RecordPreviewCache(false)
	data, err := f.fetchPreview(ctx, n)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (f *FS) fetchPreview(ctx context.Context, n *FileNode) ([]byte, error) {
	n.mu.Lock()
	data, err := f.config.Device.GetPreview(ctx, n.path)
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.previews.set(n.path, int64(len(data)))
	return data, nil
}

func (f *FS) Getattr(ctx context.Context, path string) (Attr, syscall.Errno) {
	start := f.clock.Now()
	_, file, thumb, err := f.lookup(ctx, path)
	switch {
	case err != nil:
		return Attr{}, f.done("getattr", path, start, 0, err)
	case thumb != nil:
		size, err := f.previewSize(ctx, thumb)
		if err != nil {
			return Attr{}, f.done("getattr", path, start, 0, err)
		}
		_, mtime := thumb.Stat()
		attr := f.fileAttr(size, mtime)
		attr.Mode = syscall.S_IFREG | 0444
		return attr, f.done("getattr", path, start, 0, nil)
	case file != nil:
		size, mtime := file.Stat()
		return f.fileAttr(size, mtime), f.done("getattr", path, start, 0, nil)
	default:
		return f.dirAttr(), f.done("getattr", path, start, 0, nil)
	}
}

func (f *FS) Readdir(ctx context.Context, path string, offset int64, fill FillFunc) syscall.Errno {
	start := f.clock.Now()
	dir, file, err := f.resolver.Resolve(ctx, path)
	if err != nil {
		return f.done("readdir", path, start, 0, err)
	}
	if file != nil {
		return f.done("readdir", path, start, 0, errors.Newf(errors.ErrCodeNotDirectory, "%s is not a folder", path))
	}
	children, err := f.resolver.List(ctx, dir)
	if err != nil {
		return f.done("readdir", path, start, 0, err)
	}

	self := f.dirAttr()
	names := []string{".", ".."}
	attrs := []Attr{self, self}
	for _, c := range children {
		names = append(names, c.Name)
		if c.IsDir {
			attrs = append(attrs, f.dirAttr())
		} else {
			attrs = append(attrs, f.fileAttr(c.Size, c.Mtime))
		}
	}
	if offset < 0 {
		offset = 0
	}
	for i := offset; i < int64(len(names)); i++ {
		if !fill(names[i], &attrs[i], i+1) {
			break
		}
	}
	return f.done("readdir", path, start, int64(len(children)), nil)
}

func (f *FS) addHandle(h *handle) uint64 {
	f.hmu.Lock()
	defer f.hmu.Unlock()
	f.next++
	f.handles[f.next] = h
	return f.next
}

func (f *FS) getHandle(fh uint64) (*handle, error) {
	f.hmu.Lock()
	defer f.hmu.Unlock()
	h, ok := f.handles[fh]
	if !ok {
		return nil, syscall.EBADF
	}
	return h, nil
}

func (f *FS) takeHandle(fh uint64) (*handle, error) {
	f.hmu.Lock()
	defer f.hmu.Unlock()
	h, ok := f.handles[fh]
	if !ok {
		return nil, syscall.EBADF
	}
	delete(f.handles, fh)
	return h, nil
}

// OpenHandles returns the number of handles in the table.
func (f *FS) OpenHandles() int {
	f.hmu.Lock()
	defer f.hmu.Unlock()
	return len(f.handles)
}

func wantsWrite(flags int) bool {
	return flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&syscall.O_TRUNC != 0
}

func (f *FS) readOnlyErr(op string) error {
	return errors.Newf(errors.ErrCodeReadOnly, "%s on a read-only mount", op)
}

func (f *FS) Open(ctx context.Context, path string, flags int) (uint64, syscall.Errno) {
	start := f.clock.Now()
	_, file, thumb, err := f.lookup(ctx, path)
	if err != nil {
		return 0, f.done("open", path, start, 0, err)
	}
	write := wantsWrite(flags)

	if thumb != nil {
		if write {
			return 0, f.done("open", path, start, 0, syscall.EACCES)
		}
		data, err := f.fetchPreview(ctx, thumb)
		if err != nil {
			return 0, f.done("open", path, start, 0, err)
		}
		return f.addHandle(&handle{preview: data}), f.done("open", path, start, int64(len(data)), nil)
	}
	if file == nil {
		return 0, f.done("open", path, start, 0, errors.Newf(errors.ErrCodeIsDirectory, "%s is a folder", path))
	}
	if write && f.config.ReadOnly {
		return 0, f.done("open", path, start, 0, f.readOnlyErr("open for writing"))
	}

	f.staging.Acquire(file)
	if flags&syscall.O_TRUNC != 0 {
		if err := f.staging.Truncate(ctx, file, 0); err != nil {
			_ = f.staging.Release(ctx, file)
			return 0, f.done("open", path, start, 0, err)
		}
	}
	return f.addHandle(&handle{node: file, write: write}), f.done("open", path, start, 0, nil)
}

func (f *FS) Create(ctx context.Context, path string, flags int, mode uint32) (uint64, syscall.Errno) {
	start := f.clock.Now()
	if f.config.ReadOnly {
		return 0, f.done("create", path, start, 0, f.readOnlyErr("create"))
	}
	if isRoot(path) {
		return 0, f.done("create", path, start, 0, camera.ErrExists)
	}
	dir, name, err := f.resolver.ResolveParent(ctx, path)
	if err != nil {
		return 0, f.done("create", path, start, 0, err)
	}
	file, err := f.resolver.addFile(ctx, dir, name, f.clock.Now())
	if err != nil {
		return 0, f.done("create", path, start, 0, err)
	}
	// A new file reaches the device on release even if nothing is written.
	// It starts as an empty staging file so reads never go to the device.
	file.mu.Lock()
	err = f.staging.create(file)
	file.changed = err == nil
	file.mu.Unlock()
	if err != nil {
		removeFile(dir, name, file)
		return 0, f.done("create", path, start, 0, err)
	}

	f.staging.Acquire(file)
	return f.addHandle(&handle{node: file, write: true}), f.done("create", path, start, 0, nil)
}

func (f *FS) Read(ctx context.Context, path string, fh uint64, dest []byte, off int64) (int, syscall.Errno) {
	start := f.clock.Now()
	h, err := f.getHandle(fh)
	if err != nil {
		return 0, f.done("read", path, start, 0, err)
	}
	if h.node == nil {
		if off >= int64(len(h.preview)) {
			return 0, f.done("read", path, start, 0, nil)
		}
		n := copy(dest, h.preview[off:])
		return n, f.done("read", path, start, int64(n), nil)
	}
	n, err := f.staging.Read(ctx, h.node, dest, off)
	return n, f.done("read", path, start, int64(n), err)
}

func (f *FS) Write(ctx context.Context, path string, fh uint64, data []byte, off int64) (int, syscall.Errno) {
	start := f.clock.Now()
	if f.config.ReadOnly {
		return 0, f.done("write", path, start, 0, f.readOnlyErr("write"))
	}
	h, err := f.getHandle(fh)
	if err != nil {
		return 0, f.done("write", path, start, 0, err)
	}
	if h.node == nil || !h.write {
		return 0, f.done("write", path, start, 0, syscall.EBADF)
	}
	n, err := f.staging.Write(ctx, h.node, data, off)
	return n, f.done("write", path, start, int64(n), err)
}

func (f *FS) Truncate(ctx context.Context, path string, fh uint64, size int64) syscall.Errno {
	start := f.clock.Now()
	if f.config.ReadOnly {
		return f.done("truncate", path, start, 0, f.readOnlyErr("truncate"))
	}
	if fh != NoHandle {
		if h, err := f.getHandle(fh); err == nil && h.node != nil {
			return f.done("truncate", path, start, size, f.staging.Truncate(ctx, h.node, size))
		}
	}

	_, file, err := f.resolver.Resolve(ctx, path)
	if err != nil {
		return f.done("truncate", path, start, 0, err)
	}
	if file == nil {
		return f.done("truncate", path, start, 0, errors.Newf(errors.ErrCodeIsDirectory, "%s is a folder", path))
	}
	f.staging.Acquire(file)
	if err := f.staging.Truncate(ctx, file, size); err != nil {
		_ = f.staging.Release(ctx, file)
		return f.done("truncate", path, start, 0, err)
	}
	if err := f.staging.Release(ctx, file); err != nil {
		f.done("truncate", path, start, 0, err)
		return syscall.EIO
	}
	f.previews.forget(file.path)
	return f.done("truncate", path, start, size, nil)
}

func (f *FS) Release(ctx context.Context, path string, fh uint64) syscall.Errno {
	start := f.clock.Now()
	h, err := f.takeHandle(fh)
	if err != nil {
		return f.done("release", path, start, 0, err)
	}
	if h.node == nil {
		return f.done("release", path, start, 0, nil)
	}
	if err := f.staging.Release(ctx, h.node); err != nil {
		f.done("release", path, start, 0, err)
		return syscall.EIO
	}
	if h.write {
		f.previews.forget(h.node.path)
	}
	return f.done("release", path, start, 0, nil)
}

func (f *FS) Unlink(ctx context.Context, path string) syscall.Errno {
	start := f.clock.Now()
	if f.config.ReadOnly {
		return f.done("unlink", path, start, 0, f.readOnlyErr("unlink"))
	}
	dir, file, thumb, err := f.lookup(ctx, path)
	switch {
	case err != nil:
		return f.done("unlink", path, start, 0, err)
	case thumb != nil:
		return f.done("unlink", path, start, 0, syscall.EPERM)
	case file == nil:
		return f.done("unlink", path, start, 0, errors.Newf(errors.ErrCodeIsDirectory, "%s is a folder", path))
	}

	file.mu.Lock()
	if file.refCount > 0 {
		file.mu.Unlock()
		return f.done("unlink", path, start, 0, errors.Newf(errors.ErrCodeBusy, "%s is open", path))
	}
	err = f.config.Device.DeleteFile(ctx, file.path)
	// A created file that never reached the device is not found there.
	if err != nil && !errors.Is(err, camera.ErrNotFound) {
		file.mu.Unlock()
		return f.done("unlink", path, start, 0, err)
	}
	removeFile(dir, file.name, file)
	f.staging.discard(file)
	file.changed = false
	file.mu.Unlock()
	f.previews.forget(file.path)
	return f.done("unlink", path, start, 0, nil)
}

func (f *FS) Mkdir(ctx context.Context, path string, mode uint32) syscall.Errno {
	start := f.clock.Now()
	if f.config.ReadOnly {
		return f.done("mkdir", path, start, 0, f.readOnlyErr("mkdir"))
	}
	if isRoot(path) {
		return f.done("mkdir", path, start, 0, camera.ErrExists)
	}
	parent, name, err := f.resolver.ResolveParent(ctx, path)
	if err != nil {
		return f.done("mkdir", path, start, 0, err)
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	if err := f.resolver.listDir(ctx, parent); err != nil {
		return f.done("mkdir", path, start, 0, err)
	}
	if parent.dirs[name] != nil || parent.files[name] != nil {
		return f.done("mkdir", path, start, 0, camera.ErrExists)
	}
	child := newDirNode(name, utils.JoinDevicePath(parent.path, name))
	if err := f.config.Device.MakeDir(ctx, child.path); err != nil {
		return f.done("mkdir", path, start, 0, err)
	}
	child.listed = true
	parent.dirs[name] = child
	return f.done("mkdir", path, start, 0, nil)
}

func (f *FS) Rmdir(ctx context.Context, path string) syscall.Errno {
	start := f.clock.Now()
	if f.config.ReadOnly {
		return f.done("rmdir", path, start, 0, f.readOnlyErr("rmdir"))
	}
	parent, name, err := f.resolver.ResolveParent(ctx, path)
	if err != nil {
		return f.done("rmdir", path, start, 0, err)
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	if err := f.resolver.listDir(ctx, parent); err != nil {
		return f.done("rmdir", path, start, 0, err)
	}
	child := parent.dirs[name]
	if child == nil {
		if parent.files[name] != nil {
			return f.done("rmdir", path, start, 0, errors.Newf(errors.ErrCodeNotDirectory, "%s is not a folder", path))
		}
		return f.done("rmdir", path, start, 0, camera.ErrNotFound)
	}

	child.mu.Lock()
	err = f.resolver.listDir(ctx, child)
	empty := len(child.dirs) == 0 && len(child.files) == 0
	child.mu.Unlock()
	if err != nil {
		return f.done("rmdir", path, start, 0, err)
	}
	if !empty {
		return f.done("rmdir", path, start, 0, camera.ErrNotEmpty)
	}

	if err := f.config.Device.RemoveDir(ctx, child.path); err != nil {
		return f.done("rmdir", path, start, 0, err)
	}
	delete(parent.dirs, name)
	return f.done("rmdir", path, start, 0, nil)
}

// Rename moves a file by downloading it, putting it under the new name
// and deleting the old copy. Folders cannot be moved.
func (f *FS) Rename(ctx context.Context, oldPath, newPath string) syscall.Errno {
	start := f.clock.Now()
	if f.config.ReadOnly {
		return f.done("rename", oldPath, start, 0, f.readOnlyErr("rename"))
	}
	if !f.config.EnableMove {
		return f.done("rename", oldPath, start, 0, syscall.EPERM)
	}

	oldDir, file, err := f.resolver.Resolve(ctx, oldPath)
	if err != nil {
		return f.done("rename", oldPath, start, 0, err)
	}
	if file == nil {
		return f.done("rename", oldPath, start, 0, syscall.EPERM)
	}
	newDir, newName, err := f.resolver.ResolveParent(ctx, newPath)
	if err != nil {
		return f.done("rename", oldPath, start, 0, err)
	}
	newDevPath := utils.JoinDevicePath(newDir.path, newName)
	if newDevPath == file.path {
		return f.done("rename", oldPath, start, 0, nil)
	}

	newDir.mu.Lock()
	err = f.resolver.listDir(ctx, newDir)
	target, targetDir := newDir.files[newName], newDir.dirs[newName]
	newDir.mu.Unlock()
	switch {
	case err != nil:
		return f.done("rename", oldPath, start, 0, err)
	case targetDir != nil:
		return f.done("rename", oldPath, start, 0, errors.Newf(errors.ErrCodeIsDirectory, "%s is a folder", newPath))
	}

	unlock := lockFiles(file, target)
	if file.refCount > 0 || (target != nil && target.refCount > 0) {
		unlock()
		return f.done("rename", oldPath, start, 0, errors.NewError(errors.ErrCodeBusy, "file is open"))
	}
	moved, err := f.move(ctx, file, newDevPath, newName)
	if err != nil {
		unlock()
		return f.done("rename", oldPath, start, 0, err)
	}
	removeFile(oldDir, file.name, file)
	newDir.mu.Lock()
	newDir.files[newName] = moved
	newDir.mu.Unlock()
	if target != nil {
		f.staging.discard(target)
		target.changed = false
	}
	unlock()

	f.previews.forget(file.path)
	f.previews.forget(newDevPath)
	return f.done("rename", oldPath, start, moved.size, nil)
}

// lockFiles locks a and, when set, b in path order and returns the unlock.
func lockFiles(a, b *FileNode) func() {
	if b == nil {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if b.path < a.path {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// move copies file to newPath on the device and deletes the old copy.
// file.mu must be held.
func (f *FS) move(ctx context.Context, file *FileNode, newPath, newName string) (*FileNode, error) {
	tmp, err := os.CreateTemp(f.config.StagingDir, "camerafs-move-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceIO, "create move buffer")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := f.staging.copyOut(ctx, file, tmp); err != nil {
		return nil, err
	}
	info, err := tmp.Stat()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceIO, "stat move buffer")
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceIO, "rewind move buffer")
	}

	dev := f.config.Device
	if err := dev.DeleteFile(ctx, newPath); err != nil && !errors.Is(err, camera.ErrNotFound) {
		return nil, err
	}
	if err := dev.PutFile(ctx, newPath, tmp, info.Size()); err != nil {
		return nil, err
	}
	if err := dev.DeleteFile(ctx, file.path); err != nil && !errors.Is(err, camera.ErrNotFound) {
		f.logger.Warn("removing moved file failed, both copies remain", map[string]interface{}{
			"from":  file.path,
			"to":    newPath,
			"error": err,
		})
	}

	f.staging.discard(file)
	file.changed = false
	return &FileNode{name: newName, path: newPath, size: info.Size(), mtime: file.mtime}, nil
}

func (f *FS) Statfs(ctx context.Context, path string) (StatFS, syscall.Errno) {
	start := f.clock.Now()
	info, err := f.config.Device.StorageInfo(ctx)
	if err != nil {
		return StatFS{}, f.done("statfs", path, start, 0, err)
	}
	const bsize = 4096
	out := StatFS{
		Bsize:   bsize,
		Blocks:  uint64(maxInt64(info.Capacity, 0)) / bsize,
		Bfree:   uint64(maxInt64(info.Free, 0)) / bsize,
		NameLen: 255,
	}
	out.Bavail = out.Bfree
	return out, f.done("statfs", path, start, 0, nil)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
