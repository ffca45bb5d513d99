package fuse

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/storaged/storaged/internal/camerafs"
	"github.com/storaged/storaged/pkg/utils"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if uint64(i) > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem adapts a path-based operation table to go-fuse's inode API.
type FileSystem struct {
	ops    camerafs.FilesystemOps
	config *Config
	logger *utils.StructuredLogger
	stats  *Stats
}

// Config represents FUSE filesystem configuration
type Config struct {
	UID uint32 `yaml:"uid"`
	GID uint32 `yaml:"gid"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	mu sync.RWMutex

	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// NewFileSystem wraps ops. A nil config uses the caller's uid and gid.
func NewFileSystem(ops camerafs.FilesystemOps, logger *utils.StructuredLogger, config *Config) *FileSystem {
	if config == nil {
		config = &Config{
			UID: safeIntToUint32(os.Getuid()),
			GID: safeIntToUint32(os.Getgid()),
		}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &FileSystem{
		ops:    ops,
		config: config,
		logger: logger.WithComponent("fuse"),
		stats:  &Stats{},
	}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &Node{fsys: fsys}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() *FilesystemStats {
	fsys.stats.mu.RLock()
	defer fsys.stats.mu.RUnlock()

	return &FilesystemStats{
		Lookups:      fsys.stats.Lookups,
		Opens:        fsys.stats.Opens,
		Reads:        fsys.stats.Reads,
		Writes:       fsys.stats.Writes,
		BytesRead:    fsys.stats.BytesRead,
		BytesWritten: fsys.stats.BytesWritten,
		Errors:       fsys.stats.Errors,
	}
}

func (fsys *FileSystem) count(update func(s *Stats), errno syscall.Errno) syscall.Errno {
	fsys.stats.mu.Lock()
	if update != nil {
		update(fsys.stats)
	}
	if errno != 0 {
		fsys.stats.Errors++
	}
	fsys.stats.mu.Unlock()
	return errno
}

func (fsys *FileSystem) fillAttr(a camerafs.Attr, out *fuse.Attr) {
	out.Mode = a.Mode
	out.Size = safeInt64ToUint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Nlink = a.Nlink
	out.Uid = fsys.config.UID
	out.Gid = fsys.config.GID
	if !a.Mtime.IsZero() {
		mtime := a.Mtime
		out.SetTimes(&mtime, &mtime, &mtime)
	}
}

func fillStatfs(s camerafs.StatFS, out *fuse.StatfsOut) {
	out.Bsize = s.Bsize
	out.Frsize = s.Bsize
	out.Blocks = s.Blocks
	out.Bfree = s.Bfree
	out.Bavail = s.Bavail
	out.NameLen = s.NameLen
}

// Node is a file or folder. Its path is derived from its place in the
// inode tree, so renames move it without bookkeeping.
type Node struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeStatfser  = (*Node)(nil)
)

func (n *Node) path() string {
	return "/" + n.Path(nil)
}

func (n *Node) child(name string) string {
	p := n.path()
	if p == "/" {
		return p + name
	}
	return p + "/" + name
}

func (n *Node) newChild(ctx context.Context, attr camerafs.Attr, out *fuse.EntryOut) *fs.Inode {
	n.fsys.fillAttr(attr, &out.Attr)
	return n.NewInode(ctx, &Node{fsys: n.fsys}, fs.StableAttr{Mode: attr.Mode & syscall.S_IFMT})
}

// Getattr gets file attributes
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, errno := n.fsys.ops.Getattr(ctx, n.path())
	if errno != 0 {
		return n.fsys.count(nil, errno)
	}
	n.fsys.fillAttr(attr, &out.Attr)
	return 0
}

// Setattr supports size changes only. Other attributes are reported
// unchanged.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		fh := camerafs.NoHandle
		if h, ok := f.(*Handle); ok {
			fh = h.fh
		}
		if errno := n.fsys.ops.Truncate(ctx, n.path(), fh, int64(size)); errno != 0 {
			return n.fsys.count(nil, errno)
		}
	}
	return n.Getattr(ctx, f, out)
}

// Lookup looks up a child node by name
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, errno := n.fsys.ops.Getattr(ctx, n.child(name))
	n.fsys.count(func(s *Stats) { s.Lookups++ }, 0)
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, attr, out), 0
}

// Readdir reads directory contents
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	errno := n.fsys.ops.Readdir(ctx, n.path(), 0, func(name string, attr *camerafs.Attr, _ int64) bool {
		if name == "." || name == ".." {
			return true
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: attr.Mode & syscall.S_IFMT})
		return true
	})
	if errno != 0 {
		n.fsys.logger.Debug("readdir failed", map[string]interface{}{"path": n.path(), "errno": errno.Error()})
		return nil, n.fsys.count(nil, errno)
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens a file
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fh, errno := n.fsys.ops.Open(ctx, n.path(), int(flags))
	if errno != 0 {
		return nil, 0, n.fsys.count(nil, errno)
	}
	n.fsys.count(func(s *Stats) { s.Opens++ }, 0)
	// Sizes change under staging; the kernel must not trust its page cache.
	return &Handle{node: n, fh: fh}, fuse.FOPEN_DIRECT_IO, 0
}

// Create creates a new file
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.child(name)
	fh, errno := n.fsys.ops.Create(ctx, p, int(flags), mode)
	if errno != 0 {
		return nil, nil, 0, n.fsys.count(nil, errno)
	}
	attr, errno := n.fsys.ops.Getattr(ctx, p)
	if errno != 0 {
		_ = n.fsys.ops.Release(ctx, p, fh)
		return nil, nil, 0, n.fsys.count(nil, errno)
	}
	n.fsys.count(func(s *Stats) { s.Opens++ }, 0)
	child := n.newChild(ctx, attr, out)
	return child, &Handle{node: child.Operations().(*Node), fh: fh}, fuse.FOPEN_DIRECT_IO, 0
}

// Unlink removes a file
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.fsys.count(nil, n.fsys.ops.Unlink(ctx, n.child(name)))
}

// Mkdir creates a new directory
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.child(name)
	if errno := n.fsys.ops.Mkdir(ctx, p, mode); errno != 0 {
		return nil, n.fsys.count(nil, errno)
	}
	attr, errno := n.fsys.ops.Getattr(ctx, p)
	if errno != 0 {
		return nil, n.fsys.count(nil, errno)
	}
	return n.newChild(ctx, attr, out), 0
}

// Rmdir removes an empty directory
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.fsys.count(nil, n.fsys.ops.Rmdir(ctx, n.child(name)))
}

// Rename moves a file. Exchange and no-replace flags are not supported.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	target, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return n.fsys.count(nil, n.fsys.ops.Rename(ctx, n.child(name), target.child(newName)))
}

// Statfs reports device capacity
func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, errno := n.fsys.ops.Statfs(ctx, n.path())
	if errno != 0 {
		return n.fsys.count(nil, errno)
	}
	fillStatfs(st, out)
	return 0
}

// Handle represents an open file handle
type Handle struct {
	node *Node
	fh   uint64
}

var (
	_ fs.FileReader   = (*Handle)(nil)
	_ fs.FileWriter   = (*Handle)(nil)
	_ fs.FileReleaser = (*Handle)(nil)
)

// Read reads data from the file
func (h *Handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	start := time.Now()
	c, errno := h.node.fsys.ops.Read(ctx, h.node.path(), h.fh, dest, off)
	if errno != 0 {
		return nil, h.node.fsys.count(nil, errno)
	}
	h.node.fsys.count(func(s *Stats) {
		s.Reads++
		s.BytesRead += int64(c)
	}, 0)
	if d := time.Since(start); d > time.Second {
		h.node.fsys.logger.Debug("slow read", map[string]interface{}{"path": h.node.path(), "duration": d.String()})
	}
	return fuse.ReadResultData(dest[:c]), 0
}

// Write writes data to the file
func (h *Handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	c, errno := h.node.fsys.ops.Write(ctx, h.node.path(), h.fh, data, off)
	if errno != 0 {
		return 0, h.node.fsys.count(nil, errno)
	}
	h.node.fsys.count(func(s *Stats) {
		s.Writes++
		s.BytesWritten += int64(c)
	}, 0)
	return safeIntToUint32(c), 0
}

// Release releases the file handle. A changed file is uploaded here.
func (h *Handle) Release(ctx context.Context) syscall.Errno {
	errno := h.node.fsys.ops.Release(ctx, h.node.path(), h.fh)
	if errno != 0 {
		h.node.fsys.logger.Warn("release failed", map[string]interface{}{"path": h.node.path(), "errno": errno.Error()})
	}
	return h.node.fsys.count(nil, errno)
}
