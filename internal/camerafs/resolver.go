package camerafs

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/storaged/storaged/internal/camera"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// DirNode is a folder on the device. Its children are fetched on first
// use.
type DirNode struct {
	mu     sync.Mutex
	name   string
	path   string
	listed bool
	files  map[string]*FileNode
	dirs   map[string]*DirNode
}

func newDirNode(name, path string) *DirNode {
	return &DirNode{
		name:  name,
		path:  path,
		files: make(map[string]*FileNode),
		dirs:  make(map[string]*DirNode),
	}
}

// Path returns the device path of the folder.
func (d *DirNode) Path() string { return d.path }

// FileNode is a file on the device.
type FileNode struct {
	mu       sync.Mutex
	name     string
	path     string
	size     int64
	mtime    time.Time
	refCount int

	// changed is set while the staging file holds content the device
	// does not have.
	changed bool
	staging *os.File
}

// Path returns the device path of the file.
func (f *FileNode) Path() string { return f.path }

// Stat returns the file's size and modification time.
func (f *FileNode) Stat() (int64, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size, f.mtime
}

// Resolver maps paths onto the lazily built node tree.
type Resolver struct {
	dev  camera.Device
	zone *time.Location
	root *DirNode
}

// NewResolver returns a resolver with an unlisted root.
func NewResolver(dev camera.Device, zone *time.Location) *Resolver {
	if zone == nil {
		zone = time.Local
	}
	return &Resolver{dev: dev, zone: zone, root: newDirNode("", "/")}
}

// Root returns the root folder.
func (r *Resolver) Root() *DirNode { return r.root }

func split(path string) ([]string, error) {
	parts, err := utils.SplitDevicePath(path)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodePathInvalid, "invalid path %q", path).WithCause(err)
	}
	return parts, nil
}

// Resolve walks path. A folder resolves to (dir, nil); a file resolves to
// (parent, file). A missing component yields camera.ErrNotFound and a
// file used as a folder yields NOT_DIRECTORY.
func (r *Resolver) Resolve(ctx context.Context, path string) (*DirNode, *FileNode, error) {
	parts, err := split(path)
	if err != nil {
		return nil, nil, err
	}

	dir := r.root
	for i, name := range parts {
		last := i == len(parts)-1
		child, file, err := r.lookup(ctx, dir, name)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case child != nil:
			dir = child
		case file != nil && last:
			return dir, file, nil
		case file != nil:
			return nil, nil, errors.Newf(errors.ErrCodeNotDirectory, "%s is not a folder", file.path)
		default:
			return nil, nil, errors.NewError(errors.ErrCodeNotFound, "no such file").
				WithDetail("path", utils.JoinDevicePath(parts[:i+1]...))
		}
	}
	return dir, nil, nil
}

// isRoot reports whether path names the mount root.
func isRoot(path string) bool {
	parts, err := split(path)
	return err == nil && len(parts) == 0
}

// ResolveParent resolves the folder that would contain path and returns
// it with the final component. The root has no parent and is reported
// busy, the way rmdir of a mount point is.
func (r *Resolver) ResolveParent(ctx context.Context, path string) (*DirNode, string, error) {
	parts, err := split(path)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", errors.NewError(errors.ErrCodeBusy, "the root has no parent")
	}
	dir, file, err := r.Resolve(ctx, utils.JoinDevicePath(parts[:len(parts)-1]...))
	if err != nil {
		return nil, "", err
	}
	if file != nil {
		return nil, "", errors.Newf(errors.ErrCodeNotDirectory, "%s is not a folder", file.path)
	}
	return dir, parts[len(parts)-1], nil
}

func (r *Resolver) lookup(ctx context.Context, dir *DirNode, name string) (*DirNode, *FileNode, error) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if err := r.listDir(ctx, dir); err != nil {
		return nil, nil, err
	}
	return dir.dirs[name], dir.files[name], nil
}

// listDir fills dir from the device once. dir.mu must be held.
func (r *Resolver) listDir(ctx context.Context, dir *DirNode) error {
	if dir.listed {
		return nil
	}
	folders, err := r.dev.ListFolders(ctx, dir.path)
	if err != nil {
		return err
	}
	files, err := r.dev.ListFiles(ctx, dir.path)
	if err != nil {
		return err
	}
	for _, name := range folders {
		if _, ok := dir.dirs[name]; !ok {
			dir.dirs[name] = newDirNode(name, utils.JoinDevicePath(dir.path, name))
		}
	}
	for _, fi := range files {
		if _, ok := dir.files[fi.Name]; !ok {
			dir.files[fi.Name] = &FileNode{
				name:  fi.Name,
				path:  utils.JoinDevicePath(dir.path, fi.Name),
				size:  fi.Size,
				mtime: NormalizeMtime(fi.ModTime, r.zone),
			}
		}
	}
	dir.listed = true
	return nil
}

// Entry is one child of a folder.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
	Mtime time.Time
}

// List returns dir's children, folders first, each group in name order.
func (r *Resolver) List(ctx context.Context, dir *DirNode) ([]Entry, error) {
	dir.mu.Lock()
	if err := r.listDir(ctx, dir); err != nil {
		dir.mu.Unlock()
		return nil, err
	}
	dirs := make([]string, 0, len(dir.dirs))
	for name := range dir.dirs {
		dirs = append(dirs, name)
	}
	files := make([]*FileNode, 0, len(dir.files))
	for _, f := range dir.files {
		files = append(files, f)
	}
	dir.mu.Unlock()

	sort.Strings(dirs)
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })

	out := make([]Entry, 0, len(dirs)+len(files))
	for _, name := range dirs {
		out = append(out, Entry{Name: name, IsDir: true})
	}
	for _, f := range files {
		size, mtime := f.Stat()
		out = append(out, Entry{Name: f.name, Size: size, Mtime: mtime})
	}
	return out, nil
}

// addFile inserts a new local file node into dir.
func (r *Resolver) addFile(ctx context.Context, dir *DirNode, name string, now time.Time) (*FileNode, error) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if err := r.listDir(ctx, dir); err != nil {
		return nil, err
	}
	if _, ok := dir.dirs[name]; ok {
		return nil, camera.ErrExists
	}
	if _, ok := dir.files[name]; ok {
		return nil, camera.ErrExists
	}
	f := &FileNode{name: name, path: utils.JoinDevicePath(dir.path, name), mtime: now}
	dir.files[name] = f
	return f, nil
}

// removeFile drops name from dir if it still maps to f.
func removeFile(dir *DirNode, name string, f *FileNode) {
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.files[name] == f {
		delete(dir.files, name)
	}
}
