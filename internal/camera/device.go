// Package camera defines the transport contract for an external photo
// camera and ships a directory-backed implementation of it.
//
// Device paths are slash separated and absolute ("/DCIM/100CANON"). All
// transfers are whole-file: a camera cannot seek into or patch a stored
// object, so callers stage files locally and put them back in one piece.
package camera

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/storaged/storaged/pkg/errors"
)

// Errors reported by devices. They match through errors.Is against any
// error carrying the same code.
var (
	ErrNotFound = errors.Sentinel(errors.ErrCodeNotFound, "no such object on device")
	ErrExists   = errors.Sentinel(errors.ErrCodeExists, "object already exists on device")
	ErrNotEmpty = errors.Sentinel(errors.ErrCodeNotEmpty, "folder not empty")
	ErrReadOnly = errors.Sentinel(errors.ErrCodeReadOnly, "device storage is read-only")
	ErrBusy     = errors.Sentinel(errors.ErrCodeBusy, "device busy")
	ErrNoSpace  = errors.Sentinel(errors.ErrCodeNoSpace, "device storage full")
)

// FileInfo describes one stored file. ModTime is the camera's local wall
// clock stamped as UTC; callers normalize it with the camera's zone.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// StorageInfo reports device capacity.
type StorageInfo struct {
	Capacity    int64
	Free        int64
	Description string
}

// Device is one connected camera.
type Device interface {
	// ListFolders returns the names of the folders directly inside dir.
	ListFolders(ctx context.Context, dir string) ([]string, error)
	// ListFiles returns the files directly inside dir.
	ListFiles(ctx context.Context, dir string) ([]FileInfo, error)

	GetFile(ctx context.Context, path string, w io.Writer) error
	// GetPreview returns a JPEG preview of the file at path.
	GetPreview(ctx context.Context, path string) ([]byte, error)
	// PutFile stores size bytes from r at path. The path must not exist.
	PutFile(ctx context.Context, path string, r io.Reader, size int64) error
	DeleteFile(ctx context.Context, path string) error

	MakeDir(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string) error

	StorageInfo(ctx context.Context) (StorageInfo, error)
	Close() error
}

// Info identifies a detected camera.
type Info struct {
	Index int
	Model string
	Port  string
}

// SerializedDevice forwards every call to the wrapped device under one
// transport lock. Cameras accept a single command at a time.
type SerializedDevice struct {
	mu  sync.Mutex
	dev Device
}

// Serialized wraps dev with a transport lock.
func Serialized(dev Device) *SerializedDevice {
	return &SerializedDevice{dev: dev}
}

func (s *SerializedDevice) ListFolders(ctx context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ListFolders(ctx, dir)
}

func (s *SerializedDevice) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ListFiles(ctx, dir)
}

func (s *SerializedDevice) GetFile(ctx context.Context, path string, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.GetFile(ctx, path, w)
}

func (s *SerializedDevice) GetPreview(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.GetPreview(ctx, path)
}

func (s *SerializedDevice) PutFile(ctx context.Context, path string, r io.Reader, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.PutFile(ctx, path, r, size)
}

func (s *SerializedDevice) DeleteFile(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.DeleteFile(ctx, path)
}

func (s *SerializedDevice) MakeDir(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.MakeDir(ctx, path)
}

func (s *SerializedDevice) RemoveDir(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.RemoveDir(ctx, path)
}

func (s *SerializedDevice) StorageInfo(ctx context.Context) (StorageInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.StorageInfo(ctx)
}

func (s *SerializedDevice) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Close()
}
