package camera

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// DirCamera serves a camera's storage from a mounted directory, such as a
// card reader or a mass-storage mode camera. It reports modification
// times the way a camera clock does: local wall time stamped as UTC.
type DirCamera struct {
	root  string
	zone  *time.Location
	model string
}

// NewDirCamera opens root as a camera whose clock runs in zone.
func NewDirCamera(root string, zone *time.Location) (*DirCamera, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, mapErr(err, "open camera root")
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrCodeNotDirectory, "camera root %s is not a directory", root)
	}
	if zone == nil {
		zone = time.Local
	}
	return &DirCamera{root: root, zone: zone, model: filepath.Base(root)}, nil
}

// Model returns the camera's display name.
func (d *DirCamera) Model() string { return d.model }

func (d *DirCamera) local(path string) (string, error) {
	parts, err := utils.SplitDevicePath(path)
	if err != nil {
		return "", errors.Newf(errors.ErrCodePathInvalid, "invalid device path %q", path).WithCause(err)
	}
	p, err := utils.SecureJoin(d.root, parts...)
	if err != nil {
		return "", errors.Newf(errors.ErrCodePathInvalid, "invalid device path %q", path).WithCause(err)
	}
	return p, nil
}

// cameraTime re-stamps t's wall clock in the camera zone as UTC.
func (d *DirCamera) cameraTime(t time.Time) time.Time {
	t = t.In(d.zone)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func (d *DirCamera) readDir(ctx context.Context, dir string) ([]os.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.local(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, mapErr(err, "list "+dir)
	}
	return entries, nil
}

func (d *DirCamera) ListFolders(ctx context.Context, dir string) ([]string, error) {
	entries, err := d.readDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (d *DirCamera) ListFiles(ctx context.Context, dir string) ([]FileInfo, error) {
	entries, err := d.readDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:    e.Name(),
			Size:    info.Size(),
			ModTime: d.cameraTime(info.ModTime()),
		})
	}
	return out, nil
}

func (d *DirCamera) GetFile(ctx context.Context, path string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.local(path)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if err != nil {
		return mapErr(err, "get "+path)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return mapErr(err, "get "+path)
	}
	return nil
}

func (d *DirCamera) GetPreview(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.local(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapErr(err, "preview "+path)
	}
	defer f.Close()
	return Preview(f)
}

func (d *DirCamera) PutFile(ctx context.Context, path string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.local(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return mapErr(err, "put "+path)
	}
	n, err := io.Copy(f, io.LimitReader(r, size))
	if err == nil && n != size {
		err = io.ErrUnexpectedEOF
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return mapErr(err, "put "+path)
	}
	return nil
}

func (d *DirCamera) DeleteFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.local(path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(p)
	if err != nil {
		return mapErr(err, "delete "+path)
	}
	if info.IsDir() {
		return errors.Newf(errors.ErrCodeIsDirectory, "%s is a folder", path)
	}
	return mapErr(os.Remove(p), "delete "+path)
}

func (d *DirCamera) MakeDir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.local(path)
	if err != nil {
		return err
	}
	return mapErr(os.Mkdir(p, 0755), "mkdir "+path)
}

func (d *DirCamera) RemoveDir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := d.local(path)
	if err != nil {
		return err
	}
	if p == filepath.Clean(d.root) {
		return errors.NewError(errors.ErrCodeBusy, "cannot remove the storage root")
	}
	info, err := os.Lstat(p)
	if err != nil {
		return mapErr(err, "rmdir "+path)
	}
	if !info.IsDir() {
		return errors.Newf(errors.ErrCodeNotDirectory, "%s is not a folder", path)
	}
	return mapErr(os.Remove(p), "rmdir "+path)
}

func (d *DirCamera) StorageInfo(ctx context.Context) (StorageInfo, error) {
	usage, err := disk.UsageWithContext(ctx, d.root)
	if err != nil {
		return StorageInfo{}, errors.Wrap(err, errors.ErrCodeDeviceIO, "storage info")
	}
	return StorageInfo{
		Capacity:    int64(usage.Total),
		Free:        int64(usage.Free),
		Description: d.model,
	}, nil
}

func (d *DirCamera) Close() error { return nil }

// mapErr converts filesystem errors into device errors.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var code errors.ErrorCode
	switch {
	case stderrors.Is(err, os.ErrNotExist):
		code = errors.ErrCodeNotFound
	case stderrors.Is(err, syscall.ENOTEMPTY):
		// Checked first: ENOTEMPTY also matches os.ErrExist.
		code = errors.ErrCodeNotEmpty
	case stderrors.Is(err, os.ErrExist):
		code = errors.ErrCodeExists
	case stderrors.Is(err, syscall.EROFS), stderrors.Is(err, os.ErrPermission):
		code = errors.ErrCodeReadOnly
	case stderrors.Is(err, syscall.ENOSPC):
		code = errors.ErrCodeNoSpace
	case stderrors.Is(err, syscall.EBUSY):
		code = errors.ErrCodeBusy
	case stderrors.Is(err, syscall.ENOTDIR):
		code = errors.ErrCodeNotDirectory
	default:
		code = errors.ErrCodeDeviceIO
	}
	return errors.NewError(code, op).WithCause(err)
}

// Detect lists the cameras mounted under root, one per subdirectory, in
// name order. Index is the value --device selects.
func Detect(root string) ([]Info, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, mapErr(err, "detect cameras")
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Info, 0, len(names))
	for i, name := range names {
		out = append(out, Info{Index: i, Model: name, Port: "disk:" + filepath.Join(root, name)})
	}
	return out, nil
}

// Open opens the camera at index among those Detect reports.
func Open(root string, index int, zone *time.Location) (*DirCamera, Info, error) {
	infos, err := Detect(root)
	if err != nil {
		return nil, Info{}, err
	}
	if index < 0 || index >= len(infos) {
		return nil, Info{}, errors.Newf(errors.ErrCodeNotFound, "no camera %d (%d detected)", index, len(infos))
	}
	info := infos[index]
	dev, err := NewDirCamera(filepath.Join(root, info.Model), zone)
	if err != nil {
		return nil, Info{}, err
	}
	return dev, info, nil
}
