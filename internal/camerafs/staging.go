package camerafs

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/storaged/storaged/internal/camera"
	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/retry"
	"github.com/storaged/storaged/pkg/utils"
)

// Staging moves file contents between the device and local temp files.
// Every method takes the node lock, so calls on one file are serialized.
type Staging struct {
	dev     camera.Device
	dir     string
	retryer *retry.Retryer
	clock   clock.Clock
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
}

// NewStaging keeps temp files in dir and retries uploads per rc.
func NewStaging(dev camera.Device, dir string, rc retry.Config, clk clock.Clock, logger *utils.StructuredLogger, m *metrics.Collector) *Staging {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	logger = logger.WithComponent("staging")
	retryer := retry.New(rc).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn("upload attempt failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err,
		})
	})
	return &Staging{dev: dev, dir: dir, retryer: retryer, clock: clk, logger: logger, metrics: m}
}

// Acquire records a new open handle on n.
func (s *Staging) Acquire(n *FileNode) {
	n.mu.Lock()
	n.refCount++
	n.mu.Unlock()
}

// create opens an empty temp file for n. n.mu must be held.
func (s *Staging) create(n *FileNode) error {
	f, err := os.CreateTemp(s.dir, "camerafs-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDeviceIO, "create staging file")
	}
	n.staging = f
	return nil
}

// populate fetches the device content of n into a new staging file.
// n.mu must be held and n.staging must be nil.
func (s *Staging) populate(ctx context.Context, n *FileNode) error {
	if err := s.create(n); err != nil {
		return err
	}
	if err := s.dev.GetFile(ctx, n.path, n.staging); err != nil {
		s.discard(n)
		return err
	}
	return nil
}

// discard closes and unlinks n's staging file. n.mu must be held.
func (s *Staging) discard(n *FileNode) {
	if n.staging == nil {
		return
	}
	name := n.staging.Name()
	_ = n.staging.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing staging file failed", map[string]interface{}{"file": name, "error": err})
	}
	n.staging = nil
}

// fail drops the staging file after a local I/O error.
func (s *Staging) fail(n *FileNode, op string, err error) error {
	s.logger.Warn("staging I/O failed", map[string]interface{}{"path": n.path, "op": op, "error": err})
	s.discard(n)
	n.changed = false
	return errors.Wrap(err, errors.ErrCodeDeviceIO, op+" staging file")
}

// Read reads from n's content, fetching the whole file on first use.
func (s *Staging) Read(ctx context.Context, n *FileNode, dest []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.staging == nil {
		if err := s.populate(ctx, n); err != nil {
			return 0, err
		}
	}
	c, err := n.staging.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return 0, s.fail(n, "read", err)
	}
	return c, nil
}

// Write writes into n's staging file, creating it without a fetch.
func (s *Staging) Write(ctx context.Context, n *FileNode, data []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.staging == nil {
		if err := s.create(n); err != nil {
			return 0, err
		}
		// The device copy is replaced wholesale, never patched.
		n.size = 0
	}
	c, err := n.staging.WriteAt(data, off)
	if err != nil {
		return 0, s.fail(n, "write", err)
	}
	if end := off + int64(c); end > n.size {
		n.size = end
	}
	n.mtime = s.clock.Now()
	n.changed = true
	return c, nil
}

// Truncate sets n's length. Content is fetched only when a non-empty
// file without a staging copy keeps a non-empty length.
func (s *Staging) Truncate(ctx context.Context, n *FileNode, size int64) error {
	if size < 0 {
		return errors.NewError(errors.ErrCodeInvalidParam, "negative size")
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.staging == nil {
		var err error
		if size > 0 && n.size > 0 {
			err = s.populate(ctx, n)
		} else {
			err = s.create(n)
		}
		if err != nil {
			return err
		}
	}
	if err := n.staging.Truncate(size); err != nil {
		return s.fail(n, "truncate", err)
	}
	n.size = size
	n.mtime = s.clock.Now()
	n.changed = true
	return nil
}

// Release drops a handle. When the last one goes a changed file is put
// back to the device, replacing the old copy, and the staging file is
// removed. A failed upload keeps the staging file and the changed flag so
// the next release retries.
func (s *Staging) Release(ctx context.Context, n *FileNode) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.refCount > 0 {
		n.refCount--
	}
	if n.refCount > 0 {
		return nil
	}

	if n.changed {
		if n.staging == nil {
			if err := s.create(n); err != nil {
				return err
			}
		}
		if err := s.upload(ctx, n); err != nil {
			s.logger.Warn("upload failed, keeping staging file", map[string]interface{}{
				"path":  n.path,
				"size":  n.size,
				"error": err,
			})
			return errors.NewError(errors.ErrCodeDeviceIO, "upload "+n.path).WithCause(err)
		}
		n.changed = false
		n.mtime = s.clock.Now()
	}
	s.discard(n)
	return nil
}

// upload replaces the device copy of n with its staging file. A busy or
// failing transfer is retried from the start.
func (s *Staging) upload(ctx context.Context, n *FileNode) error {
	info, err := n.staging.Stat()
	if err != nil {
		return err
	}
	n.size = info.Size()
	err = s.retryer.Do(ctx, func(ctx context.Context) error {
		if err := s.dev.DeleteFile(ctx, n.path); err != nil && !errors.Is(err, camera.ErrNotFound) {
			return err
		}
		if _, err := n.staging.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return s.dev.PutFile(ctx, n.path, n.staging, n.size)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordUpload(n.size)
	s.logger.Debug("uploaded", map[string]interface{}{"path": n.path, "size": utils.FormatBytes(n.size)})
	return nil
}

// copyOut writes n's current content to w, from staging when present.
func (s *Staging) copyOut(ctx context.Context, n *FileNode, w io.Writer) error {
	if n.staging == nil {
		return s.dev.GetFile(ctx, n.path, w)
	}
	if _, err := n.staging.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(w, io.LimitReader(n.staging, n.size))
	return err
}
