// Package camerafs exposes a camera's storage as a POSIX file tree.
//
// The tree is discovered lazily: a folder is listed on the device the
// first time something inside it is looked up. File contents move
// whole-file through a local staging file that lives while handles are
// open, and changed files are put back to the device when the last handle
// is released. A path ending in ThumbnailSuffix names the device-generated
// preview of the file it extends.
//
// Each node carries its own mutex; device calls go through one transport
// lock held by camera.Serialized. A node lock may be held while taking the
// transport lock, never the other way around.
package camerafs

import (
	"os"
	"time"

	"github.com/storaged/storaged/internal/camera"
	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/internal/metrics"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/retry"
	"github.com/storaged/storaged/pkg/utils"
)

// ThumbnailSuffix marks a synthetic preview path.
const ThumbnailSuffix = ".thumb.jpg"

// ErrInvalidPath is returned for paths with a ".." segment or a NUL byte.
var ErrInvalidPath = errors.Sentinel(errors.ErrCodePathInvalid, "invalid path")

// Context is everything a mounted camera filesystem needs.
type Context struct {
	// Device must already serialize its calls; see camera.Serialized.
	Device camera.Device

	ReadOnly   bool
	EnableMove bool

	// StagingDir holds temp files for open handles. Empty means os.TempDir.
	StagingDir string

	// Zone is the camera clock's timezone. Nil means time.Local.
	Zone *time.Location

	// PreviewCacheSize bounds the number of cached preview sizes.
	PreviewCacheSize int64

	// UploadRetry governs puts that fail with a busy or I/O error. A zero
	// MaxAttempts means retry.DefaultConfig.
	UploadRetry retry.Config

	Clock   clock.Clock
	Logger  *utils.StructuredLogger
	Metrics *metrics.Collector
}

func (c *Context) withDefaults() *Context {
	out := *c
	if out.StagingDir == "" {
		out.StagingDir = os.TempDir()
	}
	if out.Zone == nil {
		out.Zone = time.Local
	}
	if out.PreviewCacheSize <= 0 {
		out.PreviewCacheSize = 4096
	}
	if out.UploadRetry.MaxAttempts == 0 {
		out.UploadRetry = retry.DefaultConfig()
	}
	if out.Clock == nil {
		out.Clock = clock.Real()
	}
	if out.Logger == nil {
		out.Logger = utils.NewNopLogger()
	}
	return &out
}

// NormalizeMtime converts a camera timestamp, local wall time stamped as
// UTC, into the instant it denotes in zone.
func NormalizeMtime(t time.Time, zone *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), zone)
}
