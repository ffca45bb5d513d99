package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// LocalCacheCleaner is a PackageManager that evicts files from cache
// directories on the local filesystem, least recently modified first.
type LocalCacheCleaner struct {
	roots  []string
	logger *utils.StructuredLogger
}

// NewLocalCacheCleaner evicts from the given cache roots. The roots
// themselves are never removed.
func NewLocalCacheCleaner(roots []string, logger *utils.StructuredLogger) *LocalCacheCleaner {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &LocalCacheCleaner{
		roots:  roots,
		logger: logger.WithComponent("cache-cleaner"),
	}
}

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// CleanCache implements PackageManager. For Inodes, each removed file and
// each directory emptied by the sweep counts as one.
func (c *LocalCacheCleaner) CleanCache(ctx context.Context, target int64, unit Unit) (int64, error) {
	entries, dirs := c.scan(ctx)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Evict oldest items first
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})

	var freed int64
	var lastErr error
	for _, e := range entries {
		if freed >= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return freed, err
		}
		if err := os.Remove(e.path); err != nil {
			if !os.IsNotExist(err) {
				lastErr = err
				c.logger.Debug("evicting cache file failed", map[string]interface{}{
					"path":  e.path,
					"error": err,
				})
			}
			continue
		}
		if unit == Inodes {
			freed++
		} else {
			freed += e.size
		}
	}

	if unit == Inodes {
		freed += c.pruneEmptyDirs(dirs, target-freed)
	}

	if freed == 0 && lastErr != nil {
		return 0, errors.Wrap(lastErr, errors.ErrCodeCleanupFailed, "evict cache files")
	}
	return freed, nil
}

func (c *LocalCacheCleaner) scan(ctx context.Context) ([]cacheEntry, []string) {
	var entries []cacheEntry
	var dirs []string

	for _, root := range c.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return filepath.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				if path != root {
					dirs = append(dirs, path)
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			entries = append(entries, cacheEntry{path: path, size: info.Size(), modTime: info.ModTime()})
			return nil
		})
		if err != nil {
			c.logger.Debug("cache root scan stopped", map[string]interface{}{
				"root":  root,
				"error": err,
			})
		}
	}
	return entries, dirs
}

// pruneEmptyDirs removes up to budget empty directories, deepest first.
func (c *LocalCacheCleaner) pruneEmptyDirs(dirs []string, budget int64) int64 {
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], string(filepath.Separator)), strings.Count(dirs[j], string(filepath.Separator))
		if di != dj {
			return di > dj
		}
		return dirs[i] > dirs[j]
	})

	var removed int64
	for _, dir := range dirs {
		if removed >= budget {
			break
		}
		// os.Remove refuses non-empty directories.
		if err := os.Remove(dir); err == nil {
			removed++
		}
	}
	return removed
}
