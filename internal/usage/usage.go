// Package usage computes per-bundle and per-user storage statistics.
package usage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/storaged/storaged/internal/clock"
	"github.com/storaged/storaged/internal/kvstore"
	"github.com/storaged/storaged/pkg/errors"
	"github.com/storaged/storaged/pkg/utils"
)

// BundleStats is the persisted usage of one bundle.
type BundleStats struct {
	BundleName     string `json:"bundleName"`
	LastModifyTime int64  `json:"lastModifyTime"`
	Size           int64  `json:"size"`
}

// UserStorageStats breaks a user's storage down by media class.
type UserStorageStats struct {
	Total int64 `json:"total"`
	Audio int64 `json:"audio"`
	Video int64 `json:"video"`
	Image int64 `json:"image"`
	File  int64 `json:"file"`
	App   int64 `json:"app"`
}

// Config says where bundles and user files live.
type Config struct {
	// Each subdirectory of a bundle root is one bundle, named after the
	// directory.
	BundleRoots []string `yaml:"bundle_roots"`
	UserRoot    string   `yaml:"user_root"`
}

// Reporter walks bundle directories and records their usage.
type Reporter struct {
	config Config
	store  kvstore.Store
	clock  clock.Clock
	logger *utils.StructuredLogger
}

// NewReporter persists bundle statistics into store.
func NewReporter(config Config, store kvstore.Store, clk clock.Clock, logger *utils.StructuredLogger) *Reporter {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Reporter{config: config, store: store, clock: clk, logger: logger.WithComponent("usage")}
}

// Report recomputes every bundle's usage and replaces the stored table.
func (r *Reporter) Report(ctx context.Context) error {
	start := r.clock.Now()
	stats := map[string]interface{}{}
	var total int64

	for _, root := range r.config.BundleRoots {
		entries, err := os.ReadDir(root)
		if err != nil {
			r.logger.Warn("bundle root unreadable", map[string]interface{}{"root": root, "error": err})
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			size, mtime := walkSize(ctx, filepath.Join(root, e.Name()), nil)
			bs := BundleStats{BundleName: e.Name(), Size: size}
			if !mtime.IsZero() {
				bs.LastModifyTime = mtime.Unix()
			}
			// A bundle present under several roots accumulates.
			if prev, ok := stats[e.Name()].(BundleStats); ok {
				bs.Size += prev.Size
				if prev.LastModifyTime > bs.LastModifyTime {
					bs.LastModifyTime = prev.LastModifyTime
				}
			}
			stats[e.Name()] = bs
			total += size
		}
	}

	if err := r.store.Replace(stats); err != nil {
		return err
	}
	r.logger.Info("usage report written", map[string]interface{}{
		"bundles":  len(stats),
		"total":    utils.FormatBytes(total),
		"duration": r.clock.Now().Sub(start).String(),
	})
	return nil
}

// BundleStats returns the last reported usage of bundle.
func (r *Reporter) BundleStats(bundle string) (BundleStats, error) {
	if bundle == "" || strings.ContainsAny(bundle, "/\x00") || bundle == "." || bundle == ".." {
		return BundleStats{}, errors.Newf(errors.ErrCodeInvalidParam, "invalid bundle name %q", bundle)
	}
	var bs BundleStats
	found, err := r.store.Get(bundle, &bs)
	if err != nil {
		return BundleStats{}, err
	}
	if !found {
		return BundleStats{}, errors.Newf(errors.ErrCodeNotFound, "no usage recorded for %s", bundle)
	}
	return bs, nil
}

// UserStorageStats walks the user root and classifies files by type.
// App is the sum of the last bundle report.
func (r *Reporter) UserStorageStats(ctx context.Context) (UserStorageStats, error) {
	var out UserStorageStats
	if r.config.UserRoot != "" {
		walkSize(ctx, r.config.UserRoot, func(path string, size int64) {
			switch classify(path) {
			case "audio":
				out.Audio += size
			case "video":
				out.Video += size
			case "image":
				out.Image += size
			default:
				out.File += size
			}
		})
		if err := ctx.Err(); err != nil {
			return UserStorageStats{}, err
		}
	}

	keys, err := r.store.Keys()
	if err != nil {
		return UserStorageStats{}, err
	}
	for _, k := range keys {
		var bs BundleStats
		if found, err := r.store.Get(k, &bs); err == nil && found {
			out.App += bs.Size
		}
	}

	out.Total = out.Audio + out.Video + out.Image + out.File + out.App
	return out, nil
}

// walkSize sums regular file sizes under root and returns the newest
// modification time seen. visit, when set, sees every file.
func walkSize(ctx context.Context, root string, visit func(path string, size int64)) (int64, time.Time) {
	var size int64
	var newest time.Time
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		size += info.Size()
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if visit != nil {
			visit(path, info.Size())
		}
		return nil
	})
	return size, newest
}

var mediaClass = map[string]string{
	".mp3": "audio", ".aac": "audio", ".flac": "audio", ".wav": "audio", ".ogg": "audio", ".m4a": "audio", ".amr": "audio",
	".mp4": "video", ".mkv": "video", ".mov": "video", ".avi": "video", ".3gp": "video", ".webm": "video", ".ts": "video",
	".jpg": "image", ".jpeg": "image", ".png": "image", ".gif": "image", ".heic": "image", ".webp": "image", ".bmp": "image",
	".dng": "image", ".cr2": "image", ".nef": "image", ".arw": "image",
}

func classify(path string) string {
	if class, ok := mediaClass[strings.ToLower(filepath.Ext(path))]; ok {
		return class
	}
	return "file"
}
