package fuse

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storaged/storaged/internal/camerafs"
	"github.com/storaged/storaged/pkg/utils"
)

func TestSafeConversions(t *testing.T) {
	assert.Equal(t, uint64(0), safeInt64ToUint64(-5))
	assert.Equal(t, uint64(7), safeInt64ToUint64(7))
	assert.Equal(t, uint32(0), safeIntToUint32(-1))
	assert.Equal(t, uint32(42), safeIntToUint32(42))
}

func TestFillAttr(t *testing.T) {
	fsys := NewFileSystem(nil, nil, &Config{UID: 1000, GID: 100})
	mtime := time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

	var out fuse.Attr
	fsys.fillAttr(camerafs.Attr{Mode: syscall.S_IFREG | 0644, Size: 1025, Mtime: mtime, Nlink: 1}, &out)
	assert.Equal(t, uint32(syscall.S_IFREG|0644), out.Mode)
	assert.Equal(t, uint64(1025), out.Size)
	assert.Equal(t, uint64(3), out.Blocks)
	assert.Equal(t, uint32(1000), out.Uid)
	assert.Equal(t, uint32(100), out.Gid)
	assert.Equal(t, uint64(mtime.Unix()), out.Mtime)

	out = fuse.Attr{}
	fsys.fillAttr(camerafs.Attr{Mode: syscall.S_IFDIR | 0755, Nlink: 2}, &out)
	assert.Zero(t, out.Mtime)
	assert.Equal(t, uint32(2), out.Nlink)
}

func TestFillStatfs(t *testing.T) {
	var out fuse.StatfsOut
	fillStatfs(camerafs.StatFS{Bsize: 4096, Blocks: 100, Bfree: 40, Bavail: 40, NameLen: 255}, &out)
	assert.Equal(t, uint32(4096), out.Bsize)
	assert.Equal(t, uint32(4096), out.Frsize)
	assert.Equal(t, uint64(100), out.Blocks)
	assert.Equal(t, uint64(40), out.Bavail)
	assert.Equal(t, uint32(255), out.NameLen)
}

func TestStatsCountErrors(t *testing.T) {
	fsys := NewFileSystem(nil, utils.NewNopLogger(), nil)
	fsys.count(func(s *Stats) { s.Reads++ }, 0)
	assert.Equal(t, syscall.ENOENT, fsys.count(nil, syscall.ENOENT))

	stats := fsys.GetStats()
	assert.Equal(t, int64(1), stats.Reads)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestMountedAt(t *testing.T) {
	mounts := "sysfs /sys sysfs rw 0 0\ncamerafs /mnt/camera fuse.camerafs rw 0 0\n"
	assert.True(t, mountedAt(mounts, "/mnt/camera"))
	assert.False(t, mountedAt(mounts, "/mnt"))
	assert.False(t, mountedAt(mounts, "/mnt/camera2"))
}

func TestBuildFUSEOptions(t *testing.T) {
	cfg := DefaultMountConfig("/mnt/camera")
	cfg.Options.ReadOnly = true
	cfg.Options.AllowOther = true
	cfg.Options.Extra = []string{"noatime"}
	m := NewMountManager(nil, nil, cfg)

	opts := m.buildFUSEOptions()
	assert.Equal(t, "camerafs", opts.FsName)
	assert.True(t, opts.AllowOther)
	assert.Equal(t, []string{"ro", "subtype=camera", "noatime"}, opts.Options)
	assert.Equal(t, time.Second, *opts.AttrTimeout)
}

func TestValidateMountPoint(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	tests := []struct {
		name    string
		point   string
		wantErr bool
	}{
		{"empty", "", true},
		{"missing", filepath.Join(dir, "nope"), true},
		{"file", file, true},
		{"directory", dir, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMountManager(nil, nil, DefaultMountConfig(tt.point))
			err := m.validateMountPoint()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnmountWhenNotMounted(t *testing.T) {
	m := NewMountManager(nil, nil, DefaultMountConfig(t.TempDir()))
	assert.False(t, m.IsMounted())
	assert.Error(t, m.Unmount())
	m.Wait()
}
