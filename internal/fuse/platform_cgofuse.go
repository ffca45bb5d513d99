//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/storaged/storaged/internal/camerafs"
	"github.com/storaged/storaged/pkg/utils"
)

// PlatformFileSystem is a mountable filesystem.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
	GetStats() *FilesystemStats
}

// CreatePlatformMountManager returns the cgofuse mount manager.
func CreatePlatformMountManager(ops camerafs.FilesystemOps, logger *utils.StructuredLogger, config *MountConfig) PlatformFileSystem {
	return NewCgoFuseMountManager(ops, logger, config)
}
