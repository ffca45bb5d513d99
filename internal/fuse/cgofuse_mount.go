//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"github.com/storaged/storaged/internal/camerafs"
	"github.com/storaged/storaged/pkg/utils"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
	config     *MountConfig
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(ops camerafs.FilesystemOps, logger *utils.StructuredLogger, config *MountConfig) *CgoFuseMountManager {
	if config == nil {
		config = DefaultMountConfig("")
	}
	if config.Options == nil {
		config.Options = DefaultMountConfig("").Options
	}
	if config.Permissions == nil {
		config.Permissions = DefaultMountConfig("").Permissions
	}
	return &CgoFuseMountManager{
		filesystem: NewCgoFuseFS(ops, logger, config),
		config:     config,
	}
}

// Mount mounts the filesystem
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// Wait blocks until the filesystem is unmounted
func (m *CgoFuseMountManager) Wait() {
	m.filesystem.Wait()
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() *FilesystemStats {
	return m.filesystem.GetStats()
}
