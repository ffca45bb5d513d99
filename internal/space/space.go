// Package space samples filesystem capacity.
package space

import (
	"context"
	"math"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/storaged/storaged/pkg/errors"
)

// SizeInfo is one sample of the data partition.
type SizeInfo struct {
	FreeSize   int64 `json:"freeSize"`
	TotalSize  int64 `json:"totalSize"`
	FreeInode  int64 `json:"freeInode"`
	TotalInode int64 `json:"totalInode"`
}

// Sampler reports partition capacity.
type Sampler interface {
	// Sample returns free and total bytes and inodes of the data
	// partition.
	Sample(ctx context.Context) (SizeInfo, error)
	// SystemSize returns the total size of the system partition.
	SystemSize(ctx context.Context) (int64, error)
}

// DiskSampler reads statfs figures through gopsutil.
type DiskSampler struct {
	dataPath   string
	systemPath string
}

// NewDiskSampler samples the filesystems holding dataPath and systemPath.
func NewDiskSampler(dataPath, systemPath string) *DiskSampler {
	if systemPath == "" {
		systemPath = "/"
	}
	return &DiskSampler{dataPath: dataPath, systemPath: systemPath}
}

// Sample implements Sampler.
func (s *DiskSampler) Sample(ctx context.Context) (SizeInfo, error) {
	usage, err := disk.UsageWithContext(ctx, s.dataPath)
	if err != nil {
		return SizeInfo{}, errors.Wrap(err, errors.ErrCodeSampleFailed, "statfs "+s.dataPath)
	}
	return SizeInfo{
		FreeSize:   clamp(usage.Free),
		TotalSize:  clamp(usage.Total),
		FreeInode:  clamp(usage.InodesFree),
		TotalInode: clamp(usage.InodesTotal),
	}, nil
}

// SystemSize implements Sampler.
func (s *DiskSampler) SystemSize(ctx context.Context) (int64, error) {
	usage, err := disk.UsageWithContext(ctx, s.systemPath)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeSampleFailed, "statfs "+s.systemPath)
	}
	return clamp(usage.Total), nil
}

func clamp(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
