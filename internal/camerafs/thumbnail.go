package camerafs

import (
	"strings"

	"github.com/dgraph-io/ristretto"
)

// thumbTarget returns the file a preview path refers to.
func thumbTarget(path string) (string, bool) {
	if !strings.HasSuffix(path, ThumbnailSuffix) {
		return "", false
	}
	base := strings.TrimSuffix(path, ThumbnailSuffix)
	if base == "" || strings.HasSuffix(base, "/") {
		return "", false
	}
	return base, true
}

// previewSizes caches preview lengths by device path so that listing a
// folder of thumbnails does not download every preview twice.
type previewSizes struct {
	cache *ristretto.Cache
}

func newPreviewSizes(maxEntries int64) (*previewSizes, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &previewSizes{cache: c}, nil
}

func (p *previewSizes) get(path string) (int64, bool) {
	v, ok := p.cache.Get(path)
	if !ok {
		return 0, false
	}
	size, ok := v.(int64)
	return size, ok
}

func (p *previewSizes) set(path string, size int64) {
	p.cache.Set(path, size, 1)
	p.cache.Wait()
}

func (p *previewSizes) forget(path string) {
	p.cache.Del(path)
}

func (p *previewSizes) close() {
	p.cache.Close()
}
