// Package imagecache manages the bounded per-rack image caches and answers
// which racks hold a given image.
package imagecache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/metrics"
)

// Manager applies cache-on-use and LRU eviction to rack caches.
//
// Every change is written back as a whole rack document, so the store keeps the
// image-location index in step with the cache.
type Manager struct {
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for LastAccess stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a new cache manager.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: logger.With(zap.String("component", "imagecache")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Touch records a use of image on rack.
//
// A hit moves the entry to the end of the cache with a fresh LastAccess. A miss
// evicts least recently used entries until the image fits and then caches it.
// An image larger than the whole rack is never cached, and that is not an error.
func (m *Manager) Touch(ctx context.Context, tx inventory.Tx, rackName, imageName string) error {
	rack, err := tx.GetRack(ctx, rackName)
	if err != nil {
		return err
	}
	image, err := tx.GetImage(ctx, imageName)
	if err != nil {
		return err
	}

	logger := m.logger.With(
		zap.String("rack", rackName),
		zap.String("image", imageName),
	)

	// 1. Cache hit: refresh position and timestamp
	if idx := rack.CacheIndex(imageName); idx >= 0 {
		entry := rack.ImageCache[idx]
		entry.LastAccess = m.now()
		rack.ImageCache = append(rack.ImageCache[:idx], rack.ImageCache[idx+1:]...)
		rack.ImageCache = append(rack.ImageCache, entry)

		if err := tx.PutRack(ctx, rack); err != nil {
			return fmt.Errorf("failed to refresh cache entry: %w", err)
		}
		logger.Debug("Image cache hit")
		return nil
	}

	metrics.RecordCacheMiss(rackName)

	// 2. Oversize images bypass the cache
	if image.Size > rack.Capacity {
		logger.Info("Image larger than rack cache, not caching",
			zap.Int64("size", image.Size),
			zap.Int64("capacity", rack.Capacity),
		)
		return nil
	}

	// 3. Make room
	for rack.AvailableCapacity < image.Size {
		evicted, err := m.EvictLRU(ctx, tx, rackName)
		if err != nil {
			return err
		}
		if evicted == nil {
			return fmt.Errorf("rack %q cache is empty but %d bytes are missing: %w",
				rackName, image.Size-rack.AvailableCapacity, domain.ErrConflict)
		}
		if rack, err = tx.GetRack(ctx, rackName); err != nil {
			return err
		}
	}

	// 4. Insert
	rack.ImageCache = append(rack.ImageCache, domain.CachedImage{
		ImageName:  image.Name,
		Size:       image.Size,
		LastAccess: m.now(),
	})
	rack.AvailableCapacity -= image.Size

	if err := tx.PutRack(ctx, rack); err != nil {
		return fmt.Errorf("failed to cache image: %w", err)
	}

	logger.Info("Image cached on rack",
		zap.Int64("size", image.Size),
		zap.Int64("available_capacity", rack.AvailableCapacity),
	)
	return nil
}

// EvictLRU removes the least recently used entry from rack and returns it.
// It returns nil when the cache is empty. Touch evicts through it.
func (m *Manager) EvictLRU(ctx context.Context, tx inventory.Tx, rackName string) (*domain.CachedImage, error) {
	rack, err := tx.GetRack(ctx, rackName)
	if err != nil {
		return nil, err
	}

	evicted, ok := evictOldest(rack)
	if !ok {
		return nil, nil
	}

	if err := tx.PutRack(ctx, rack); err != nil {
		return nil, fmt.Errorf("failed to evict image: %w", err)
	}

	metrics.RecordEviction(rackName)
	m.logger.Info("Evicted image from rack cache",
		zap.String("rack", rackName),
		zap.String("evicted", evicted.ImageName),
		zap.Int64("freed", evicted.Size),
		zap.Time("last_access", evicted.LastAccess),
		zap.Int64("available_capacity", rack.AvailableCapacity),
	)
	return &evicted, nil
}

// Lookup returns the sorted names of the racks caching image.
func (m *Manager) Lookup(ctx context.Context, r inventory.Reader, image string) ([]string, error) {
	racks, err := r.LookupImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("failed to look up image locations: %w", err)
	}
	if racks == nil {
		racks = []string{}
	}
	return racks, nil
}

// evictOldest drops the entry with the oldest LastAccess from rack in place.
// Equal timestamps go to the entry nearest the front of the cache.
func evictOldest(rack *domain.Rack) (domain.CachedImage, bool) {
	if len(rack.ImageCache) == 0 {
		return domain.CachedImage{}, false
	}

	oldest := 0
	for i := 1; i < len(rack.ImageCache); i++ {
		if rack.ImageCache[i].LastAccess.Before(rack.ImageCache[oldest].LastAccess) {
			oldest = i
		}
	}

	evicted := rack.ImageCache[oldest]
	rack.ImageCache = append(rack.ImageCache[:oldest], rack.ImageCache[oldest+1:]...)
	rack.AvailableCapacity += evicted.Size
	return evicted, true
}
