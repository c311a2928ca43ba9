// Package catalog provides the flavor and image catalog service.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/repository/redis"
)

// Cache is a read-through cache in front of the catalog.
type Cache interface {
	GetFlavor(ctx context.Context, name string) (*domain.Flavor, error)
	SetFlavor(ctx context.Context, f *domain.Flavor) error
	GetImage(ctx context.Context, name string) (*domain.Image, error)
	SetImage(ctx context.Context, img *domain.Image) error
	InvalidateCatalog(ctx context.Context) error
}

// Service serves flavor and image lookups and bulk imports.
type Service struct {
	store  inventory.Store
	cache  Cache
	locker inventory.Locker
	logger *zap.Logger
}

// NewService creates a new catalog service. cache may be nil.
func NewService(store inventory.Store, cache Cache, locker inventory.Locker, logger *zap.Logger) *Service {
	if locker == nil {
		locker = inventory.NopLocker{}
	}
	return &Service{
		store:  store,
		cache:  cache,
		locker: locker,
		logger: logger.With(zap.String("service", "catalog")),
	}
}

// GetFlavor returns a flavor by name.
func (s *Service) GetFlavor(ctx context.Context, name string) (*domain.Flavor, error) {
	if s.cache != nil {
		f, err := s.cache.GetFlavor(ctx, name)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("Flavor cache read failed", zap.String("flavor", name), zap.Error(err))
		}
	}

	f, err := s.store.GetFlavor(ctx, name)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetFlavor(ctx, f); err != nil {
			s.logger.Warn("Flavor cache write failed", zap.String("flavor", name), zap.Error(err))
		}
	}
	return f, nil
}

// GetImage returns an image by name.
func (s *Service) GetImage(ctx context.Context, name string) (*domain.Image, error) {
	if s.cache != nil {
		img, err := s.cache.GetImage(ctx, name)
		if err == nil {
			return img, nil
		}
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("Image cache read failed", zap.String("image", name), zap.Error(err))
		}
	}

	img, err := s.store.GetImage(ctx, name)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetImage(ctx, img); err != nil {
			s.logger.Warn("Image cache write failed", zap.String("image", name), zap.Error(err))
		}
	}
	return img, nil
}

// ListFlavors returns every flavor ordered by name.
func (s *Service) ListFlavors(ctx context.Context) ([]*domain.Flavor, error) {
	return s.store.ListFlavors(ctx)
}

// ListImages returns every image ordered by name.
func (s *Service) ListImages(ctx context.Context) ([]*domain.Image, error) {
	return s.store.ListImages(ctx)
}

// ImportFlavors upserts flavors by name in a single transaction.
func (s *Service) ImportFlavors(ctx context.Context, flavors []*domain.Flavor) error {
	for _, f := range flavors {
		if err := validateFlavor(f); err != nil {
			return err
		}
	}

	err := s.mutate(ctx, func(ctx context.Context, tx inventory.Tx) error {
		for _, f := range flavors {
			if err := tx.PutFlavor(ctx, f); err != nil {
				return fmt.Errorf("failed to store flavor %q: %w", f.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Flavors imported", zap.Int("count", len(flavors)))
	s.invalidate(ctx)
	return nil
}

// ImportImages upserts images by name in a single transaction.
func (s *Service) ImportImages(ctx context.Context, images []*domain.Image) error {
	for _, img := range images {
		if err := validateImage(img); err != nil {
			return err
		}
	}

	err := s.mutate(ctx, func(ctx context.Context, tx inventory.Tx) error {
		for _, img := range images {
			if err := tx.PutImage(ctx, img); err != nil {
				return fmt.Errorf("failed to store image %q: %w", img.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Images imported", zap.Int("count", len(images)))
	s.invalidate(ctx)
	return nil
}

func (s *Service) mutate(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return s.store.Atomically(ctx, fn)
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateCatalog(ctx); err != nil {
		s.logger.Warn("Failed to invalidate catalog cache", zap.Error(err))
	}
}

// ============================================================================
// Validation
// ============================================================================

func validateFlavor(f *domain.Flavor) error {
	if f.Name == "" {
		return &domain.ValidationError{Field: "flavor name", Value: f.Name}
	}
	if f.Memory < 0 {
		return &domain.ValidationError{Field: "flavor memory", Value: fmt.Sprint(f.Memory)}
	}
	if f.Disk < 0 {
		return &domain.ValidationError{Field: "flavor disk", Value: fmt.Sprint(f.Disk)}
	}
	if f.VCPU < 0 {
		return &domain.ValidationError{Field: "flavor vcpus", Value: fmt.Sprint(f.VCPU)}
	}
	return nil
}

func validateImage(img *domain.Image) error {
	if img.Name == "" {
		return &domain.ValidationError{Field: "image name", Value: img.Name}
	}
	if img.Size < 0 {
		return &domain.ValidationError{Field: "image size", Value: fmt.Sprint(img.Size)}
	}
	return nil
}
