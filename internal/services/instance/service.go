// Package instance provides the instance service: cache-aware placement,
// deletion and capacity queries.
package instance

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/imagecache"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/metrics"
	"github.com/aggiestack/aggiestack/internal/placement"
	"github.com/aggiestack/aggiestack/internal/scheduler"
	"github.com/aggiestack/aggiestack/internal/services/events"
)

// FlavorReader resolves flavors outside a transaction.
type FlavorReader interface {
	GetFlavor(ctx context.Context, name string) (*domain.Flavor, error)
}

// Option configures a Service.
type Option func(*Service)

// WithFlavorReader routes query-side flavor lookups through r, typically the
// cached catalog service. The store is used by default.
func WithFlavorReader(r FlavorReader) Option {
	return func(s *Service) {
		s.flavors = r
	}
}

// Service orchestrates instance lifecycle operations.
type Service struct {
	store     inventory.Store
	flavors   FlavorReader
	scheduler *scheduler.Scheduler
	cache     *imagecache.Manager
	binder    *placement.Binder
	locker    inventory.Locker
	publisher domain.EventPublisher
	logger    *zap.Logger
}

// NewService creates a new instance service. locker and publisher may be nil.
func NewService(
	store inventory.Store,
	sched *scheduler.Scheduler,
	cache *imagecache.Manager,
	binder *placement.Binder,
	locker inventory.Locker,
	publisher domain.EventPublisher,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if locker == nil {
		locker = inventory.NopLocker{}
	}
	s := &Service{
		store:     store,
		flavors:   store,
		scheduler: sched,
		cache:     cache,
		binder:    binder,
		locker:    locker,
		publisher: publisher,
		logger:    logger.Named("instance-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================================
// Placement
// ============================================================================

// CreateInstanceCached places a new instance, preferring racks that already
// cache its image.
//
// Racks holding the image are tried first. When none of their servers fit, the
// remaining racks are tried; when no rack holds the image every rack is tried.
// The chosen server's rack then caches the image. Scan, reservation and cache
// update commit together.
//
// Creating an instance whose name is taken logs a DuplicateEntityError and
// returns the existing instance unchanged.
func (s *Service) CreateInstanceCached(ctx context.Context, access domain.Access, name, flavorName, imageName string) (*domain.Instance, error) {
	logger := s.logger.With(
		zap.String("method", "CreateInstanceCached"),
		zap.String("instance", name),
		zap.String("flavor", flavorName),
		zap.String("image", imageName),
		zap.String("actor", access.Actor),
	)

	if name == "" {
		return nil, &domain.ValidationError{Field: "instance name", Value: name}
	}

	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var (
		result    *domain.Instance
		affinity  string
		duplicate bool
	)

	err = s.store.Atomically(ctx, func(ctx context.Context, tx inventory.Tx) error {
		// 1. Resolve catalog references
		flavor, err := tx.GetFlavor(ctx, flavorName)
		if err != nil {
			return err
		}
		image, err := tx.GetImage(ctx, imageName)
		if err != nil {
			return err
		}

		// 2. Duplicate names are a no-op
		existing, err := tx.GetInstance(ctx, name)
		if err == nil {
			dup := &domain.DuplicateEntityError{Kind: domain.KindInstance, Name: name}
			logger.Warn("Instance already exists, skipping create", zap.Error(dup))
			result, duplicate = existing, true
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		// 3. Pick a server, warm racks first
		server, aff, err := s.selectServer(ctx, tx, flavor, image.Name)
		if err != nil {
			return err
		}
		affinity = aff
		if server == nil {
			return &domain.NoCompatibleHostError{InstanceName: name}
		}

		// 4. Bind
		inst := &domain.Instance{
			Name:   name,
			Flavor: flavor.Name,
			Image:  image.Name,
			Server: server.Name,
		}
		if err := s.binder.Bind(ctx, tx, inst, flavor); err != nil {
			return err
		}
		result = inst
		return nil
	})

	switch {
	case err != nil:
		if errors.Is(err, domain.ErrNoCompatibleHost) {
			metrics.RecordPlacement(metrics.OutcomeNoHost, affinity)
			logger.Warn("No compatible server for instance")
		} else {
			logger.Error("Failed to create instance", zap.Error(err))
		}
		return nil, err
	case duplicate:
		metrics.RecordPlacement(metrics.OutcomeDuplicate, metrics.AffinityNone)
		return result, nil
	}

	metrics.RecordPlacement(metrics.OutcomePlaced, affinity)
	logger.Info("Instance created",
		zap.String("server", result.Server),
		zap.String("affinity", affinity),
	)
	events.Announce(ctx, s.publisher, s.logger,
		domain.NewEvent(domain.EventInstanceCreated, domain.KindInstance, result.Name, map[string]string{
			"server":   result.Server,
			"flavor":   result.Flavor,
			"image":    result.Image,
			"affinity": affinity,
		}),
	)
	return result, nil
}

// selectServer runs the warm-then-cold best-fit cascade. A nil server means no fit.
func (s *Service) selectServer(ctx context.Context, tx inventory.Tx, flavor *domain.Flavor, image string) (*domain.Server, string, error) {
	warm, err := s.cache.Lookup(ctx, tx, image)
	if err != nil {
		return nil, metrics.AffinityNone, err
	}

	if len(warm) == 0 {
		server, _, err := s.scheduler.BestFit(ctx, tx, flavor, nil)
		return server, metrics.AffinityNone, err
	}

	server, found, err := s.scheduler.BestFit(ctx, tx, flavor, warm)
	if err != nil || found {
		return server, metrics.AffinityWarm, err
	}

	all, err := tx.ListRackNames(ctx)
	if err != nil {
		return nil, metrics.AffinityCold, fmt.Errorf("failed to list racks: %w", err)
	}
	cold := lo.Without(all, warm...)

	server, _, err = s.scheduler.BestFit(ctx, tx, flavor, cold)
	return server, metrics.AffinityCold, err
}

// BestFit returns the server best-fit placement would choose for flavorName
// among racks (nil means every rack). found is false when nothing fits.
func (s *Service) BestFit(ctx context.Context, flavorName string, racks []string) (server string, found bool, err error) {
	flavor, err := s.flavors.GetFlavor(ctx, flavorName)
	if err != nil {
		return "", false, err
	}

	srv, found, err := s.scheduler.BestFit(ctx, s.store, flavor, racks)
	if err != nil || !found {
		return "", false, err
	}
	return srv.Name, true, nil
}

// CanHost reports whether serverName currently has room for flavorName.
func (s *Service) CanHost(ctx context.Context, access domain.Access, serverName, flavorName string) (bool, error) {
	if err := access.RequireElevated("can_host"); err != nil {
		return false, err
	}

	flavor, err := s.flavors.GetFlavor(ctx, flavorName)
	if err != nil {
		return false, err
	}
	server, err := s.store.GetServer(ctx, serverName)
	if err != nil {
		return false, err
	}

	return scheduler.CanHost(flavor, server), nil
}

// ============================================================================
// Lifecycle
// ============================================================================

// DeleteInstance removes an instance and returns its capacity to the server.
// Deleting an instance that does not exist succeeds without changing anything.
func (s *Service) DeleteInstance(ctx context.Context, access domain.Access, name string) error {
	logger := s.logger.With(
		zap.String("method", "DeleteInstance"),
		zap.String("instance", name),
		zap.String("actor", access.Actor),
	)

	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	var deleted *domain.Instance
	err = s.store.Atomically(ctx, func(ctx context.Context, tx inventory.Tx) error {
		inst, err := tx.GetInstance(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		flavor, err := tx.GetFlavor(ctx, inst.Flavor)
		if err != nil {
			return err
		}
		if err := s.binder.Unbind(ctx, tx, inst, flavor); err != nil {
			return err
		}
		deleted = inst
		return nil
	})
	if err != nil {
		logger.Error("Failed to delete instance", zap.Error(err))
		return err
	}

	if deleted == nil {
		logger.Info("Instance not found, nothing to delete")
		return nil
	}

	logger.Info("Instance deleted", zap.String("server", deleted.Server))
	events.Announce(ctx, s.publisher, s.logger,
		domain.NewEvent(domain.EventInstanceDeleted, domain.KindInstance, deleted.Name, map[string]string{
			"server": deleted.Server,
		}),
	)
	return nil
}

// GetInstance returns an instance by name. The server binding is cleared for
// callers without admin privilege.
func (s *Service) GetInstance(ctx context.Context, access domain.Access, name string) (*domain.Instance, error) {
	inst, err := s.store.GetInstance(ctx, name)
	if err != nil {
		return nil, err
	}
	if !access.Elevated {
		inst.Server = ""
	}
	return inst, nil
}

// ListInstances returns every instance ordered by name. The server binding is
// cleared for callers without admin privilege.
func (s *Service) ListInstances(ctx context.Context, access domain.Access) ([]*domain.Instance, error) {
	insts, err := s.store.ListInstances(ctx, inventory.InstanceFilter{})
	if err != nil {
		return nil, err
	}
	if !access.Elevated {
		for _, inst := range insts {
			inst.Server = ""
		}
	}
	return insts, nil
}
