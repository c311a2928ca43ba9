// Package services wires the control plane services over one inventory store.
package services

import (
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/capacity"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/imagecache"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/migration"
	"github.com/aggiestack/aggiestack/internal/placement"
	"github.com/aggiestack/aggiestack/internal/scheduler"
	"github.com/aggiestack/aggiestack/internal/services/catalog"
	"github.com/aggiestack/aggiestack/internal/services/events"
	"github.com/aggiestack/aggiestack/internal/services/hardware"
	"github.com/aggiestack/aggiestack/internal/services/instance"
)

// Dependencies are the optional infrastructure pieces. Nil fields are skipped.
type Dependencies struct {
	// CatalogCache fronts flavor and image reads.
	CatalogCache catalog.Cache

	// Locker serializes mutations across replicas.
	Locker inventory.Locker

	// Remote receives every event after local subscribers.
	Remote domain.EventPublisher
}

// Registry holds every service of the control plane.
type Registry struct {
	Store      inventory.Store
	Events     *events.Service
	Catalog    *catalog.Service
	Hardware   *hardware.Service
	Instances  *instance.Service
	Migrations *migration.Coordinator
}

// NewRegistry builds the services over store.
func NewRegistry(store inventory.Store, deps Dependencies, logger *zap.Logger) *Registry {
	locker := deps.Locker
	if locker == nil {
		locker = inventory.NopLocker{}
	}

	hub := events.NewService(deps.Remote, logger)

	sched := scheduler.New(logger)
	cache := imagecache.NewManager(logger)
	binder := placement.NewBinder(capacity.NewTracker(logger), cache, logger)

	logger.Info("Services initialized",
		zap.Bool("catalog_cache", deps.CatalogCache != nil),
		zap.Bool("remote_events", deps.Remote != nil),
		zap.String("locker", lockerName(locker)),
	)

	catalogSvc := catalog.NewService(store, deps.CatalogCache, locker, logger)

	return &Registry{
		Store:      store,
		Events:     hub,
		Catalog:    catalogSvc,
		Hardware:   hardware.NewService(store, locker, hub, logger),
		Instances:  instance.NewService(store, sched, cache, binder, locker, hub, logger, instance.WithFlavorReader(catalogSvc)),
		Migrations: migration.NewCoordinator(store, sched, binder, locker, hub, logger),
	}
}

func lockerName(l inventory.Locker) string {
	if _, ok := l.(inventory.NopLocker); ok {
		return "local"
	}
	return "distributed"
}
