// Package migration moves instances off servers that are being removed and off
// racks that are being evacuated. A batch either moves every instance or none.
package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/metrics"
	"github.com/aggiestack/aggiestack/internal/placement"
	"github.com/aggiestack/aggiestack/internal/scheduler"
	"github.com/aggiestack/aggiestack/internal/services/events"
)

// Move records one relocated instance.
type Move struct {
	Instance string `json:"instance"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Report describes a committed migration batch.
type Report struct {
	Moves []Move `json:"moves"`

	// Deactivated lists the servers taken out of service by a rack evacuation.
	Deactivated []string `json:"deactivated,omitempty"`
}

// Coordinator runs remove-server and evacuate-rack batches.
type Coordinator struct {
	store     inventory.Store
	scheduler *scheduler.Scheduler
	binder    *placement.Binder
	locker    inventory.Locker
	publisher domain.EventPublisher
	logger    *zap.Logger
}

// NewCoordinator creates a new migration coordinator. locker and publisher may be nil.
func NewCoordinator(
	store inventory.Store,
	sched *scheduler.Scheduler,
	binder *placement.Binder,
	locker inventory.Locker,
	publisher domain.EventPublisher,
	logger *zap.Logger,
) *Coordinator {
	if locker == nil {
		locker = inventory.NopLocker{}
	}
	return &Coordinator{
		store:     store,
		scheduler: sched,
		binder:    binder,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "migration")),
	}
}

// batch tracks the instances moved so far so they can be put back.
type batch struct {
	original []*domain.Instance
	moved    []*domain.Instance
	flavors  map[string]*domain.Flavor
}

func newBatch() *batch {
	return &batch{flavors: make(map[string]*domain.Flavor)}
}

func (b *batch) moves() []Move {
	moves := make([]Move, 0, len(b.moved))
	for i, inst := range b.moved {
		moves = append(moves, Move{Instance: inst.Name, From: b.original[i].Server, To: inst.Server})
	}
	return moves
}

// RemoveServer migrates every instance off serverName and then deletes it.
//
// The server is deactivated first, so it is never its own destination. Each
// instance, in name order, goes to the best fit among all remaining active
// servers, which may be in the same rack. If any instance cannot be placed the
// server is reactivated, every moved instance is returned to its original
// server and a MigrationImpossibleError naming that instance is returned.
func (c *Coordinator) RemoveServer(ctx context.Context, access domain.Access, serverName string) (*Report, error) {
	if err := access.RequireElevated("remove"); err != nil {
		return nil, err
	}

	logger := c.logger.With(
		zap.String("operation", metrics.MigrationRemoveServer),
		zap.String("server", serverName),
		zap.String("actor", access.Actor),
	)

	unlock, err := c.locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b := newBatch()
	err = c.store.Atomically(ctx, func(ctx context.Context, tx inventory.Tx) error {
		// 1. Take the server out of placement
		if err := setActive(ctx, tx, serverName, false); err != nil {
			return err
		}

		insts, err := tx.ListInstances(ctx, inventory.InstanceFilter{Server: serverName})
		if err != nil {
			return fmt.Errorf("failed to list instances of %q: %w", serverName, err)
		}

		// 2. Move each instance to the best remaining server
		for _, inst := range insts {
			moved, err := c.migrate(ctx, tx, b, inst, nil)
			if err != nil {
				return err
			}
			if !moved {
				logger.Warn("Instance cannot be migrated, rolling back",
					zap.String("instance", inst.Name),
					zap.Int("moved", len(b.moved)),
				)
				if err := c.rollback(ctx, tx, b); err != nil {
					return err
				}
				if err := setActive(ctx, tx, serverName, true); err != nil {
					return err
				}
				return &domain.MigrationImpossibleError{InstanceName: inst.Name}
			}
		}

		// 3. Drop the empty server
		return tx.DeleteServer(ctx, serverName)
	})
	if err != nil {
		c.recordFailure(logger, metrics.MigrationRemoveServer, err)
		return nil, err
	}

	report := &Report{Moves: b.moves()}
	metrics.RecordMigration(metrics.MigrationRemoveServer, metrics.OutcomeSucceeded, len(report.Moves))
	logger.Info("Server removed", zap.Int("migrated", len(report.Moves)))

	c.announce(ctx, report, domain.NewEvent(domain.EventServerRemoved, domain.KindServer, serverName, nil))
	return report, nil
}

// EvacuateRack migrates every instance on the active servers of rackName to
// servers in other racks, then deactivates those servers.
//
// Servers are visited in ranking order and their instances in name order. If any
// instance cannot be placed every moved instance is returned to its original
// server, no server is deactivated and a MigrationImpossibleError is returned.
func (c *Coordinator) EvacuateRack(ctx context.Context, access domain.Access, rackName string) (*Report, error) {
	if err := access.RequireElevated("evacuate"); err != nil {
		return nil, err
	}

	logger := c.logger.With(
		zap.String("operation", metrics.MigrationEvacuateRack),
		zap.String("rack", rackName),
		zap.String("actor", access.Actor),
	)

	unlock, err := c.locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b := newBatch()
	var deactivated []string

	err = c.store.Atomically(ctx, func(ctx context.Context, tx inventory.Tx) error {
		// 1. Collect the rack's servers and the destination racks
		if _, err := tx.GetRack(ctx, rackName); err != nil {
			return err
		}
		servers, err := tx.ListActiveServers(ctx, inventory.ServerFilter{Racks: []string{rackName}})
		if err != nil {
			return fmt.Errorf("failed to list servers of rack %q: %w", rackName, err)
		}
		all, err := tx.ListRackNames(ctx)
		if err != nil {
			return fmt.Errorf("failed to list racks: %w", err)
		}
		destinations := lo.Without(all, rackName)

		// 2. Move every instance out of the rack
		for _, srv := range servers {
			insts, err := tx.ListInstances(ctx, inventory.InstanceFilter{Server: srv.Name})
			if err != nil {
				return fmt.Errorf("failed to list instances of %q: %w", srv.Name, err)
			}
			for _, inst := range insts {
				moved, err := c.migrate(ctx, tx, b, inst, destinations)
				if err != nil {
					return err
				}
				if !moved {
					logger.Warn("Instance cannot be migrated, rolling back",
						zap.String("instance", inst.Name),
						zap.Int("moved", len(b.moved)),
					)
					if err := c.rollback(ctx, tx, b); err != nil {
						return err
					}
					return &domain.MigrationImpossibleError{InstanceName: inst.Name}
				}
			}
		}

		// 3. Deactivate the emptied servers
		for _, srv := range servers {
			if err := setActive(ctx, tx, srv.Name, false); err != nil {
				return err
			}
			deactivated = append(deactivated, srv.Name)
		}
		return nil
	})
	if err != nil {
		c.recordFailure(logger, metrics.MigrationEvacuateRack, err)
		return nil, err
	}

	report := &Report{Moves: b.moves(), Deactivated: deactivated}
	metrics.RecordMigration(metrics.MigrationEvacuateRack, metrics.OutcomeSucceeded, len(report.Moves))
	logger.Info("Rack evacuated",
		zap.Int("migrated", len(report.Moves)),
		zap.Strings("deactivated", deactivated),
	)

	c.announce(ctx, report, domain.NewEvent(domain.EventRackEvacuated, domain.KindRack, rackName, nil))
	return report, nil
}

// migrate moves inst to the best fit among racks. It returns false, with nothing
// changed, when no server fits.
func (c *Coordinator) migrate(ctx context.Context, tx inventory.Tx, b *batch, inst *domain.Instance, racks []string) (bool, error) {
	flavor, ok := b.flavors[inst.Flavor]
	if !ok {
		f, err := tx.GetFlavor(ctx, inst.Flavor)
		if err != nil {
			return false, err
		}
		flavor = f
		b.flavors[f.Name] = f
	}

	dest, found, err := c.scheduler.BestFit(ctx, tx, flavor, racks)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := c.binder.Unbind(ctx, tx, inst, flavor); err != nil {
		return false, err
	}

	moved := inst.Clone()
	moved.Server = dest.Name
	if err := c.binder.Bind(ctx, tx, moved, flavor); err != nil {
		return false, err
	}

	b.original = append(b.original, inst)
	b.moved = append(b.moved, moved)

	c.logger.Debug("Instance migrated",
		zap.String("instance", inst.Name),
		zap.String("from", inst.Server),
		zap.String("to", dest.Name),
	)
	return true, nil
}

// rollback deletes every moved record and recreates every original one. Image
// cache side effects are undone when the surrounding transaction aborts.
func (c *Coordinator) rollback(ctx context.Context, tx inventory.Tx, b *batch) error {
	for _, inst := range b.moved {
		if err := c.binder.Unbind(ctx, tx, inst, b.flavors[inst.Flavor]); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	}
	for _, inst := range b.original {
		if err := c.binder.Restore(ctx, tx, inst, b.flavors[inst.Flavor]); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) recordFailure(logger *zap.Logger, kind string, err error) {
	var impossible *domain.MigrationImpossibleError
	if errors.As(err, &impossible) {
		metrics.RecordMigration(kind, metrics.OutcomeRolledBack, 0)
		logger.Warn("Migration rolled back", zap.String("instance", impossible.InstanceName))
		return
	}
	logger.Error("Migration failed", zap.Error(err))
}

func (c *Coordinator) announce(ctx context.Context, report *Report, final domain.Event) {
	evs := make([]domain.Event, 0, len(report.Moves)+1)
	for _, m := range report.Moves {
		evs = append(evs, domain.NewEvent(domain.EventInstanceMigrated, domain.KindInstance, m.Instance, map[string]string{
			"from": m.From,
			"to":   m.To,
		}))
	}
	evs = append(evs, final)
	events.Announce(ctx, c.publisher, c.logger, evs...)
}

func setActive(ctx context.Context, tx inventory.Tx, serverName string, active bool) error {
	srv, err := tx.GetServer(ctx, serverName)
	if err != nil {
		return err
	}
	srv.IsActive = active
	if err := tx.PutServer(ctx, srv); err != nil {
		return fmt.Errorf("failed to update server %q: %w", serverName, err)
	}
	return nil
}
