// Package placement binds instances to servers: it writes the instance record,
// reserves the flavor on the server and records the image use on the server's rack.
package placement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/capacity"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/imagecache"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// Binder applies and reverts instance placements inside an inventory transaction.
type Binder struct {
	tracker *capacity.Tracker
	cache   *imagecache.Manager
	logger  *zap.Logger
}

// NewBinder creates a new Binder.
func NewBinder(tracker *capacity.Tracker, cache *imagecache.Manager, logger *zap.Logger) *Binder {
	return &Binder{
		tracker: tracker,
		cache:   cache,
		logger:  logger.With(zap.String("component", "placement")),
	}
}

// Bind records inst on inst.Server, reserves flavor there and touches the image
// in the server's rack cache.
func (b *Binder) Bind(ctx context.Context, tx inventory.Tx, inst *domain.Instance, flavor *domain.Flavor) error {
	server, err := b.tracker.Reserve(ctx, tx, inst.Server, flavor)
	if err != nil {
		return err
	}

	if err := tx.PutInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to store instance %q: %w", inst.Name, err)
	}

	if err := b.cache.Touch(ctx, tx, server.Rack, inst.Image); err != nil {
		return fmt.Errorf("failed to update image cache of rack %q: %w", server.Rack, err)
	}

	b.logger.Debug("Instance bound",
		zap.String("instance", inst.Name),
		zap.String("server", inst.Server),
		zap.String("rack", server.Rack),
	)
	return nil
}

// Restore records inst on inst.Server and reserves flavor there without touching
// the image cache. It reverses Unbind.
func (b *Binder) Restore(ctx context.Context, tx inventory.Tx, inst *domain.Instance, flavor *domain.Flavor) error {
	if _, err := b.tracker.Reserve(ctx, tx, inst.Server, flavor); err != nil {
		return err
	}
	if err := tx.PutInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to restore instance %q: %w", inst.Name, err)
	}
	return nil
}

// Unbind deletes inst and gives its flavor back to its server.
func (b *Binder) Unbind(ctx context.Context, tx inventory.Tx, inst *domain.Instance, flavor *domain.Flavor) error {
	if err := tx.DeleteInstance(ctx, inst.Name); err != nil {
		return fmt.Errorf("failed to delete instance %q: %w", inst.Name, err)
	}
	if _, err := b.tracker.Release(ctx, tx, inst.Server, flavor); err != nil {
		return err
	}

	b.logger.Debug("Instance unbound",
		zap.String("instance", inst.Name),
		zap.String("server", inst.Server),
	)
	return nil
}
