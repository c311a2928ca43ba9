// Package capacity tracks the free memory, disk and vCPU of every server.
package capacity

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// Less orders servers ascending by (MemoryFree, DiskFree, VCPUFree, Name).
// Scanning in this order and taking the first fit favours the tightest fit on
// memory first.
func Less(a, b *domain.Server) bool {
	if a.MemoryFree != b.MemoryFree {
		return a.MemoryFree < b.MemoryFree
	}
	if a.DiskFree != b.DiskFree {
		return a.DiskFree < b.DiskFree
	}
	if a.VCPUFree != b.VCPUFree {
		return a.VCPUFree < b.VCPUFree
	}
	return a.Name < b.Name
}

// Sort sorts servers in ranking order.
func Sort(servers []*domain.Server) {
	sort.SliceStable(servers, func(i, j int) bool {
		return Less(servers[i], servers[j])
	})
}

// Fits reports whether the server's free capacity covers the flavor's demand.
func Fits(s *domain.Server, f *domain.Flavor) bool {
	return s.MemoryFree >= f.Memory &&
		s.DiskFree >= f.Disk &&
		s.VCPUFree >= f.VCPU
}

// Tracker applies capacity reservations to servers inside an inventory transaction.
type Tracker struct {
	logger *zap.Logger
}

// NewTracker creates a new capacity tracker.
func NewTracker(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger.With(zap.String("component", "capacity")),
	}
}

// Reserve subtracts the flavor's demand from the server's free capacity.
func (t *Tracker) Reserve(ctx context.Context, tx inventory.Tx, serverName string, flavor *domain.Flavor) (*domain.Server, error) {
	server, err := tx.GetServer(ctx, serverName)
	if err != nil {
		return nil, err
	}

	if !Fits(server, flavor) {
		return nil, fmt.Errorf("server %q cannot hold flavor %q: %w", serverName, flavor.Name, domain.ErrResourceExhausted)
	}

	server.MemoryFree -= flavor.Memory
	server.DiskFree -= flavor.Disk
	server.VCPUFree -= flavor.VCPU

	if err := tx.PutServer(ctx, server); err != nil {
		return nil, fmt.Errorf("failed to reserve capacity on %q: %w", serverName, err)
	}

	t.logger.Debug("Reserved capacity",
		zap.String("server", serverName),
		zap.String("flavor", flavor.Name),
		zap.Int64("memory_free", server.MemoryFree),
		zap.Int64("disk_free", server.DiskFree),
		zap.Int64("vcpu_free", server.VCPUFree),
	)
	return server, nil
}

// Release gives the flavor's demand back to the server.
func (t *Tracker) Release(ctx context.Context, tx inventory.Tx, serverName string, flavor *domain.Flavor) (*domain.Server, error) {
	server, err := tx.GetServer(ctx, serverName)
	if err != nil {
		return nil, err
	}

	server.MemoryFree += flavor.Memory
	server.DiskFree += flavor.Disk
	server.VCPUFree += flavor.VCPU

	if server.MemoryFree > server.Memory || server.DiskFree > server.Disk || server.VCPUFree > server.VCPU {
		return nil, fmt.Errorf("releasing flavor %q would exceed the capacity of %q: %w", flavor.Name, serverName, domain.ErrConflict)
	}

	if err := tx.PutServer(ctx, server); err != nil {
		return nil, fmt.Errorf("failed to release capacity on %q: %w", serverName, err)
	}

	t.logger.Debug("Released capacity",
		zap.String("server", serverName),
		zap.String("flavor", flavor.Name),
		zap.Int64("memory_free", server.MemoryFree),
		zap.Int64("disk_free", server.DiskFree),
		zap.Int64("vcpu_free", server.VCPUFree),
	)
	return server, nil
}
