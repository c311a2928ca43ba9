// Package scheduler implements instance placement for the control plane.
// It selects the server that should host a new instance with a best-fit scan
// over servers ordered by ascending free capacity.
package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/capacity"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// Scheduler determines which server should host an instance.
type Scheduler struct {
	logger *zap.Logger
}

// New creates a new Scheduler instance.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// BestFit returns the first active server, in (MemoryFree, DiskFree, VCPUFree, Name)
// order, that can host flavor. racks restricts the candidates; nil means every rack.
//
// found is false when no server qualifies. That is a normal outcome, not an error.
// The scan stops at the first fit and never backtracks.
func (s *Scheduler) BestFit(ctx context.Context, r inventory.Reader, flavor *domain.Flavor, racks []string) (server *domain.Server, found bool, err error) {
	logger := s.logger.With(
		zap.String("flavor", flavor.Name),
		zap.Int64("memory", flavor.Memory),
		zap.Int64("disk", flavor.Disk),
		zap.Int64("vcpu", flavor.VCPU),
	)

	// 1. Get candidate servers in ranking order
	servers, err := r.ListActiveServers(ctx, inventory.ServerFilter{Racks: racks})
	if err != nil {
		logger.Error("Failed to list active servers", zap.Error(err))
		return nil, false, fmt.Errorf("failed to list active servers: %w", err)
	}

	logger.Debug("Scanning candidate servers",
		zap.Int("count", len(servers)),
		zap.Strings("racks", racks),
	)

	// 2. First fit on the sorted order
	for _, srv := range servers {
		if CanHost(flavor, srv) {
			logger.Debug("Best fit found",
				zap.String("server", srv.Name),
				zap.String("rack", srv.Rack),
			)
			return srv, true, nil
		}
	}

	logger.Debug("No server satisfies flavor", zap.Int("checked", len(servers)))
	return nil, false, nil
}

// CanHost reports whether server has enough free memory, disk and vCPU for flavor.
// It does not look at the server's active flag.
func CanHost(flavor *domain.Flavor, server *domain.Server) bool {
	return capacity.Fits(server, flavor)
}
