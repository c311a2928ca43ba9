// Package hardware provides rack and server management for the control plane.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/services/events"
)

// ServerSpec describes a machine to add.
type ServerSpec struct {
	Name   string `json:"name"`
	Rack   string `json:"rack"`
	IP     string `json:"ip"`
	Memory int64  `json:"memory"`
	Disk   int64  `json:"disk"`
	VCPU   int64  `json:"vcpus"`
}

// RackSpec describes a rack to add.
type RackSpec struct {
	Name     string `json:"name"`
	Capacity int64  `json:"capacity"`
}

// ImportResult counts what a hardware import changed.
type ImportResult struct {
	RacksCreated   int `json:"racks_created"`
	RacksSkipped   int `json:"racks_skipped"`
	ServersCreated int `json:"servers_created"`
	ServersSkipped int `json:"servers_skipped"`
}

// Service manages racks and servers.
type Service struct {
	store     inventory.Store
	locker    inventory.Locker
	publisher domain.EventPublisher
	logger    *zap.Logger
}

// NewService creates a new hardware service. locker and publisher may be nil.
func NewService(store inventory.Store, locker inventory.Locker, publisher domain.EventPublisher, logger *zap.Logger) *Service {
	if locker == nil {
		locker = inventory.NopLocker{}
	}
	return &Service{
		store:     store,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With(zap.String("service", "hardware")),
	}
}

// ============================================================================
// Queries
// ============================================================================

// ListRacks returns every rack ordered by name.
func (s *Service) ListRacks(ctx context.Context) ([]*domain.Rack, error) {
	return s.store.ListRacks(ctx)
}

// ListServers returns every server ordered by name.
func (s *Service) ListServers(ctx context.Context) ([]*domain.Server, error) {
	return s.store.ListServers(ctx)
}

// GetServer returns a server by name.
func (s *Service) GetServer(ctx context.Context, name string) (*domain.Server, error) {
	return s.store.GetServer(ctx, name)
}

// RackImageCache returns a rack together with its image cache.
func (s *Service) RackImageCache(ctx context.Context, access domain.Access, rack string) (*domain.Rack, error) {
	if err := access.RequireElevated("show imagecaches"); err != nil {
		return nil, err
	}
	return s.store.GetRack(ctx, rack)
}

// ============================================================================
// Mutations
// ============================================================================

// Import adds racks and then servers in one transaction.
//
// Existing racks and active servers are reported as duplicates and left alone.
// An inactive server with the same name is reset to the given capacity and reactivated.
// Every server must name a rack that exists or is part of the import.
func (s *Service) Import(ctx context.Context, racks []RackSpec, servers []ServerSpec) (*ImportResult, error) {
	for _, r := range racks {
		if err := validateRack(r); err != nil {
			return nil, err
		}
	}
	for _, spec := range servers {
		if err := validateServer(spec); err != nil {
			return nil, err
		}
	}

	result := &ImportResult{}
	var added []*domain.Server

	err := s.mutate(ctx, func(ctx context.Context, tx inventory.Tx) error {
		// 1. Racks
		for _, r := range racks {
			_, err := tx.GetRack(ctx, r.Name)
			if err == nil {
				s.logDuplicate(&domain.DuplicateEntityError{Kind: domain.KindRack, Name: r.Name})
				result.RacksSkipped++
				continue
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			if err := tx.PutRack(ctx, domain.NewRack(r.Name, r.Capacity)); err != nil {
				return fmt.Errorf("failed to store rack %q: %w", r.Name, err)
			}
			result.RacksCreated++
		}

		// 2. Servers
		for _, spec := range servers {
			srv, err := s.putServer(ctx, tx, spec)
			var dup *domain.DuplicateEntityError
			if errors.As(err, &dup) {
				s.logDuplicate(dup)
				result.ServersSkipped++
				continue
			}
			if err != nil {
				return err
			}
			added = append(added, srv)
			result.ServersCreated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Hardware imported",
		zap.Int("racks_created", result.RacksCreated),
		zap.Int("racks_skipped", result.RacksSkipped),
		zap.Int("servers_created", result.ServersCreated),
		zap.Int("servers_skipped", result.ServersSkipped),
	)
	s.announceAdded(ctx, added...)
	return result, nil
}

// AddServer brings a machine into service with its full capacity free.
//
// A machine that was deactivated is reactivated. Adding a machine that is already
// active logs a duplicate and returns the existing server without changing it.
func (s *Service) AddServer(ctx context.Context, access domain.Access, spec ServerSpec) (*domain.Server, error) {
	if err := access.RequireElevated("add"); err != nil {
		return nil, err
	}
	if err := validateServer(spec); err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("server", spec.Name),
		zap.String("rack", spec.Rack),
		zap.String("actor", access.Actor),
	)

	var (
		server    *domain.Server
		duplicate bool
	)
	err := s.mutate(ctx, func(ctx context.Context, tx inventory.Tx) error {
		srv, err := s.putServer(ctx, tx, spec)
		var dup *domain.DuplicateEntityError
		if errors.As(err, &dup) {
			s.logDuplicate(dup)
			duplicate = true
			server, err = tx.GetServer(ctx, spec.Name)
			return err
		}
		server = srv
		return err
	})
	if err != nil {
		logger.Error("Failed to add server", zap.Error(err))
		return nil, err
	}

	if !duplicate {
		logger.Info("Server added",
			zap.Int64("memory", server.Memory),
			zap.Int64("disk", server.Disk),
			zap.Int64("vcpu", server.VCPU),
		)
		s.announceAdded(ctx, server)
	}
	return server, nil
}

// putServer creates or reactivates one server inside tx.
func (s *Service) putServer(ctx context.Context, tx inventory.Tx, spec ServerSpec) (*domain.Server, error) {
	if _, err := tx.GetRack(ctx, spec.Rack); err != nil {
		return nil, err
	}

	existing, err := tx.GetServer(ctx, spec.Name)
	switch {
	case err == nil && existing.IsActive:
		return nil, &domain.DuplicateEntityError{Kind: domain.KindServer, Name: spec.Name}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	srv := domain.NewServer(spec.Name, spec.Rack, spec.IP, spec.Memory, spec.Disk, spec.VCPU)
	if err := tx.PutServer(ctx, srv); err != nil {
		return nil, fmt.Errorf("failed to store server %q: %w", spec.Name, err)
	}
	return srv, nil
}

func (s *Service) mutate(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	unlock, err := s.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return s.store.Atomically(ctx, fn)
}

func (s *Service) logDuplicate(err *domain.DuplicateEntityError) {
	s.logger.Warn("Entity already exists, skipping",
		zap.String("kind", string(err.Kind)),
		zap.String("name", err.Name),
	)
}

func (s *Service) announceAdded(ctx context.Context, servers ...*domain.Server) {
	evs := make([]domain.Event, 0, len(servers))
	for _, srv := range servers {
		evs = append(evs, domain.NewEvent(domain.EventServerAdded, domain.KindServer, srv.Name,
			map[string]string{"rack": srv.Rack, "ip": srv.IP}))
	}
	events.Announce(ctx, s.publisher, s.logger, evs...)
}

// ============================================================================
// Validation
// ============================================================================

// ValidateIP accepts dotted-quad IPv4 addresses.
func ValidateIP(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return &domain.ValidationError{Field: "ip address", Value: ip}
	}
	return nil
}

func validateRack(r RackSpec) error {
	if r.Name == "" {
		return &domain.ValidationError{Field: "rack name", Value: r.Name}
	}
	if r.Capacity < 0 {
		return &domain.ValidationError{Field: "rack capacity", Value: fmt.Sprint(r.Capacity)}
	}
	return nil
}

func validateServer(spec ServerSpec) error {
	if spec.Name == "" {
		return &domain.ValidationError{Field: "server name", Value: spec.Name}
	}
	if err := ValidateIP(spec.IP); err != nil {
		return err
	}
	if spec.Memory < 0 {
		return &domain.ValidationError{Field: "memory", Value: fmt.Sprint(spec.Memory)}
	}
	if spec.Disk < 0 {
		return &domain.ValidationError{Field: "disk", Value: fmt.Sprint(spec.Disk)}
	}
	if spec.VCPU < 0 {
		return &domain.ValidationError{Field: "vcpus", Value: fmt.Sprint(spec.VCPU)}
	}
	return nil
}
