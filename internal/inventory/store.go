// Package inventory defines the storage contract the control plane core consumes.
// Implementations live under internal/repository.
package inventory

import (
	"context"

	"github.com/aggiestack/aggiestack/internal/domain"
)

// ServerFilter restricts ListActiveServers.
type ServerFilter struct {
	// Racks limits the result to servers in these racks. A nil slice matches every
	// rack; a non-nil empty slice matches nothing.
	Racks []string
}

// InstanceFilter restricts ListInstances.
type InstanceFilter struct {
	// Server limits the result to instances bound to this server.
	Server string
}

// Reader is the read side of the inventory.
type Reader interface {
	GetFlavor(ctx context.Context, name string) (*domain.Flavor, error)
	GetImage(ctx context.Context, name string) (*domain.Image, error)
	GetRack(ctx context.Context, name string) (*domain.Rack, error)
	GetServer(ctx context.Context, name string) (*domain.Server, error)
	GetInstance(ctx context.Context, name string) (*domain.Instance, error)

	ListFlavors(ctx context.Context) ([]*domain.Flavor, error)
	ListImages(ctx context.Context) ([]*domain.Image, error)
	ListRacks(ctx context.Context) ([]*domain.Rack, error)
	ListRackNames(ctx context.Context) ([]string, error)

	// ListServers returns every server, active or not, ordered by name.
	ListServers(ctx context.Context) ([]*domain.Server, error)

	// ListActiveServers returns active servers ordered ascending by
	// (MemoryFree, DiskFree, VCPUFree, Name).
	ListActiveServers(ctx context.Context, filter ServerFilter) ([]*domain.Server, error)

	// ListInstances returns instances ordered by name.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*domain.Instance, error)

	// LookupImage returns the sorted names of the racks currently caching image.
	LookupImage(ctx context.Context, image string) ([]string, error)
}

// Writer is the write side of the inventory. Every method is a single-entity upsert
// or delete keyed by name.
type Writer interface {
	PutFlavor(ctx context.Context, f *domain.Flavor) error
	PutImage(ctx context.Context, img *domain.Image) error

	// PutRack stores the rack and, in the same write, brings the image-location
	// index in line with the rack's image cache.
	PutRack(ctx context.Context, r *domain.Rack) error

	PutServer(ctx context.Context, s *domain.Server) error
	PutInstance(ctx context.Context, i *domain.Instance) error

	// DeleteServer and DeleteInstance are no-ops for unknown names.
	DeleteServer(ctx context.Context, name string) error
	DeleteInstance(ctx context.Context, name string) error
}

// Tx is a transaction handle: reads observe the transaction's own writes.
type Tx interface {
	Reader
	Writer
}

// Store is the durable inventory.
type Store interface {
	Reader

	// Atomically runs fn in a single-writer transaction. When fn returns an error
	// (or ctx is cancelled) every write made through tx is discarded.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}
