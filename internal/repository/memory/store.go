// Package memory provides an in-memory inventory store for development, the CLI and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// Ensure Store implements inventory.Store
var _ inventory.Store = (*Store)(nil)

// errTxClosed is returned when a transaction handle is used after Atomically returned.
var errTxClosed = errors.New("transaction already closed")

// Store is an in-memory implementation of the inventory.
//
// Writers are serialized: Atomically holds the write lock for the whole
// transaction and keeps a before-image undo log that is replayed when the
// transaction fails.
type Store struct {
	mu   sync.RWMutex
	data *state
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{data: newState()}
}

// GetFlavor retrieves a flavor by name.
func (s *Store) GetFlavor(ctx context.Context, name string) (*domain.Flavor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getFlavor(name)
}

// GetImage retrieves an image by name.
func (s *Store) GetImage(ctx context.Context, name string) (*domain.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getImage(name)
}

// GetRack retrieves a rack by name.
func (s *Store) GetRack(ctx context.Context, name string) (*domain.Rack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getRack(name)
}

// GetServer retrieves a server by name.
func (s *Store) GetServer(ctx context.Context, name string) (*domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getServer(name)
}

// GetInstance retrieves an instance by name.
func (s *Store) GetInstance(ctx context.Context, name string) (*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getInstance(name)
}

// ListFlavors returns every flavor ordered by name.
func (s *Store) ListFlavors(ctx context.Context) ([]*domain.Flavor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listFlavors(), nil
}

// ListImages returns every image ordered by name.
func (s *Store) ListImages(ctx context.Context) ([]*domain.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listImages(), nil
}

// ListRacks returns every rack ordered by name.
func (s *Store) ListRacks(ctx context.Context) ([]*domain.Rack, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listRacks(), nil
}

// ListRackNames returns every rack name in sorted order.
func (s *Store) ListRackNames(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.data.racks), nil
}

// ListServers returns every server ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]*domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listServers(), nil
}

// ListActiveServers returns active servers in ranking order.
func (s *Store) ListActiveServers(ctx context.Context, filter inventory.ServerFilter) ([]*domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listActiveServers(filter), nil
}

// ListInstances returns instances matching the filter ordered by name.
func (s *Store) ListInstances(ctx context.Context, filter inventory.InstanceFilter) ([]*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listInstances(filter), nil
}

// LookupImage returns the racks caching image.
func (s *Store) LookupImage(ctx context.Context, image string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.lookupImage(image), nil
}

// Atomically runs fn with exclusive write access to the store.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{data: s.data}
	defer func() { t.closed = true }()
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
	}()

	err := fn(ctx, t)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		t.rollback()
		return err
	}
	return nil
}

// Health always succeeds for the in-memory store.
func (s *Store) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// ============================================================================
// Transaction
// ============================================================================

// tx is a transaction handle. The write lock of the owning Store is held for its
// whole lifetime, so it reads and writes state directly.
type tx struct {
	data   *state
	undo   []func()
	closed bool
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) check(ctx context.Context) error {
	if t.closed {
		return errTxClosed
	}
	return ctx.Err()
}

func (t *tx) GetFlavor(ctx context.Context, name string) (*domain.Flavor, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.getFlavor(name)
}

func (t *tx) GetImage(ctx context.Context, name string) (*domain.Image, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.getImage(name)
}

func (t *tx) GetRack(ctx context.Context, name string) (*domain.Rack, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.getRack(name)
}

func (t *tx) GetServer(ctx context.Context, name string) (*domain.Server, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.getServer(name)
}

func (t *tx) GetInstance(ctx context.Context, name string) (*domain.Instance, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.getInstance(name)
}

func (t *tx) ListFlavors(ctx context.Context) ([]*domain.Flavor, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.listFlavors(), nil
}

func (t *tx) ListImages(ctx context.Context) ([]*domain.Image, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.listImages(), nil
}

func (t *tx) ListRacks(ctx context.Context) ([]*domain.Rack, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.listRacks(), nil
}

func (t *tx) ListRackNames(ctx context.Context) ([]string, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return sortedKeys(t.data.racks), nil
}

func (t *tx) ListServers(ctx context.Context) ([]*domain.Server, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.listServers(), nil
}

func (t *tx) ListActiveServers(ctx context.Context, filter inventory.ServerFilter) ([]*domain.Server, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.listActiveServers(filter), nil
}

func (t *tx) ListInstances(ctx context.Context, filter inventory.InstanceFilter) ([]*domain.Instance, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.listInstances(filter), nil
}

func (t *tx) LookupImage(ctx context.Context, image string) ([]string, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.data.lookupImage(image), nil
}

func (t *tx) PutFlavor(ctx context.Context, f *domain.Flavor) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	name := f.Name
	prev, existed := t.data.flavors[name]
	t.undo = append(t.undo, func() {
		if existed {
			t.data.flavors[name] = prev
		} else {
			delete(t.data.flavors, name)
		}
	})
	clone := *f
	t.data.flavors[f.Name] = &clone
	return nil
}

func (t *tx) PutImage(ctx context.Context, img *domain.Image) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	name := img.Name
	prev, existed := t.data.images[name]
	t.undo = append(t.undo, func() {
		if existed {
			t.data.images[name] = prev
		} else {
			delete(t.data.images, name)
		}
	})
	clone := *img
	t.data.images[img.Name] = &clone
	return nil
}

func (t *tx) PutRack(ctx context.Context, r *domain.Rack) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	name := r.Name
	prev, existed := t.data.racks[name]
	t.undo = append(t.undo, func() {
		if existed {
			t.data.putRack(prev)
		} else {
			t.data.deleteRack(name)
		}
	})
	t.data.putRack(r)
	return nil
}

func (t *tx) PutServer(ctx context.Context, srv *domain.Server) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	name := srv.Name
	prev, existed := t.data.servers[name]
	t.undo = append(t.undo, func() {
		if existed {
			t.data.servers[name] = prev
		} else {
			delete(t.data.servers, name)
		}
	})
	t.data.servers[srv.Name] = srv.Clone()
	return nil
}

func (t *tx) PutInstance(ctx context.Context, inst *domain.Instance) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	name := inst.Name
	prev, existed := t.data.instances[name]
	t.undo = append(t.undo, func() {
		if existed {
			t.data.instances[name] = prev
		} else {
			delete(t.data.instances, name)
		}
	})
	t.data.instances[inst.Name] = inst.Clone()
	return nil
}

func (t *tx) DeleteServer(ctx context.Context, name string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	prev, existed := t.data.servers[name]
	if !existed {
		return nil
	}
	t.undo = append(t.undo, func() { t.data.servers[name] = prev })
	delete(t.data.servers, name)
	return nil
}

func (t *tx) DeleteInstance(ctx context.Context, name string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	prev, existed := t.data.instances[name]
	if !existed {
		return nil
	}
	t.undo = append(t.undo, func() { t.data.instances[name] = prev })
	delete(t.data.instances, name)
	return nil
}
