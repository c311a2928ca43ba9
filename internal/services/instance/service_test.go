package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/capacity"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/imagecache"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/placement"
	"github.com/aggiestack/aggiestack/internal/repository/memory"
	"github.com/aggiestack/aggiestack/internal/scheduler"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type countingFlavors struct {
	inventory.Reader
	calls int
}

func (c *countingFlavors) GetFlavor(ctx context.Context, name string) (*domain.Flavor, error) {
	c.calls++
	return c.Reader.GetFlavor(ctx, name)
}

func cachedRack(name string, capacity int64, images ...*domain.Image) *domain.Rack {
	r := domain.NewRack(name, capacity)
	for _, img := range images {
		r.ImageCache = append(r.ImageCache, domain.CachedImage{
			ImageName:  img.Name,
			Size:       img.Size,
			LastAccess: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		r.AvailableCapacity -= img.Size
	}
	return r
}

var (
	ubuntu = &domain.Image{Name: "linux-ubuntu", Size: 100, Path: "/images/ubuntu.img"}
	sles   = &domain.Image{Name: "linux-sles", Size: 200, Path: "/images/sles.img"}

	small  = &domain.Flavor{Name: "small", Memory: 2, Disk: 2, VCPU: 1}
	medium = &domain.Flavor{Name: "medium", Memory: 8, Disk: 8, VCPU: 2}
)

func newTestService(t *testing.T, fx memory.Fixture) (*Service, *memory.Store, *recordingPublisher) {
	t.Helper()

	fx.Flavors = append(fx.Flavors, small, medium)
	fx.Images = append(fx.Images, ubuntu, sles)

	store := memory.NewStore()
	store.Seed(fx)

	logger := zap.NewNop()
	cache := imagecache.NewManager(logger)
	binder := placement.NewBinder(capacity.NewTracker(logger), cache, logger)
	pub := &recordingPublisher{}

	svc := NewService(store, scheduler.New(logger), cache, binder, nil, pub, logger)
	return svc, store, pub
}

// =============================================================================
// Cache affinity
// =============================================================================

func TestService_CreateInstanceCached_PrefersWarmRack(t *testing.T) {
	ctx := context.Background()
	svc, store, pub := newTestService(t, memory.Fixture{
		Racks: []*domain.Rack{cachedRack("r1", 1000, ubuntu), domain.NewRack("r2", 1000)},
		Servers: []*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 64, 64, 16),
			// Tighter fit, but its rack does not cache the image.
			domain.NewServer("m2", "r2", "10.0.0.2", 4, 4, 2),
		},
	})

	inst, err := svc.CreateInstanceCached(ctx, domain.NormalAccess("alice"), "i1", "small", "linux-ubuntu")
	require.NoError(t, err)
	assert.Equal(t, "m1", inst.Server)

	server, err := store.GetServer(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(62), server.MemoryFree)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventInstanceCreated, pub.events[0].Type)
	assert.Equal(t, "warm", pub.events[0].Attributes["affinity"])

	// A cache hit does not consume rack capacity.
	rack, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), rack.AvailableCapacity)
}

func TestService_CreateInstanceCached_FallsBackToColdRacks(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, memory.Fixture{
		Racks: []*domain.Rack{cachedRack("r1", 1000, ubuntu), domain.NewRack("r2", 1000)},
		Servers: []*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 4, 4, 1),
			domain.NewServer("m2", "r2", "10.0.0.2", 16, 16, 4),
		},
	})

	inst, err := svc.CreateInstanceCached(ctx, domain.NormalAccess("alice"), "i1", "medium", "linux-ubuntu")
	require.NoError(t, err)
	assert.Equal(t, "m2", inst.Server)

	// The cold rack now caches the image as well.
	racks, err := store.LookupImage(ctx, "linux-ubuntu")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, racks)

	rack, err := store.GetRack(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, int64(900), rack.AvailableCapacity)
}

func TestService_CreateInstanceCached_NoWarmRackUsesBestFit(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, memory.Fixture{
		Racks: []*domain.Rack{domain.NewRack("r1", 1000), domain.NewRack("r2", 1000)},
		Servers: []*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 64, 64, 16),
			domain.NewServer("m2", "r2", "10.0.0.2", 4, 4, 2),
		},
	})

	inst, err := svc.CreateInstanceCached(ctx, domain.NormalAccess("alice"), "i1", "small", "linux-sles")
	require.NoError(t, err)
	assert.Equal(t, "m2", inst.Server)

	racks, err := store.LookupImage(ctx, "linux-sles")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, racks)
}

func TestService_CreateInstanceCached_NoCompatibleHost(t *testing.T) {
	ctx := context.Background()
	svc, store, pub := newTestService(t, memory.Fixture{
		Racks: []*domain.Rack{cachedRack("r1", 1000, ubuntu), domain.NewRack("r2", 1000)},
		Servers: []*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 4, 4, 1),
			domain.NewServer("m2", "r2", "10.0.0.2", 4, 4, 1),
		},
	})

	_, err := svc.CreateInstanceCached(ctx, domain.NormalAccess("alice"), "big", "medium", "linux-ubuntu")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoCompatibleHost)

	var noHost *domain.NoCompatibleHostError
	require.True(t, errors.As(err, &noHost))
	assert.Equal(t, "big", noHost.InstanceName)

	_, err = store.GetInstance(ctx, "big")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, pub.events)
}

func TestService_CreateInstanceCached_UnknownCatalogEntries(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, memory.Fixture{
		Racks:   []*domain.Rack{domain.NewRack("r1", 1000)},
		Servers: []*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 64, 64, 16)},
	})

	_, err := svc.CreateInstanceCached(ctx, domain.NormalAccess(""), "i1", "huge", "linux-ubuntu")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.CreateInstanceCached(ctx, domain.NormalAccess(""), "i1", "small", "windows")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.CreateInstanceCached(ctx, domain.NormalAccess(""), "", "small", "linux-ubuntu")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestService_CreateInstanceCached_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, store, pub := newTestService(t, memory.Fixture{
		Racks:   []*domain.Rack{domain.NewRack("r1", 1000)},
		Servers: []*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 64, 64, 16)},
	})

	first, err := svc.CreateInstanceCached(ctx, domain.NormalAccess(""), "i1", "small", "linux-ubuntu")
	require.NoError(t, err)

	again, err := svc.CreateInstanceCached(ctx, domain.NormalAccess(""), "i1", "medium", "linux-sles")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	server, err := store.GetServer(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(62), server.MemoryFree)
	assert.Len(t, pub.events, 1)
}

// =============================================================================
// Deletion and capacity
// =============================================================================

func TestService_DeleteInstance_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, pub := newTestService(t, memory.Fixture{
		Racks:   []*domain.Rack{domain.NewRack("r1", 1000)},
		Servers: []*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 4)},
	})

	_, err := svc.CreateInstanceCached(ctx, domain.NormalAccess(""), "i1", "medium", "linux-ubuntu")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteInstance(ctx, domain.NormalAccess(""), "i1"))
	require.NoError(t, svc.DeleteInstance(ctx, domain.NormalAccess(""), "i1"))
	require.NoError(t, svc.DeleteInstance(ctx, domain.NormalAccess(""), "never-existed"))

	server, err := store.GetServer(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, server.Memory, server.MemoryFree)
	assert.Equal(t, server.Disk, server.DiskFree)
	assert.Equal(t, server.VCPU, server.VCPUFree)

	require.Len(t, pub.events, 2)
	assert.Equal(t, domain.EventInstanceDeleted, pub.events[1].Type)
}

func TestService_CapacityConservation(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, memory.Fixture{
		Racks: []*domain.Rack{domain.NewRack("r1", 1000), domain.NewRack("r2", 150)},
		Servers: []*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 4),
			domain.NewServer("m2", "r1", "10.0.0.2", 24, 24, 6),
			domain.NewServer("m3", "r2", "10.0.0.3", 32, 32, 8),
		},
	})

	flavors := []string{"small", "medium"}
	images := []string{"linux-ubuntu", "linux-sles"}
	var created []string
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("i%02d", i)
		_, err := svc.CreateInstanceCached(ctx, domain.NormalAccess(""), name, flavors[i%2], images[i%2])
		if errors.Is(err, domain.ErrNoCompatibleHost) {
			continue
		}
		require.NoError(t, err)
		created = append(created, name)
	}
	require.NotEmpty(t, created)

	assertCapacityMatchesInstances(t, store)

	for _, name := range created {
		require.NoError(t, svc.DeleteInstance(ctx, domain.NormalAccess(""), name))
	}

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	for _, s := range servers {
		assert.Equal(t, s.Memory, s.MemoryFree, s.Name)
		assert.Equal(t, s.Disk, s.DiskFree, s.Name)
		assert.Equal(t, s.VCPU, s.VCPUFree, s.Name)
	}

	racks, err := store.ListRacks(ctx)
	require.NoError(t, err)
	for _, r := range racks {
		assert.Equal(t, r.Capacity-r.CachedBytes(), r.AvailableCapacity, r.Name)
	}
}

// assertCapacityMatchesInstances checks free == max - sum(flavors of hosted instances).
func assertCapacityMatchesInstances(t *testing.T, store *memory.Store) {
	t.Helper()
	ctx := context.Background()

	servers, err := store.ListServers(ctx)
	require.NoError(t, err)
	for _, s := range servers {
		insts, err := store.ListInstances(ctx, inventory.InstanceFilter{Server: s.Name})
		require.NoError(t, err)

		var mem, disk, vcpu int64
		for _, inst := range insts {
			f, err := store.GetFlavor(ctx, inst.Flavor)
			require.NoError(t, err)
			mem += f.Memory
			disk += f.Disk
			vcpu += f.VCPU
		}
		assert.Equal(t, s.Memory-mem, s.MemoryFree, s.Name)
		assert.Equal(t, s.Disk-disk, s.DiskFree, s.Name)
		assert.Equal(t, s.VCPU-vcpu, s.VCPUFree, s.Name)
	}
}

// =============================================================================
// Queries
// =============================================================================

func TestService_BestFitAndCanHost(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, memory.Fixture{
		Racks: []*domain.Rack{domain.NewRack("r1", 1000), domain.NewRack("r2", 1000)},
		Servers: []*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 64, 64, 16),
			domain.NewServer("m2", "r2", "10.0.0.2", 4, 4, 2),
		},
	})

	name, found, err := svc.BestFit(ctx, "small", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "m2", name)

	name, found, err = svc.BestFit(ctx, "small", []string{"r1"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "m1", name)

	_, found, err = svc.BestFit(ctx, "medium", []string{"r2"})
	require.NoError(t, err)
	assert.False(t, found)

	_, err = svc.CanHost(ctx, domain.NormalAccess(""), "m2", "small")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	ok, err := svc.CanHost(ctx, domain.AdminAccess(""), "m2", "small")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CanHost(ctx, domain.AdminAccess(""), "m2", "medium")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.CanHost(ctx, domain.AdminAccess(""), "dora", "small")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_QueriesUseFlavorReader(t *testing.T) {
	ctx := context.Background()

	store := memory.NewStore()
	store.Seed(memory.Fixture{
		Flavors: []*domain.Flavor{small},
		Racks:   []*domain.Rack{domain.NewRack("r1", 1000)},
		Servers: []*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 8, 8, 4)},
	})

	logger := zap.NewNop()
	cache := imagecache.NewManager(logger)
	binder := placement.NewBinder(capacity.NewTracker(logger), cache, logger)
	flavors := &countingFlavors{Reader: store}

	svc := NewService(store, scheduler.New(logger), cache, binder, nil, nil, logger, WithFlavorReader(flavors))

	_, found, err := svc.BestFit(ctx, "small", nil)
	require.NoError(t, err)
	assert.True(t, found)

	ok, err := svc.CanHost(ctx, domain.AdminAccess(""), "m1", "small")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2, flavors.calls)
}

func TestService_ListInstances_HidesServerForNormalAccess(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, memory.Fixture{
		Racks:   []*domain.Rack{domain.NewRack("r1", 1000)},
		Servers: []*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 64, 64, 16)},
	})

	_, err := svc.CreateInstanceCached(ctx, domain.NormalAccess(""), "i1", "small", "linux-ubuntu")
	require.NoError(t, err)

	insts, err := svc.ListInstances(ctx, domain.NormalAccess(""))
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Empty(t, insts[0].Server)

	insts, err = svc.ListInstances(ctx, domain.AdminAccess(""))
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, "m1", insts[0].Server)

	inst, err := svc.GetInstance(ctx, domain.NormalAccess(""), "i1")
	require.NoError(t, err)
	assert.Empty(t, inst.Server)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestService_ConcurrentCreatesNeverOvercommit(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t, memory.Fixture{
		Racks:   []*domain.Rack{domain.NewRack("r1", 1000)},
		Servers: []*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 10, 10, 10)},
	})

	const callers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
		errs    []error
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("vm%02d", i)
			_, err := svc.CreateInstanceCached(ctx, domain.NormalAccess("load"), name, "small", "linux-ubuntu")

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			created = append(created, name)
		}(i)
	}
	wg.Wait()

	// small is 2/2/1, so memory and disk admit five instances.
	assert.Len(t, created, 5)
	require.Len(t, errs, callers-5)
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrNoCompatibleHost)
	}

	m1, err := store.GetServer(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m1.MemoryFree)
	assert.Equal(t, int64(0), m1.DiskFree)
	assert.Equal(t, int64(5), m1.VCPUFree)

	insts, err := store.ListInstances(ctx, inventory.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, insts, 5)

	for _, name := range created {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, svc.DeleteInstance(ctx, domain.NormalAccess("load"), name))
		}(name)
	}
	wg.Wait()

	m1, err = store.GetServer(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), m1.MemoryFree)
	assert.Equal(t, int64(10), m1.DiskFree)
	assert.Equal(t, int64(10), m1.VCPUFree)
}
