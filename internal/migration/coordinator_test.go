package migration

import (
	"context"
	"errors"
	"testing"

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
	events []domain.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.Event) error {
	p.events = append(p.events, event)
	return nil
}

var (
	ubuntu = &domain.Image{Name: "linux-ubuntu", Size: 100, Path: "/images/ubuntu.img"}

	small  = &domain.Flavor{Name: "small", Memory: 2, Disk: 2, VCPU: 1}
	medium = &domain.Flavor{Name: "medium", Memory: 8, Disk: 8, VCPU: 2}
)

type harness struct {
	store  *memory.Store
	binder *placement.Binder
	pub    *recordingPublisher
	coord  *Coordinator
}

func newHarness(t *testing.T, racks []*domain.Rack, servers []*domain.Server) *harness {
	t.Helper()

	store := memory.NewStore()
	store.Seed(memory.Fixture{
		Flavors: []*domain.Flavor{small, medium},
		Images:  []*domain.Image{ubuntu},
		Racks:   racks,
		Servers: servers,
	})

	logger := zap.NewNop()
	binder := placement.NewBinder(capacity.NewTracker(logger), imagecache.NewManager(logger), logger)
	pub := &recordingPublisher{}

	return &harness{
		store:  store,
		binder: binder,
		pub:    pub,
		coord:  NewCoordinator(store, scheduler.New(logger), binder, nil, pub, logger),
	}
}

// place binds an instance directly, bypassing placement policy.
func (h *harness) place(t *testing.T, name string, flavor *domain.Flavor, server string) {
	t.Helper()
	err := h.store.Atomically(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		return h.binder.Bind(ctx, tx, &domain.Instance{Name: name, Flavor: flavor.Name, Image: ubuntu.Name, Server: server}, flavor)
	})
	require.NoError(t, err)
}

type inventorySnapshot struct {
	Racks     []*domain.Rack
	Servers   []*domain.Server
	Instances []*domain.Instance
	Locations []string
}

func (h *harness) snapshot(t *testing.T) inventorySnapshot {
	t.Helper()
	ctx := context.Background()

	racks, err := h.store.ListRacks(ctx)
	require.NoError(t, err)
	servers, err := h.store.ListServers(ctx)
	require.NoError(t, err)
	insts, err := h.store.ListInstances(ctx, inventory.InstanceFilter{})
	require.NoError(t, err)
	locations, err := h.store.LookupImage(ctx, ubuntu.Name)
	require.NoError(t, err)

	return inventorySnapshot{Racks: racks, Servers: servers, Instances: insts, Locations: locations}
}

func (h *harness) server(t *testing.T, name string) *domain.Server {
	t.Helper()
	srv, err := h.store.GetServer(context.Background(), name)
	require.NoError(t, err)
	return srv
}

func requireMigrationImpossible(t *testing.T, err error, instance string) {
	t.Helper()
	require.ErrorIs(t, err, domain.ErrMigrationImpossible)
	var impossible *domain.MigrationImpossibleError
	require.True(t, errors.As(err, &impossible))
	assert.Equal(t, instance, impossible.InstanceName)
}

// =============================================================================
// Remove server
// =============================================================================

func TestCoordinator_RemoveServer(t *testing.T) {
	h := newHarness(t,
		[]*domain.Rack{domain.NewRack("r1", 1000), domain.NewRack("r2", 1000)},
		[]*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 8),
			domain.NewServer("m2", "r1", "10.0.0.2", 8, 8, 4),
			domain.NewServer("m3", "r2", "10.0.0.3", 32, 32, 8),
		},
	)
	h.place(t, "i1", small, "m1")
	h.place(t, "i2", medium, "m1")

	report, err := h.coord.RemoveServer(context.Background(), domain.AdminAccess("ops"), "m1")
	require.NoError(t, err)

	// i1 lands on a server in the same rack as the removed one.
	assert.Equal(t, []Move{
		{Instance: "i1", From: "m1", To: "m2"},
		{Instance: "i2", From: "m1", To: "m3"},
	}, report.Moves)

	_, err = h.store.GetServer(context.Background(), "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int64(6), h.server(t, "m2").MemoryFree)
	assert.Equal(t, int64(24), h.server(t, "m3").MemoryFree)

	assert.Equal(t, []string{"r1", "r2"}, h.snapshot(t).Locations)

	require.Len(t, h.pub.events, 3)
	assert.Equal(t, domain.EventInstanceMigrated, h.pub.events[0].Type)
	assert.Equal(t, "m2", h.pub.events[0].Attributes["to"])
	assert.Equal(t, domain.EventServerRemoved, h.pub.events[2].Type)
}

func TestCoordinator_RemoveServer_Empty(t *testing.T) {
	h := newHarness(t,
		[]*domain.Rack{domain.NewRack("r1", 1000)},
		[]*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 8)},
	)

	report, err := h.coord.RemoveServer(context.Background(), domain.AdminAccess("ops"), "m1")
	require.NoError(t, err)
	assert.Empty(t, report.Moves)

	servers, err := h.store.ListServers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestCoordinator_RemoveServer_RollsBack(t *testing.T) {
	h := newHarness(t,
		[]*domain.Rack{domain.NewRack("r1", 1000), domain.NewRack("r2", 1000)},
		[]*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 8),
			domain.NewServer("m2", "r1", "10.0.0.2", 4, 4, 2),
			domain.NewServer("m3", "r2", "10.0.0.3", 2, 2, 1),
		},
	)
	h.place(t, "i1", small, "m1")
	h.place(t, "i2", small, "m1")
	h.place(t, "i3", medium, "m1")
	before := h.snapshot(t)

	// i1 and i2 fit elsewhere, i3 does not.
	_, err := h.coord.RemoveServer(context.Background(), domain.AdminAccess("ops"), "m1")
	requireMigrationImpossible(t, err, "i3")

	after := h.snapshot(t)
	assert.Equal(t, before, after)
	assert.True(t, h.server(t, "m1").IsActive)
	assert.Equal(t, []string{"r1"}, after.Locations)
	assert.Empty(t, h.pub.events)
}

func TestCoordinator_RemoveServer_Errors(t *testing.T) {
	h := newHarness(t,
		[]*domain.Rack{domain.NewRack("r1", 1000)},
		[]*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 8)},
	)
	ctx := context.Background()

	_, err := h.coord.RemoveServer(ctx, domain.NormalAccess("alice"), "m1")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.True(t, h.server(t, "m1").IsActive)

	_, err = h.coord.RemoveServer(ctx, domain.AdminAccess("ops"), "m9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// Evacuate rack
// =============================================================================

func TestCoordinator_EvacuateRack(t *testing.T) {
	h := newHarness(t,
		[]*domain.Rack{domain.NewRack("r1", 1000), domain.NewRack("r2", 1000), domain.NewRack("r3", 1000)},
		[]*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 8),
			domain.NewServer("m2", "r1", "10.0.0.2", 16, 16, 8),
			domain.NewServer("m3", "r2", "10.0.0.3", 8, 8, 4),
			domain.NewServer("m4", "r3", "10.0.0.4", 32, 32, 8),
		},
	)
	h.place(t, "i1", small, "m1")
	h.place(t, "i2", small, "m2")

	report, err := h.coord.EvacuateRack(context.Background(), domain.AdminAccess("ops"), "r1")
	require.NoError(t, err)

	assert.Equal(t, []Move{
		{Instance: "i1", From: "m1", To: "m3"},
		{Instance: "i2", From: "m2", To: "m3"},
	}, report.Moves)
	assert.Equal(t, []string{"m1", "m2"}, report.Deactivated)

	// Evacuated servers stay in the inventory, inactive and empty.
	m1 := h.server(t, "m1")
	assert.False(t, m1.IsActive)
	assert.Equal(t, m1.Memory, m1.MemoryFree)
	assert.False(t, h.server(t, "m2").IsActive)
	assert.Equal(t, int64(4), h.server(t, "m3").MemoryFree)

	require.Len(t, h.pub.events, 3)
	assert.Equal(t, domain.EventRackEvacuated, h.pub.events[2].Type)
	assert.Equal(t, "r1", h.pub.events[2].Name)
}

func TestCoordinator_EvacuateRack_NeverUsesSourceRack(t *testing.T) {
	h := newHarness(t,
		[]*domain.Rack{domain.NewRack("r1", 1000), domain.NewRack("r2", 1000)},
		[]*domain.Server{
			domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 8),
			// Plenty of room, but in the rack being evacuated.
			domain.NewServer("m2", "r1", "10.0.0.2", 64, 64, 16),
			domain.NewServer("m3", "r2", "10.0.0.3", 4, 4, 2),
		},
	)
	h.place(t, "i1", small, "m1")
	h.place(t, "i2", medium, "m1")
	before := h.snapshot(t)

	_, err := h.coord.EvacuateRack(context.Background(), domain.AdminAccess("ops"), "r1")
	requireMigrationImpossible(t, err, "i2")

	assert.Equal(t, before, h.snapshot(t))
	assert.True(t, h.server(t, "m1").IsActive)
	assert.True(t, h.server(t, "m2").IsActive)
	assert.Empty(t, h.pub.events)
}

func TestCoordinator_EvacuateRack_SingleRack(t *testing.T) {
	h := newHarness(t,
		[]*domain.Rack{domain.NewRack("r1", 1000)},
		[]*domain.Server{domain.NewServer("m1", "r1", "10.0.0.1", 16, 16, 8)},
	)
	h.place(t, "i1", small, "m1")

	_, err := h.coord.EvacuateRack(context.Background(), domain.AdminAccess("ops"), "r1")
	requireMigrationImpossible(t, err, "i1")
	assert.True(t, h.server(t, "m1").IsActive)
}

func TestCoordinator_EvacuateRack_Errors(t *testing.T) {
	h := newHarness(t, []*domain.Rack{domain.NewRack("r1", 1000)}, nil)
	ctx := context.Background()

	_, err := h.coord.EvacuateRack(ctx, domain.NormalAccess("alice"), "r1")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = h.coord.EvacuateRack(ctx, domain.AdminAccess("ops"), "r9")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// An empty rack evacuates trivially.
	report, err := h.coord.EvacuateRack(ctx, domain.AdminAccess("ops"), "r1")
	require.NoError(t, err)
	assert.Empty(t, report.Moves)
	assert.Empty(t, report.Deactivated)
}
