package imagecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
	"github.com/aggiestack/aggiestack/internal/repository/memory"
)

// stepClock returns t0, t0+1s, t0+2s, ... on successive calls.
func stepClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestStore(racks ...*domain.Rack) *memory.Store {
	store := memory.NewStore()
	store.Seed(memory.Fixture{
		Images: []*domain.Image{
			{Name: "A", Size: 40, Path: "/img/a"},
			{Name: "B", Size: 40, Path: "/img/b"},
			{Name: "C", Size: 30, Path: "/img/c"},
			{Name: "D", Size: 100, Path: "/img/d"},
			{Name: "huge", Size: 500, Path: "/img/huge"},
		},
		Racks: racks,
	})
	return store
}

func touch(t *testing.T, store *memory.Store, m *Manager, rack, image string) {
	t.Helper()
	err := store.Atomically(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		return m.Touch(ctx, tx, rack, image)
	})
	require.NoError(t, err)
}

func assertCapacityInvariant(t *testing.T, rack *domain.Rack) {
	t.Helper()
	assert.Equal(t, rack.Capacity-rack.CachedBytes(), rack.AvailableCapacity)
	assert.GreaterOrEqual(t, rack.AvailableCapacity, int64(0))

	seen := make(map[string]bool)
	for _, c := range rack.ImageCache {
		assert.False(t, seen[c.ImageName], "duplicate cache entry %s", c.ImageName)
		seen[c.ImageName] = true
	}
}

func TestManager_Touch_LRUEviction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(domain.NewRack("r1", 100))
	m := NewManager(zap.NewNop(), WithClock(stepClock()))

	touch(t, store, m, "r1", "A")
	touch(t, store, m, "r1", "B")
	touch(t, store, m, "r1", "C")

	rack, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, rack.CachedImageNames())
	assert.Equal(t, int64(30), rack.AvailableCapacity)
	assertCapacityInvariant(t, rack)

	racks, err := m.Lookup(ctx, store, "A")
	require.NoError(t, err)
	assert.Empty(t, racks)

	racks, err = m.Lookup(ctx, store, "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, racks)
}

func TestManager_Touch_HitRefreshesRecency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(domain.NewRack("r1", 100))
	m := NewManager(zap.NewNop(), WithClock(stepClock()))

	touch(t, store, m, "r1", "A")
	touch(t, store, m, "r1", "B")
	// A becomes the most recent entry, so B is evicted for C.
	touch(t, store, m, "r1", "A")

	rack, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, rack.CachedImageNames())
	assert.Equal(t, int64(20), rack.AvailableCapacity)

	touch(t, store, m, "r1", "C")

	rack, err = store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, rack.CachedImageNames())
	assertCapacityInvariant(t, rack)
}

func TestManager_Touch_EvictsSeveralEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(domain.NewRack("r1", 100))
	m := NewManager(zap.NewNop(), WithClock(stepClock()))

	touch(t, store, m, "r1", "A")
	touch(t, store, m, "r1", "B")
	touch(t, store, m, "r1", "D")

	rack, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, rack.CachedImageNames())
	assert.Equal(t, int64(0), rack.AvailableCapacity)
	assertCapacityInvariant(t, rack)
}

func TestManager_Touch_OversizeImageSkipped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(domain.NewRack("r1", 100))
	m := NewManager(zap.NewNop(), WithClock(stepClock()))

	touch(t, store, m, "r1", "A")
	touch(t, store, m, "r1", "huge")

	rack, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, rack.CachedImageNames())
	assert.Equal(t, int64(60), rack.AvailableCapacity)

	racks, err := m.Lookup(ctx, store, "huge")
	require.NoError(t, err)
	assert.Empty(t, racks)
}

func TestManager_Touch_UnknownEntities(t *testing.T) {
	store := newTestStore(domain.NewRack("r1", 100))
	m := NewManager(zap.NewNop())

	err := store.Atomically(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		return m.Touch(ctx, tx, "missing", "A")
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = store.Atomically(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		return m.Touch(ctx, tx, "r1", "missing")
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_EvictLRU_TieBrokenByPosition(t *testing.T) {
	ctx := context.Background()
	same := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rack := domain.NewRack("r1", 100)
	rack.ImageCache = []domain.CachedImage{
		{ImageName: "B", Size: 40, LastAccess: same},
		{ImageName: "A", Size: 40, LastAccess: same},
	}
	rack.AvailableCapacity = 20
	store := newTestStore(rack)
	m := NewManager(zap.NewNop())

	var evicted *domain.CachedImage
	err := store.Atomically(ctx, func(ctx context.Context, tx inventory.Tx) error {
		var err error
		evicted, err = m.EvictLRU(ctx, tx, "r1")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, evicted)
	assert.Equal(t, "B", evicted.ImageName)

	got, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, got.CachedImageNames())
	assert.Equal(t, int64(60), got.AvailableCapacity)

	racks, err := m.Lookup(ctx, store, "B")
	require.NoError(t, err)
	assert.Empty(t, racks)
}

func TestManager_EvictLRU_EmptyCache(t *testing.T) {
	store := newTestStore(domain.NewRack("r1", 100))
	m := NewManager(zap.NewNop())

	err := store.Atomically(context.Background(), func(ctx context.Context, tx inventory.Tx) error {
		evicted, err := m.EvictLRU(ctx, tx, "r1")
		assert.Nil(t, evicted)
		return err
	})
	require.NoError(t, err)
}

func TestManager_Lookup_SortedAcrossRacks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(domain.NewRack("r2", 100), domain.NewRack("r1", 100), domain.NewRack("r3", 100))
	m := NewManager(zap.NewNop(), WithClock(stepClock()))

	touch(t, store, m, "r3", "A")
	touch(t, store, m, "r1", "A")

	racks, err := m.Lookup(ctx, store, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r3"}, racks)
}

func TestManager_Touch_RolledBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(domain.NewRack("r1", 100))
	m := NewManager(zap.NewNop(), WithClock(stepClock()))

	touch(t, store, m, "r1", "A")

	err := store.Atomically(ctx, func(ctx context.Context, tx inventory.Tx) error {
		if err := m.Touch(ctx, tx, "r1", "D"); err != nil {
			return err
		}
		return domain.ErrConflict
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	rack, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, rack.CachedImageNames())

	racks, err := m.Lookup(ctx, store, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, racks)

	racks, err = m.Lookup(ctx, store, "D")
	require.NoError(t, err)
	assert.Empty(t, racks)
}

func TestManager_Touch_EvictionsGoThroughEvictLRU(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(domain.NewRack("r1", 100))

	core, logs := observer.New(zap.InfoLevel)
	m := NewManager(zap.New(core), WithClock(stepClock()))

	touch(t, store, m, "r1", "A")
	touch(t, store, m, "r1", "B")
	touch(t, store, m, "r1", "D")

	rack, err := store.GetRack(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, rack.CachedImageNames())
	assertCapacityInvariant(t, rack)

	evictions := logs.FilterMessage("Evicted image from rack cache").All()
	require.Len(t, evictions, 2)
	assert.Equal(t, "A", evictions[0].ContextMap()["evicted"])
	assert.Equal(t, "B", evictions[1].ContextMap()["evicted"])
	assert.Equal(t, "r1", evictions[1].ContextMap()["rack"])
}
