package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/repository/memory"
	"github.com/aggiestack/aggiestack/internal/repository/redis"
)

// fakeCache is an in-process stand-in for the Redis catalog cache.
type fakeCache struct {
	flavors     map[string]*domain.Flavor
	images      map[string]*domain.Image
	hits        int
	invalidated int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		flavors: make(map[string]*domain.Flavor),
		images:  make(map[string]*domain.Image),
	}
}

func (c *fakeCache) GetFlavor(ctx context.Context, name string) (*domain.Flavor, error) {
	f, ok := c.flavors[name]
	if !ok {
		return nil, redis.ErrCacheMiss
	}
	c.hits++
	return f, nil
}

func (c *fakeCache) SetFlavor(ctx context.Context, f *domain.Flavor) error {
	c.flavors[f.Name] = f
	return nil
}

func (c *fakeCache) GetImage(ctx context.Context, name string) (*domain.Image, error) {
	img, ok := c.images[name]
	if !ok {
		return nil, redis.ErrCacheMiss
	}
	c.hits++
	return img, nil
}

func (c *fakeCache) SetImage(ctx context.Context, img *domain.Image) error {
	c.images[img.Name] = img
	return nil
}

func (c *fakeCache) InvalidateCatalog(ctx context.Context) error {
	c.flavors = make(map[string]*domain.Flavor)
	c.images = make(map[string]*domain.Image)
	c.invalidated++
	return nil
}

func TestService_ImportAndGet(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), nil, nil, zap.NewNop())

	require.NoError(t, svc.ImportFlavors(ctx, []*domain.Flavor{
		{Name: "small", Memory: 1, Disk: 1, VCPU: 1},
		{Name: "large", Memory: 8, Disk: 4, VCPU: 4},
	}))
	require.NoError(t, svc.ImportImages(ctx, []*domain.Image{
		{Name: "linux-ubuntu", Size: 128, Path: "/images/ubuntu.img"},
	}))

	f, err := svc.GetFlavor(ctx, "large")
	require.NoError(t, err)
	assert.Equal(t, int64(8), f.Memory)

	img, err := svc.GetImage(ctx, "linux-ubuntu")
	require.NoError(t, err)
	assert.Equal(t, int64(128), img.Size)

	flavors, err := svc.ListFlavors(ctx)
	require.NoError(t, err)
	require.Len(t, flavors, 2)
	assert.Equal(t, "large", flavors[0].Name)

	_, err = svc.GetFlavor(ctx, "tiny")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ImportUpserts(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), nil, nil, zap.NewNop())

	require.NoError(t, svc.ImportFlavors(ctx, []*domain.Flavor{{Name: "small", Memory: 1, Disk: 1, VCPU: 1}}))
	require.NoError(t, svc.ImportFlavors(ctx, []*domain.Flavor{{Name: "small", Memory: 2, Disk: 1, VCPU: 1}}))

	f, err := svc.GetFlavor(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.Memory)
}

func TestService_ImportValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), nil, nil, zap.NewNop())

	err := svc.ImportFlavors(ctx, []*domain.Flavor{
		{Name: "ok", Memory: 1, Disk: 1, VCPU: 1},
		{Name: "bad", Memory: -1, Disk: 1, VCPU: 1},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Nothing from the rejected batch is stored.
	flavors, err := svc.ListFlavors(ctx)
	require.NoError(t, err)
	assert.Empty(t, flavors)
}

func TestService_ReadThroughCache(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	svc := NewService(memory.NewStore(), cache, nil, zap.NewNop())

	require.NoError(t, svc.ImportImages(ctx, []*domain.Image{{Name: "sles", Size: 512, Path: "/images/sles.img"}}))
	assert.Equal(t, 1, cache.invalidated)

	_, err := svc.GetImage(ctx, "sles")
	require.NoError(t, err)
	assert.Equal(t, 0, cache.hits)
	assert.Contains(t, cache.images, "sles")

	_, err = svc.GetImage(ctx, "sles")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	require.NoError(t, svc.ImportImages(ctx, []*domain.Image{{Name: "sles", Size: 256, Path: "/images/sles.img"}}))
	img, err := svc.GetImage(ctx, "sles")
	require.NoError(t, err)
	assert.Equal(t, int64(256), img.Size)
}
