package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// Ensure Store implements inventory.Store
var _ inventory.Store = (*Store)(nil)

// inventoryLockKey is the pg_advisory_xact_lock key that serializes inventory writers.
const inventoryLockKey int64 = 0x61676769 // "aggi"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements inventory.Store on PostgreSQL.
//
// Atomically runs in one database transaction that first takes a transaction-scoped
// advisory lock, so writers are serialized across every control plane replica.
type Store struct {
	reader
	db     *DB
	logger *zap.Logger
}

// NewStore creates a new PostgreSQL inventory store.
func NewStore(db *DB, logger *zap.Logger) *Store {
	logger = logger.With(zap.String("repository", "inventory"))
	return &Store{
		reader: reader{q: db.pool},
		db:     db,
		logger: logger,
	}
}

// Atomically runs fn inside a serialized transaction.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx inventory.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.db.pool, func(pgTx pgx.Tx) error {
		if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, inventoryLockKey); err != nil {
			return fmt.Errorf("failed to lock inventory: %w", err)
		}
		return fn(ctx, &tx{reader: reader{q: pgTx}})
	})
	if err != nil {
		s.logger.Debug("Inventory transaction rolled back", zap.Error(err))
	}
	return err
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// ============================================================================
// Reads
// ============================================================================

type reader struct {
	q querier
}

func notFound(err error, kind domain.Kind, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewNotFound(kind, key)
	}
	return fmt.Errorf("failed to get %s %q: %w", kind, key, err)
}

func (r reader) GetFlavor(ctx context.Context, name string) (*domain.Flavor, error) {
	f := &domain.Flavor{}
	err := r.q.QueryRow(ctx,
		`SELECT name, memory, disk, vcpu FROM flavors WHERE name = $1`, name,
	).Scan(&f.Name, &f.Memory, &f.Disk, &f.VCPU)
	if err != nil {
		return nil, notFound(err, domain.KindFlavor, name)
	}
	return f, nil
}

func (r reader) GetImage(ctx context.Context, name string) (*domain.Image, error) {
	img := &domain.Image{}
	err := r.q.QueryRow(ctx,
		`SELECT name, size, path FROM images WHERE name = $1`, name,
	).Scan(&img.Name, &img.Size, &img.Path)
	if err != nil {
		return nil, notFound(err, domain.KindImage, name)
	}
	return img, nil
}

func (r reader) GetRack(ctx context.Context, name string) (*domain.Rack, error) {
	rack := &domain.Rack{ImageCache: []domain.CachedImage{}}
	err := r.q.QueryRow(ctx,
		`SELECT name, capacity, available_capacity FROM racks WHERE name = $1`, name,
	).Scan(&rack.Name, &rack.Capacity, &rack.AvailableCapacity)
	if err != nil {
		return nil, notFound(err, domain.KindRack, name)
	}

	caches, err := r.imageCaches(ctx, name)
	if err != nil {
		return nil, err
	}
	if c, ok := caches[name]; ok {
		rack.ImageCache = c
	}
	return rack, nil
}

// imageCaches loads cache entries in cache order, keyed by rack. An empty rack
// name loads every rack.
func (r reader) imageCaches(ctx context.Context, rack string) (map[string][]domain.CachedImage, error) {
	rows, err := r.q.Query(ctx, `
		SELECT rack, image_name, size, last_access
		FROM rack_image_cache
		WHERE $1::text = '' OR rack = $1
		ORDER BY rack, position
	`, rack)
	if err != nil {
		return nil, fmt.Errorf("failed to query image caches: %w", err)
	}
	defer rows.Close()

	caches := make(map[string][]domain.CachedImage)
	for rows.Next() {
		var (
			rackName string
			c        domain.CachedImage
		)
		if err := rows.Scan(&rackName, &c.ImageName, &c.Size, &c.LastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan image cache entry: %w", err)
		}
		c.LastAccess = c.LastAccess.UTC()
		caches[rackName] = append(caches[rackName], c)
	}
	return caches, rows.Err()
}

func (r reader) GetServer(ctx context.Context, name string) (*domain.Server, error) {
	row := r.q.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = $1`, name)
	srv, err := scanServer(row)
	if err != nil {
		return nil, notFound(err, domain.KindServer, name)
	}
	return srv, nil
}

func (r reader) GetInstance(ctx context.Context, name string) (*domain.Instance, error) {
	inst := &domain.Instance{}
	err := r.q.QueryRow(ctx,
		`SELECT name, flavor, image, server FROM instances WHERE name = $1`, name,
	).Scan(&inst.Name, &inst.Flavor, &inst.Image, &inst.Server)
	if err != nil {
		return nil, notFound(err, domain.KindInstance, name)
	}
	return inst, nil
}

func (r reader) ListFlavors(ctx context.Context) ([]*domain.Flavor, error) {
	rows, err := r.q.Query(ctx, `SELECT name, memory, disk, vcpu FROM flavors ORDER BY name COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flavors: %w", err)
	}
	defer rows.Close()

	var flavors []*domain.Flavor
	for rows.Next() {
		f := &domain.Flavor{}
		if err := rows.Scan(&f.Name, &f.Memory, &f.Disk, &f.VCPU); err != nil {
			return nil, fmt.Errorf("failed to scan flavor: %w", err)
		}
		flavors = append(flavors, f)
	}
	return flavors, rows.Err()
}

func (r reader) ListImages(ctx context.Context) ([]*domain.Image, error) {
	rows, err := r.q.Query(ctx, `SELECT name, size, path FROM images ORDER BY name COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []*domain.Image
	for rows.Next() {
		img := &domain.Image{}
		if err := rows.Scan(&img.Name, &img.Size, &img.Path); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (r reader) ListRacks(ctx context.Context) ([]*domain.Rack, error) {
	rows, err := r.q.Query(ctx, `SELECT name, capacity, available_capacity FROM racks ORDER BY name COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list racks: %w", err)
	}

	var racks []*domain.Rack
	for rows.Next() {
		rack := &domain.Rack{ImageCache: []domain.CachedImage{}}
		if err := rows.Scan(&rack.Name, &rack.Capacity, &rack.AvailableCapacity); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan rack: %w", err)
		}
		racks = append(racks, rack)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list racks: %w", err)
	}

	caches, err := r.imageCaches(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, rack := range racks {
		if c, ok := caches[rack.Name]; ok {
			rack.ImageCache = c
		}
	}
	return racks, nil
}

func (r reader) ListRackNames(ctx context.Context) ([]string, error) {
	return r.names(ctx, `SELECT name FROM racks ORDER BY name COLLATE "C"`)
}

func (r reader) ListServers(ctx context.Context) ([]*domain.Server, error) {
	return r.servers(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name COLLATE "C"`)
}

func (r reader) ListActiveServers(ctx context.Context, filter inventory.ServerFilter) ([]*domain.Server, error) {
	if filter.Racks != nil && len(filter.Racks) == 0 {
		return nil, nil
	}
	return r.servers(ctx, `
		SELECT `+serverColumns+`
		FROM servers
		WHERE is_active AND ($1::text[] IS NULL OR rack = ANY($1))
		ORDER BY memory_free, disk_free, vcpu_free, name COLLATE "C"
	`, filter.Racks)
}

func (r reader) ListInstances(ctx context.Context, filter inventory.InstanceFilter) ([]*domain.Instance, error) {
	rows, err := r.q.Query(ctx, `
		SELECT name, flavor, image, server
		FROM instances
		WHERE $1::text = '' OR server = $1
		ORDER BY name COLLATE "C"
	`, filter.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var insts []*domain.Instance
	for rows.Next() {
		inst := &domain.Instance{}
		if err := rows.Scan(&inst.Name, &inst.Flavor, &inst.Image, &inst.Server); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

func (r reader) LookupImage(ctx context.Context, image string) ([]string, error) {
	names, err := r.names(ctx, `
		SELECT rack FROM rack_image_cache
		WHERE image_name = $1
		ORDER BY rack COLLATE "C"
	`, image)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

func (r reader) names(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

const serverColumns = `name, rack, ip, memory, disk, vcpu, is_active, memory_free, disk_free, vcpu_free`

func scanServer(row pgx.Row) (*domain.Server, error) {
	s := &domain.Server{}
	err := row.Scan(
		&s.Name, &s.Rack, &s.IP, &s.Memory, &s.Disk, &s.VCPU,
		&s.IsActive, &s.MemoryFree, &s.DiskFree, &s.VCPUFree,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r reader) servers(ctx context.Context, query string, args ...any) ([]*domain.Server, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*domain.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// ============================================================================
// Writes
// ============================================================================

// tx is the transaction handle passed to Atomically callbacks.
type tx struct {
	reader
}

func (t *tx) PutFlavor(ctx context.Context, f *domain.Flavor) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO flavors (name, memory, disk, vcpu) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET memory = EXCLUDED.memory, disk = EXCLUDED.disk, vcpu = EXCLUDED.vcpu
	`, f.Name, f.Memory, f.Disk, f.VCPU)
	return writeErr(err, domain.KindFlavor, f.Name)
}

func (t *tx) PutImage(ctx context.Context, img *domain.Image) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO images (name, size, path) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET size = EXCLUDED.size, path = EXCLUDED.path
	`, img.Name, img.Size, img.Path)
	return writeErr(err, domain.KindImage, img.Name)
}

// PutRack rewrites the rack row and its cache rows. The image_name index on
// rack_image_cache follows automatically.
func (t *tx) PutRack(ctx context.Context, r *domain.Rack) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO racks (name, capacity, available_capacity) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET capacity = EXCLUDED.capacity, available_capacity = EXCLUDED.available_capacity
	`, r.Name, r.Capacity, r.AvailableCapacity)
	if err != nil {
		return writeErr(err, domain.KindRack, r.Name)
	}

	if _, err := t.q.Exec(ctx, `DELETE FROM rack_image_cache WHERE rack = $1`, r.Name); err != nil {
		return fmt.Errorf("failed to clear image cache of rack %q: %w", r.Name, err)
	}

	for i, c := range r.ImageCache {
		_, err := t.q.Exec(ctx, `
			INSERT INTO rack_image_cache (rack, image_name, size, last_access, position)
			VALUES ($1, $2, $3, $4, $5)
		`, r.Name, c.ImageName, c.Size, c.LastAccess.UTC().Truncate(time.Microsecond), i)
		if err != nil {
			return fmt.Errorf("failed to cache image %q in rack %q: %w", c.ImageName, r.Name, err)
		}
	}
	return nil
}

func (t *tx) PutServer(ctx context.Context, s *domain.Server) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			rack = EXCLUDED.rack,
			ip = EXCLUDED.ip,
			memory = EXCLUDED.memory,
			disk = EXCLUDED.disk,
			vcpu = EXCLUDED.vcpu,
			is_active = EXCLUDED.is_active,
			memory_free = EXCLUDED.memory_free,
			disk_free = EXCLUDED.disk_free,
			vcpu_free = EXCLUDED.vcpu_free
	`,
		s.Name, s.Rack, s.IP, s.Memory, s.Disk, s.VCPU,
		s.IsActive, s.MemoryFree, s.DiskFree, s.VCPUFree,
	)
	return writeErr(err, domain.KindServer, s.Name)
}

func (t *tx) PutInstance(ctx context.Context, i *domain.Instance) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO instances (name, flavor, image, server) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET flavor = EXCLUDED.flavor, image = EXCLUDED.image, server = EXCLUDED.server
	`, i.Name, i.Flavor, i.Image, i.Server)
	return writeErr(err, domain.KindInstance, i.Name)
}

func (t *tx) DeleteServer(ctx context.Context, name string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM servers WHERE name = $1`, name)
	return writeErr(err, domain.KindServer, name)
}

func (t *tx) DeleteInstance(ctx context.Context, name string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM instances WHERE name = $1`, name)
	return writeErr(err, domain.KindInstance, name)
}

// writeErr maps constraint failures onto domain errors.
func writeErr(err error, kind domain.Kind, name string) error {
	switch {
	case err == nil:
		return nil
	case isForeignKeyViolation(err):
		return fmt.Errorf("%s %q references an unknown entity: %w", kind, name, domain.ErrNotFound)
	case isCheckViolation(err):
		return fmt.Errorf("%s %q violates a capacity bound: %w", kind, name, domain.ErrConflict)
	default:
		return fmt.Errorf("failed to write %s %q: %w", kind, name, err)
	}
}
