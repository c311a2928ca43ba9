// Package etcd provides etcd client functionality for distributed coordination.
package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/config"
	"github.com/aggiestack/aggiestack/internal/domain"
	"github.com/aggiestack/aggiestack/internal/inventory"
)

// InventoryLockKey guards every mutation of the shared inventory.
const InventoryLockKey = "inventory"

// Client wraps an etcd client with distributed locking.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30
	}

	// Create a session for distributed coordination
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// =============================================================================
// Distributed Locking
// =============================================================================

// Lock represents a distributed lock.
type Lock struct {
	mutex *concurrency.Mutex
}

// AcquireLock acquires a distributed lock.
func (c *Client) AcquireLock(ctx context.Context, key string) (*Lock, error) {
	mutex := concurrency.NewMutex(c.session, fmt.Sprintf("/aggiestack/locks/%s", key))

	if err := mutex.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	c.logger.Debug("Acquired lock", zap.String("key", key))

	return &Lock{mutex: mutex}, nil
}

// TryAcquireLock tries to acquire a lock with a timeout.
func (c *Client) TryAcquireLock(ctx context.Context, key string, timeout time.Duration) (*Lock, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.AcquireLock(ctx, key)
}

// Unlock releases a distributed lock.
func (l *Lock) Unlock(ctx context.Context) error {
	if l.mutex == nil {
		return nil
	}
	return l.mutex.Unlock(ctx)
}

// =============================================================================
// Inventory Locker
// =============================================================================

// Ensure InventoryLocker implements inventory.Locker
var _ inventory.Locker = (*InventoryLocker)(nil)

// InventoryLocker takes the shared inventory lock around each mutating operation.
type InventoryLocker struct {
	client  *Client
	timeout time.Duration
}

// NewInventoryLocker creates a locker bounded by timeout per acquisition.
func NewInventoryLocker(client *Client, timeout time.Duration) *InventoryLocker {
	return &InventoryLocker{client: client, timeout: timeout}
}

// Lock acquires the inventory lock.
func (l *InventoryLocker) Lock(ctx context.Context) (func(), error) {
	lock, err := l.client.TryAcquireLock(ctx, InventoryLockKey, l.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: inventory is locked by another replica: %w", domain.ErrUnavailable, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := lock.Unlock(ctx); err != nil {
			l.client.logger.Warn("Failed to release inventory lock", zap.Error(err))
		}
	}, nil
}
