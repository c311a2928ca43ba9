package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aggiestack/aggiestack/internal/domain"
)

func TestLockStateFile_Exclusive(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.yaml")

	first, err := LockStateFile(ctx, path, 0)
	require.NoError(t, err)

	_, err = LockStateFile(ctx, path, 100*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock())

	second, err := LockStateFile(ctx, path, 0)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}

func TestLockStateFile_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.yaml")

	first, err := LockStateFile(ctx, path, 0)
	require.NoError(t, err)

	time.AfterFunc(100*time.Millisecond, func() { _ = first.Unlock() })

	second, err := LockStateFile(ctx, path, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())
}

func TestLockStateFile_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")

	first, err := LockStateFile(context.Background(), path, 0)
	require.NoError(t, err)
	defer first.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = LockStateFile(ctx, path, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
