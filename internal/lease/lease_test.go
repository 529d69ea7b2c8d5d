package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Acquire(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Acquire(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	ok, err = m.Acquire(ctx, "task-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")

	require.NoError(t, m.Release(ctx, "task-1"))
	ok, err = m.Acquire(ctx, "task-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	ok, _ := m.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	ok, _ = m.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = m.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok, "expired lease can be taken over")
}

func TestRedisOwnerIsUnique(t *testing.T) {
	a := NewRedisWithClient(nil, "")
	b := NewRedisWithClient(nil, "custom:")
	assert.NotEqual(t, a.Owner(), b.Owner())
	assert.Equal(t, "fleetscan:lease:", a.prefix)
	assert.Equal(t, "custom:", b.prefix)
}
