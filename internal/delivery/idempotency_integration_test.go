//go:build integration

package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/testinfra"
)

func TestRedisIdempotency(t *testing.T) {
	client := testinfra.Redis(t)
	store := NewRedisIdempotency(client, time.Minute)
	ctx := context.Background()

	id, reserved, err := store.Reserve(ctx, "k1", "job-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "job-1", id)

	id, reserved, err = store.Reserve(ctx, "k1", "job-2")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "job-1", id)

	ttl, err := client.TTL(ctx, store.prefix+"k1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, store.Release(ctx, "k1"))
	_, reserved, err = store.Reserve(ctx, "k1", "job-3")
	require.NoError(t, err)
	assert.True(t, reserved)
}
