package server

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRedisClientBasicCommands(t *testing.T) {
	addr := startTestServer(t, nil)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	require.Equal(t, "PONG", client.Ping(ctx).Val())

	require.Equal(t, "OK", client.Set(ctx, "greeting", "hello", 0).Val())
	assert.Equal(t, "hello", client.Get(ctx, "greeting").Val())

	_, err := client.Get(ctx, "missing").Result()
	assert.ErrorIs(t, err, redis.Nil)
}
