package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCheckLoginRate(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL не задан")
	}
	ctx := context.Background()
	c, err := New(ctx, url, 3, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	name := "user_" + uuid.New().String()
	t.Cleanup(func() { _ = c.Reset(context.Background(), name) })

	for i := 0; i < 3; i++ {
		ok, err := c.CheckLoginRate(ctx, name)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := c.CheckLoginRate(ctx, name)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Reset(ctx, name))
	ok, err = c.CheckLoginRate(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), "not a url", 1, time.Second)
	require.Error(t, err)
}
