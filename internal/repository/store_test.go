package repository

import (
	"context"
	"os"
	"testing"

	"github.com/chatcore/internal/storage"
	"github.com/chatcore/internal/storage/storetest"
	"github.com/chatcore/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Тесты идут на реальной БД: TEST_DATABASE_URL=postgres://... go test ./internal/repository/
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL не задан")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, migrations.Apply(ctx, pool))
	return pool
}

func TestStoreConformance(t *testing.T) {
	pool := testPool(t)
	storetest.Run(t, func(t *testing.T, limit int) storage.Store {
		return NewStore(pool, limit)
	})
}

func TestAppendToUnknownChat(t *testing.T) {
	pool := testPool(t)
	s := NewStore(pool, 10)
	_, err := s.AppendMessage(context.Background(), storetest.Message("00000000-missing", "x"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMigrationsAreRepeatable(t *testing.T) {
	pool := testPool(t)
	require.NoError(t, migrations.Apply(context.Background(), pool))
}

func TestClassifyPgErrors(t *testing.T) {
	require.False(t, isUniqueViolation(nil))
	require.False(t, isForeignKeyViolation(storage.ErrNotFound))
}
