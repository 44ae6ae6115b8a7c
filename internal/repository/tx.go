package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatcore/internal/storage"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки репозиториев совпадают с ошибками storage, чтобы движок не зависел от реализации.
var (
	ErrNotFound      = storage.ErrNotFound
	ErrAlreadyExists = storage.ErrAlreadyExists
)

// withTx выполняет fn в транзакции: commit при nil, rollback при ошибке.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == pgerrcode.UniqueViolation
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == pgerrcode.ForeignKeyViolation
}

// Store — PostgreSQL-реализация storage.Store.
type Store struct {
	*UserRepository
	*ChatRepository
	*MessageRepository
}

var _ storage.Store = (*Store)(nil)

// NewStore собирает репозитории над одним пулом; limit — сколько сообщений хранится в чате.
func NewStore(pool *pgxpool.Pool, limit int) *Store {
	return &Store{
		UserRepository:    NewUserRepository(pool),
		ChatRepository:    NewChatRepository(pool, limit),
		MessageRepository: NewMessageRepository(pool, limit),
	}
}
