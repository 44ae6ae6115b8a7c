package startup

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig разбирает строку подключения и задаёт размер пула.
func PoolConfig(databaseURL string, maxConns int) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if poolCfg.MinConns < 2 && poolCfg.MaxConns >= 2 {
		poolCfg.MinConns = 2
	}
	return poolCfg, nil
}

// ConnectDBWithRetry подключается к Postgres с повторами и проверяет соединение пингом.
// Если за maxWait база так и не ответила, процесс завершается.
func ConnectDBWithRetry(poolCfg *pgxpool.Config, maxWait time.Duration, logPrefix string) *pgxpool.Pool {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for attempt := 1; ; attempt++ {
		pool, err := connectOnce(poolCfg)
		if err == nil {
			if attempt > 1 {
				logger.Infof("%sdb connected after %d attempts", logPrefix, attempt)
			}
			return pool
		}
		if time.Now().After(deadline) {
			logger.Errorf("%sdb unavailable (gave up after %v): %v", logPrefix, maxWait, err)
			logger.Flush(2 * time.Second)
			os.Exit(1)
		}
		logger.Errorf("%sdb attempt %d failed, retry in %v: %v", logPrefix, attempt, backoff, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func connectOnce(poolCfg *pgxpool.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
