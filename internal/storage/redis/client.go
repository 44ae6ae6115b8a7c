package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/chatcore/internal/storage"
	"github.com/redis/go-redis/v9"
)

const loginLimitPrefix = "login_limit:"

// Client — счётчик попыток входа в Redis: login_limit:{username}, INCR + EXPIRE на окно.
type Client struct {
	cli    *redis.Client
	max    int
	window time.Duration
}

var _ storage.LoginLimiter = (*Client)(nil)

func New(ctx context.Context, url string, max int, window time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cli, max, window), nil
}

// NewWithClient оборачивает готовый клиент (используется в тестах).
func NewWithClient(cli *redis.Client, max int, window time.Duration) *Client {
	return &Client{cli: cli, max: max, window: window}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// CheckLoginRate: первая попытка в окне ставит TTL, после max попыток — отказ до истечения ключа.
func (c *Client) CheckLoginRate(ctx context.Context, username string) (allowed bool, err error) {
	key := loginLimitPrefix + username
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if n == 1 {
		if err := c.cli.Expire(ctx, key, c.window).Err(); err != nil {
			return false, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return n <= int64(c.max), nil
}

// Reset снимает счётчик для имени.
func (c *Client) Reset(ctx context.Context, username string) error {
	return c.cli.Del(ctx, loginLimitPrefix+username).Err()
}
