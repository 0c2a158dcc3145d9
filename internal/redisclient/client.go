package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"consistency-checker/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrRunInProgress is returned when another validation of the same load test holds the lock
var ErrRunInProgress = errors.New("validation already running for this test")

// releaseLockScript deletes the lock only if it still carries the caller's token
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// RunLock is a held validation lock for one load test
type RunLock struct {
	key   string
	token string
}

// AcquireRunLock takes the per-test validation lock. It returns ErrRunInProgress when the lock
// is already held. The lock expires after ttl in case the holder dies.
func (c *Client) AcquireRunLock(ctx context.Context, testID string, ttl time.Duration) (*RunLock, error) {
	lock := &RunLock{
		key:   fmt.Sprintf("lock:validation:%s", testID),
		token: uuid.New().String(),
	}

	ok, err := c.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	return lock, nil
}

// ReleaseRunLock releases a lock acquired by AcquireRunLock. A lock that expired and was
// taken by someone else is left alone.
func (c *Client) ReleaseRunLock(ctx context.Context, lock *RunLock) error {
	if lock == nil {
		return nil
	}
	if err := c.releaseScript.Run(ctx, c.rdb, []string{lock.key}, lock.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

func reportKey(runID string) string {
	return fmt.Sprintf("report:%s", runID)
}

// CacheReport stores a report with TTL
func (c *Client) CacheReport(ctx context.Context, report *models.Report, ttl time.Duration) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return c.rdb.Set(ctx, reportKey(report.RunID), b, ttl).Err()
}

// GetCachedReport returns a cached report, or nil when it is not cached
func (c *Client) GetCachedReport(ctx context.Context, runID string) (*models.Report, error) {
	b, err := c.rdb.Get(ctx, reportKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var report models.Report
	if err := json.Unmarshal(b, &report); err != nil {
		return nil, fmt.Errorf("failed to decode cached report: %w", err)
	}
	return &report, nil
}
