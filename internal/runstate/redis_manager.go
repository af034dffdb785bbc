package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vladimiradmaev/health-importer/internal/config"
	apperrors "github.com/vladimiradmaev/health-importer/internal/errors"
)

// releaseScript deletes the lock only when it still holds the caller's run id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager shares run locks and statuses between importer processes.
type RedisManager struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisManager connects to Redis and verifies the connection.
func NewRedisManager(cfg config.RedisConfig) (*RedisManager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 6 * time.Hour
	}
	return &RedisManager{client: client, lockTTL: lockTTL}, nil
}

func lockKey(userID uint64) string {
	return fmt.Sprintf("import:user:%d:lock", userID)
}

func statusKey(runID string) string {
	return fmt.Sprintf("import:run:%s", runID)
}

// Acquire sets the lock key if absent. The TTL frees the lock of a crashed run.
func (m *RedisManager) Acquire(ctx context.Context, userID uint64, runID string) error {
	ok, err := m.client.SetNX(ctx, lockKey(userID), runID, m.lockTTL).Result()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "LOCK_FAILED", "Failed to acquire run lock")
	}
	if !ok {
		return apperrors.Derive(apperrors.ErrRunInProgress, nil)
	}
	return nil
}

func (m *RedisManager) Release(ctx context.Context, userID uint64, runID string) error {
	if err := releaseScript.Run(ctx, m.client, []string{lockKey(userID)}, runID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

func (m *RedisManager) SetStatus(ctx context.Context, status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode run status: %w", err)
	}
	if err := m.client.Set(ctx, statusKey(status.RunID), data, StatusTTL).Err(); err != nil {
		return fmt.Errorf("failed to store run status: %w", err)
	}
	return nil
}

func (m *RedisManager) GetStatus(ctx context.Context, runID string) (Status, bool, error) {
	data, err := m.client.Get(ctx, statusKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("failed to read run status: %w", err)
	}

	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return Status{}, false, fmt.Errorf("failed to decode run status: %w", err)
	}
	return status, true, nil
}

// Close closes the Redis connection
func (m *RedisManager) Close() error {
	return m.client.Close()
}
