package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"price-ingest/internal/util"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	processedTTL  time.Duration
	logger        *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewClient creates a new Redis client. processedTTL bounds how long
// processed-checksum markers are kept; zero keeps them forever.
func NewClient(addr, password string, db int, processedTTL time.Duration) (*Client, error) {
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

	return newClient(rdb, processedTTL), nil
}

func newClient(rdb *redis.Client, processedTTL time.Duration) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		processedTTL:  processedTTL,
		logger:        util.GetLogger(),
		tokens:        make(map[string]string),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func lockKey(key string) string      { return "lock:file:" + key }
func processedKey(key string) string { return "processed:file:" + key }

// AcquireFileLock takes the per-file lock for ttl. It returns false when
// another worker holds it.
func (c *Client) AcquireFileLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire file lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	c.tokens[key] = token
	c.mu.Unlock()
	return true, nil
}

// ReleaseFileLock releases a lock taken by this client. A lock that expired
// and was taken over by another worker is left alone.
func (c *Client) ReleaseFileLock(ctx context.Context, key string) error {
	c.mu.Lock()
	token, ok := c.tokens[key]
	delete(c.tokens, key)
	c.mu.Unlock()

	if !ok {
		return nil
	}

	released, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKey(key)}, token).Int64()
	if err != nil {
		return fmt.Errorf("release file lock: %w", err)
	}
	if released == 0 {
		c.logger.Warn("File lock expired before release", zap.String("key", key))
	}
	return nil
}

// IsProcessed reports whether content with this key was already reconciled
func (c *Client) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, processedKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed marker: %w", err)
	}
	return n > 0, nil
}

// ProcessedBy returns the file id recorded with the processed marker
func (c *Client) ProcessedBy(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, processedKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read processed marker: %w", err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse processed marker %q: %w", val, err)
	}
	return id, nil
}

// MarkProcessed records that the file with fileID reconciled this content.
// The first marker wins.
func (c *Client) MarkProcessed(ctx context.Context, key string, fileID int64) error {
	if err := c.rdb.SetNX(ctx, processedKey(key), fileID, c.processedTTL).Err(); err != nil {
		return fmt.Errorf("write processed marker: %w", err)
	}
	return nil
}
