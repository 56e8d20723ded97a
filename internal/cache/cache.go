package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	// IssueGeneration returns the invalidation counter of an issue. It is 0
	// until the issue is first invalidated.
	IssueGeneration(ctx context.Context, issueID uuid.UUID) (int64, error)
	// SetIssue stores issue only while its generation still equals gen and
	// reports whether it did.
	SetIssue(ctx context.Context, issue *models.Issue, gen int64, ttl time.Duration) (bool, error)
	GetIssue(ctx context.Context, issueID uuid.UUID) (*models.Issue, bool, error)
	// InvalidateIssue bumps the generation and drops the cached issue.
	InvalidateIssue(ctx context.Context, issueID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// TryLock sets key only if it is absent. The lock expires after ttl.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// generationTTL must exceed the issue cache TTL.
const generationTTL = 24 * time.Hour

// setIfGeneration writes KEYS[1] only when KEYS[2] still holds ARGV[1].
// A missing generation key reads as 0.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then gen = '0' end
if gen ~= ARGV[1] then return 0 end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func (c *RedisCache) IssueGeneration(ctx context.Context, issueID uuid.UUID) (int64, error) {
	gen, err := c.client.Get(ctx, IssueGenKey(issueID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) SetIssue(ctx context.Context, issue *models.Issue, gen int64, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(issue)
	if err != nil {
		return false, fmt.Errorf("marshal issue: %w", err)
	}
	keys := []string{IssueKey(issue.ID), IssueGenKey(issue.ID)}
	stored, err := setIfGeneration.Run(ctx, c.client, keys,
		strconv.FormatInt(gen, 10), data, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

func (c *RedisCache) GetIssue(ctx context.Context, issueID uuid.UUID) (*models.Issue, bool, error) {
	data, found, err := c.Get(ctx, IssueKey(issueID))
	if err != nil || !found {
		return nil, false, err
	}
	var issue models.Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		// A stale or foreign payload counts as a miss.
		return nil, false, nil
	}
	return &issue, true, nil
}

func (c *RedisCache) InvalidateIssue(ctx context.Context, issueID uuid.UUID) error {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, IssueGenKey(issueID))
	pipe.Expire(ctx, IssueGenKey(issueID), generationTTL)
	pipe.Del(ctx, IssueKey(issueID))
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}
