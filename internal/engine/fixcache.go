package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"zonewatch/internal/model"
)

// CachedFix is the latest accepted fix for a device and when it was last
// evaluated. A zero EvaluatedAt means the evaluation has not succeeded yet.
type CachedFix struct {
	Fix         model.PositionFix `json:"fix"`
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// NeedsEvaluation reports whether the sweeper should re-run the fix: it
// never evaluated successfully, or its last evaluation is older than since.
// A zero since only selects failed evaluations.
func (c CachedFix) NeedsEvaluation(since time.Time) bool {
	if c.EvaluatedAt.IsZero() || c.EvaluatedAt.Before(c.Fix.IngestedAt) {
		return true
	}
	return !since.IsZero() && c.EvaluatedAt.Before(since)
}

type FixCache interface {
	Put(ctx context.Context, entry CachedFix) error
	Get(ctx context.Context, deviceID string) (CachedFix, bool, error)
	List(ctx context.Context) ([]CachedFix, error)
}

type memoryFixCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryFixEntry
}

type memoryFixEntry struct {
	CachedFix
	storedAt time.Time
}

func NewMemoryFixCache(ttl time.Duration) FixCache {
	return &memoryFixCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryFixEntry)}
}

func (c *memoryFixCache) Put(_ context.Context, entry CachedFix) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[entry.Fix.DeviceID]; ok && cur.Fix.Timestamp.After(entry.Fix.Timestamp) {
		return nil
	}
	c.entries[entry.Fix.DeviceID] = memoryFixEntry{CachedFix: entry, storedAt: c.now()}
	return nil
}

func (c *memoryFixCache) Get(_ context.Context, deviceID string) (CachedFix, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[deviceID]
	if !ok || c.expired(e) {
		return CachedFix{}, false, nil
	}
	return e.CachedFix, true, nil
}

func (c *memoryFixCache) List(context.Context) ([]CachedFix, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CachedFix, 0, len(c.entries))
	for id, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, id)
			continue
		}
		out = append(out, e.CachedFix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fix.DeviceID < out[j].Fix.DeviceID })
	return out, nil
}

func (c *memoryFixCache) expired(e memoryFixEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl
}

const (
	redisFixKeyPrefix = "zonewatch:fix:"
	redisFixIndex     = "zonewatch:fixes"
)

// redisFixCache stores one JSON value per device with a TTL plus a sorted set
// index scored by store time, so fixes survive restarts and are shared by
// every instance.
type redisFixCache struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisFixCache(client redis.Cmdable, ttl time.Duration) FixCache {
	return &redisFixCache{client: client, ttl: ttl, now: time.Now}
}

func (c *redisFixCache) Put(ctx context.Context, entry CachedFix) error {
	cur, ok, err := c.Get(ctx, entry.Fix.DeviceID)
	if err != nil {
		return err
	}
	if ok && cur.Fix.Timestamp.After(entry.Fix.Timestamp) {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cached fix: %w", err)
	}
	now := c.now()
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, redisFixKeyPrefix+entry.Fix.DeviceID, payload, c.ttl)
	pipe.ZAdd(ctx, redisFixIndex, redis.Z{Score: float64(now.Unix()), Member: entry.Fix.DeviceID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis fix cache put failed: %w", err)
	}
	return nil
}

func (c *redisFixCache) Get(ctx context.Context, deviceID string) (CachedFix, bool, error) {
	raw, err := c.client.Get(ctx, redisFixKeyPrefix+deviceID).Bytes()
	if err == redis.Nil {
		return CachedFix{}, false, nil
	}
	if err != nil {
		return CachedFix{}, false, fmt.Errorf("redis fix cache get failed: %w", err)
	}
	var entry CachedFix
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CachedFix{}, false, fmt.Errorf("decode cached fix %s: %w", deviceID, err)
	}
	return entry, true, nil
}

func (c *redisFixCache) List(ctx context.Context) ([]CachedFix, error) {
	now := c.now()
	if c.ttl > 0 {
		cutoff := strconv.FormatInt(now.Add(-c.ttl).Unix(), 10)
		if err := c.client.ZRemRangeByScore(ctx, redisFixIndex, "-inf", "("+cutoff).Err(); err != nil {
			return nil, fmt.Errorf("redis fix cache prune failed: %w", err)
		}
	}
	ids, err := c.client.ZRange(ctx, redisFixIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fix cache index failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisFixKeyPrefix + id
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fix cache mget failed: %w", err)
	}
	out := make([]CachedFix, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var entry CachedFix
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fix.DeviceID < out[j].Fix.DeviceID })
	return out, nil
}
