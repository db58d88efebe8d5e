package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"zonewatch/internal/model"
)

// Deduper remembers fix keys for a window. Seen records the key and reports
// whether it was already present.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// FixKey identifies an exact resubmission of the same report.
func FixKey(fix model.PositionFix) string {
	parts := fix.DeviceID + "|" +
		strconv.FormatFloat(fix.Lat, 'f', 7, 64) + "|" +
		strconv.FormatFloat(fix.Lon, 'f', 7, 64) + "|" +
		strconv.FormatInt(fix.Timestamp.UnixNano(), 10)
	h := sha256.Sum256([]byte(parts))
	return hex.EncodeToString(h[:])
}

type memoryDeduper struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewMemoryDeduper(size int, window time.Duration) Deduper {
	if size <= 0 {
		size = 50000
	}
	return &memoryDeduper{cache: expirable.NewLRU[string, struct{}](size, nil, window)}
}

func (d *memoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(key) {
		return true, nil
	}
	d.cache.Add(key, struct{}{})
	return false, nil
}

func (d *memoryDeduper) Forget(_ context.Context, key string) error {
	d.cache.Remove(key)
	return nil
}

const redisDedupePrefix = "zonewatch:dedupe:"

type redisDeduper struct {
	client redis.Cmdable
	window time.Duration
}

func NewRedisDeduper(client redis.Cmdable, window time.Duration) Deduper {
	return &redisDeduper{client: client, window: window}
}

func (d *redisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	fresh, err := d.client.SetNX(ctx, redisDedupePrefix+key, "1", d.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedupe failed: %w", err)
	}
	return !fresh, nil
}

func (d *redisDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, redisDedupePrefix+key).Err()
}

// noDedupe is used when the window is zero.
type noDedupe struct{}

func (noDedupe) Seen(context.Context, string) (bool, error) { return false, nil }
func (noDedupe) Forget(context.Context, string) error       { return nil }
