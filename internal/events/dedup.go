package events

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "XLayer-WalletBot/internal/errors"
)

// Deduper 识别重复投递的事件。
type Deduper interface {
	// Seen 记录 id 并返回它此前是否已经出现过。
	Seen(ctx context.Context, id string) (bool, error)
}

// DefaultDedupTTL 是事件 ID 的保留时间。
const DefaultDedupTTL = 10 * time.Minute

// MemoryDeduper 在进程内记录最近的事件 ID。
type MemoryDeduper struct {
	mu    sync.Mutex
	ttl   time.Duration
	seen  map[string]time.Time
	now   func() time.Time
	sweep time.Time
}

// NewMemoryDeduper 创建 MemoryDeduper。
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

// Seen 实现 Deduper 接口。
func (d *MemoryDeduper) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if now.Sub(d.sweep) > d.ttl {
		for key, expires := range d.seen {
			if now.After(expires) {
				delete(d.seen, key)
			}
		}
		d.sweep = now
	}
	if expires, ok := d.seen[id]; ok && now.Before(expires) {
		return true, nil
	}
	d.seen[id] = now.Add(d.ttl)
	return false, nil
}

// RedisDeduper 使用 SET NX EX 在多个实例间去重。
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper 创建 RedisDeduper。
func NewRedisDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "walletbot:dedup:"
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

// Seen 实现 Deduper 接口。
func (d *RedisDeduper) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+id, 1, d.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeQueueFailure, err, "写入去重标记失败")
	}
	return !ok, nil
}
