package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tier 二级缓存（共享）；值为已编码的字节
type Tier interface {
	// Get 返回值与剩余 TTL（<=0 表示未知/永久）
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// Clear 只清理本命名空间
	Clear(ctx context.Context) error
}

// ===== Redis =====

type RedisTier struct {
	rdb redis.UniversalClient
	ns  string
}

func NewRedisTier(rdb redis.UniversalClient, namespace string) *RedisTier {
	return &RedisTier{rdb: rdb, ns: namespace}
}

func (t *RedisTier) key(k string) string { return t.ns + ":" + k }

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := t.rdb.Pipeline()
	getCmd := pipe.Get(ctx, t.key(key))
	ttlCmd := pipe.PTTL(ctx, t.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, err
	}
	b, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	ttl, _ := ttlCmd.Result()
	return b, ttl, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return t.rdb.Set(ctx, t.key(key), val, ttl).Err()
}

func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.rdb.Del(ctx, t.key(key)).Err()
}

func (t *RedisTier) Has(ctx context.Context, key string) (bool, error) {
	n, err := t.rdb.Exists(ctx, t.key(key)).Result()
	return n > 0, err
}

// Clear SCAN + DEL，批量 500
func (t *RedisTier) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, t.ns+":*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ===== 内存（测试 / 单机） =====

type memEntry struct {
	val    []byte
	expire time.Time
}

type MemTier struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
	// 注入故障，模拟二级缓存不可用
	fail error
}

func NewMemTier() *MemTier {
	return &MemTier{m: make(map[string]memEntry), now: time.Now}
}

// SetFailure 之后的所有调用返回 err；nil 恢复
func (t *MemTier) SetFailure(err error) {
	t.mu.Lock()
	t.fail = err
	t.mu.Unlock()
}

func (t *MemTier) getLocked(key string) (memEntry, bool) {
	e, ok := t.m[key]
	if !ok {
		return e, false
	}
	if !e.expire.IsZero() && !e.expire.After(t.now()) {
		delete(t.m, key)
		return e, false
	}
	return e, true
}

func (t *MemTier) Get(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return nil, 0, false, t.fail
	}
	e, ok := t.getLocked(key)
	if !ok {
		return nil, 0, false, nil
	}
	var ttl time.Duration
	if !e.expire.IsZero() {
		ttl = e.expire.Sub(t.now())
	}
	return append([]byte(nil), e.val...), ttl, true, nil
}

func (t *MemTier) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	e := memEntry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expire = t.now().Add(ttl)
	}
	t.m[key] = e
	return nil
}

func (t *MemTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	delete(t.m, key)
	return nil
}

func (t *MemTier) Has(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return false, t.fail
	}
	_, ok := t.getLocked(key)
	return ok, nil
}

func (t *MemTier) Clear(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.m = make(map[string]memEntry)
	return nil
}
