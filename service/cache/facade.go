package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
)

type Options struct {
	DefaultTTL time.Duration // set 未指定 ttl 时使用
	MaxCost    int64         // 本地层最大字节数
}

func DefaultOptions() Options {
	return Options{DefaultTTL: 5 * time.Minute, MaxCost: 64 << 20}
}

// Facade 两级缓存：本地 ristretto + 共享 Tier（可为空）。
// 调用方负责 key 命名空间，例如 presence:<uid> / typing:<cid>:<uid>
type Facade struct {
	local  *ristretto.Cache
	remote Tier
	opts   Options
	log    *zap.Logger
}

func New(opts Options, remote Tier) (*Facade, error) {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultOptions().DefaultTTL
	}
	if opts.MaxCost <= 0 {
		opts.MaxCost = DefaultOptions().MaxCost
	}
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     opts.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("new local cache: %w", err)
	}
	return &Facade{local: local, remote: remote, opts: opts, log: logger.Named("cache")}, nil
}

func (f *Facade) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return f.opts.DefaultTTL
	}
	return ttl
}

func (f *Facade) setLocal(key string, b []byte, ttl time.Duration) {
	f.local.SetWithTTL(key, b, int64(len(b)), ttl)
	// ristretto 写入是异步的，等待落盘保证随后的读可见
	f.local.Wait()
}

// Get 命中返回 true 并解码到 out
func (f *Facade) Get(ctx context.Context, key string, out any) (bool, error) {
	if v, ok := f.local.Get(key); ok {
		if b, ok := v.([]byte); ok {
			return true, json.Unmarshal(b, out)
		}
	}
	if f.remote == nil {
		return false, nil
	}
	b, remaining, ok, err := f.remote.Get(ctx, key)
	if err != nil {
		// 二级缓存故障按未命中处理
		f.log.Warn("secondary get failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, err
	}
	ttl := f.opts.DefaultTTL
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	f.setLocal(key, b, ttl)
	return true, nil
}

// Set ttl<=0 使用默认 TTL；写穿两级
func (f *Facade) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("cache value not encodable", "key", key, "err", err.Error())
	}
	ttl = f.ttl(ttl)
	f.setLocal(key, b, ttl)
	if f.remote == nil {
		return nil
	}
	if err := f.remote.Set(ctx, key, b, ttl); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("cache set", "key", key, "err", err.Error())
	}
	return nil
}

func (f *Facade) Delete(ctx context.Context, key string) error {
	f.local.Del(key)
	f.local.Wait()
	if f.remote == nil {
		return nil
	}
	if err := f.remote.Delete(ctx, key); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("cache delete", "key", key, "err", err.Error())
	}
	return nil
}

func (f *Facade) Has(ctx context.Context, key string) (bool, error) {
	if _, ok := f.local.Get(key); ok {
		return true, nil
	}
	if f.remote == nil {
		return false, nil
	}
	ok, err := f.remote.Has(ctx, key)
	if err != nil {
		f.log.Warn("secondary has failed", zap.String("key", key), zap.Error(err))
		return false, nil
	}
	return ok, nil
}

// Clear 清空两级缓存。代价高，不要在请求路径上调用
func (f *Facade) Clear(ctx context.Context) error {
	f.local.Clear()
	if f.remote == nil {
		return nil
	}
	if err := f.remote.Clear(ctx); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("cache clear", "err", err.Error())
	}
	return nil
}

func (f *Facade) Close() {
	f.local.Close()
}

// GetAs 泛型读取
func GetAs[T any](ctx context.Context, f *Facade, key string) (T, bool, error) {
	var out T
	ok, err := f.Get(ctx, key, &out)
	if err != nil || !ok {
		var zero T
		return zero, false, err
	}
	return out, true, nil
}
