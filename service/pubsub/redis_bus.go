package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus 基于 PSUBSCRIBE。go-redis 的 PubSub 会自动重连，
// 断线检测靠 ping 循环：由失败转为成功时触发 OnReconnect
type RedisBus struct {
	rdb    redis.UniversalClient
	origin string
	mws    []Middleware
	hooks  hooks
	down   atomic.Bool

	mu     sync.Mutex
	subs   []*redisSub
	cancel context.CancelFunc
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(rdb redis.UniversalClient, origin string, pingEvery time.Duration, mws ...Middleware) *RedisBus {
	if pingEvery <= 0 {
		pingEvery = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{rdb: rdb, origin: origin, mws: mws, cancel: cancel}
	safe.Go("redis-bus:health", func() { b.healthLoop(ctx, pingEvery) })
	return b
}

func (b *RedisBus) Origin() string { return b.origin }

func (b *RedisBus) OnReconnect(fn func()) { b.hooks.add(fn) }

func (b *RedisBus) healthLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, every)
		err := b.rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			if !b.down.Swap(true) {
				logger.Warn("[redis-bus] disconnected", zap.String("origin", b.origin), zap.Error(err))
			}
			continue
		}
		if b.down.Swap(false) {
			logger.Info("[redis-bus] reconnected", zap.String("origin", b.origin))
			b.hooks.fire("redis-bus:reconnect")
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, ev Event) error {
	ev.Channel = channel
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	data, err := encode(ev)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("encode event", "err", err.Error())
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return errs.ErrAdapterUnavailable.WrapMsg("redis publish", "channel", channel, "err", err.Error())
	}
	return nil
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Unsubscribe() error { return s.ps.Close() }

func (b *RedisBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	h = Chain(h, b.mws...)
	ctx := context.Background()
	ps := b.rdb.PSubscribe(ctx, pattern)
	// 等待订阅确认，保证返回后不丢消息
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.ErrAdapterUnavailable.WrapMsg("redis psubscribe", "pattern", pattern, "err", err.Error())
	}
	sub := &redisSub{ps: ps}
	safe.Go("redis-bus:"+pattern, func() {
		for m := range ps.Channel() {
			ev, err := decode([]byte(m.Payload))
			if err != nil {
				logger.Warn("[redis-bus] drop undecodable event", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			_ = h(context.Background(), ev)
		}
	})
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
	return nil
}
