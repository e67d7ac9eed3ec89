package pubsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// Handler 业务处理函数；必须幂等
type Handler func(ctx context.Context, ev Event) error

// Middleware 中间件（日志、去重、恢复等）
type Middleware func(Handler) Handler

// Chain 组合中间件，mws[0] 在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Subscription 取消订阅
type Subscription interface {
	Unsubscribe() error
}

// Bus 跨实例广播总线。Publish 即发即忘，不做断线缓冲
type Bus interface {
	Publish(ctx context.Context, channel string, ev Event) error
	// Subscribe pattern 支持末尾 "*" 单段通配
	Subscribe(pattern string, h Handler) (Subscription, error)
	// OnReconnect 总线恢复后回调（用于 presence 重新宣告）
	OnReconnect(fn func())
	Origin() string
	Close() error
}

// RecoverMiddleware 防止单条消息 panic 打断订阅协程
func RecoverMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev Event) (err error) {
			defer safe.Recover("pubsub:" + ev.Channel)
			return next(ctx, ev)
		}
	}
}

// LogMiddleware 记录处理失败与慢处理
func LogMiddleware(slow time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev Event) error {
			start := time.Now()
			err := next(ctx, ev)
			cost := time.Since(start)
			if err != nil {
				logger.Warn("[pubsub] handler failed",
					zap.String("event", ev.Name), zap.String("channel", ev.Channel),
					zap.String("id", ev.ID), zap.Error(err))
			} else if slow > 0 && cost > slow {
				logger.Warn("[pubsub] slow handler",
					zap.String("event", ev.Name), zap.String("channel", ev.Channel), zap.Duration("cost", cost))
			}
			return err
		}
	}
}

// Match 按 "." 分段匹配；"*" 匹配一段，">" 匹配剩余所有段
func Match(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	pt := strings.Split(pattern, ".")
	ct := strings.Split(channel, ".")
	for i, p := range pt {
		if p == ">" {
			return len(ct) > i
		}
		if i >= len(ct) {
			return false
		}
		if p != "*" && p != ct[i] {
			return false
		}
	}
	return len(pt) == len(ct)
}

// hooks 保存 OnReconnect 回调
type hooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *hooks) add(fn func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *hooks) fire(name string) {
	h.mu.Lock()
	fns := append([]func(){}, h.fns...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn := fn
		safe.Go(name, fn)
	}
}
