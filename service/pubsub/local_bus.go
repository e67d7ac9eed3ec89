package pubsub

import (
	"context"
	"sync"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

// Hub 进程内总线。每个 LocalBus 代表一个实例，用于单机部署和多实例测试
type Hub struct {
	mu        sync.RWMutex
	buses     map[string]*LocalBus
	duplicate bool
}

func NewHub() *Hub {
	return &Hub{buses: make(map[string]*LocalBus)}
}

// SetDuplicate 打开后每条事件投递两次，模拟总线重复投递
func (h *Hub) SetDuplicate(on bool) {
	h.mu.Lock()
	h.duplicate = on
	h.mu.Unlock()
}

// Bus 返回（或创建）某实例的总线
func (h *Hub) Bus(origin string, mws ...Middleware) *LocalBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.buses[origin]; ok {
		return b
	}
	b := &LocalBus{hub: h, origin: origin, mws: mws, connected: true}
	h.buses[origin] = b
	return b
}

// Disconnect 模拟实例与总线断开：发布失败，也收不到事件
func (h *Hub) Disconnect(origin string) {
	h.mu.RLock()
	b := h.buses[origin]
	h.mu.RUnlock()
	if b != nil {
		b.setConnected(false)
	}
}

// Reconnect 恢复并触发 OnReconnect
func (h *Hub) Reconnect(origin string) {
	h.mu.RLock()
	b := h.buses[origin]
	h.mu.RUnlock()
	if b != nil && !b.setConnected(true) {
		b.hooks.fire("local-bus:reconnect")
	}
}

func (h *Hub) route(ev Event) {
	h.mu.RLock()
	dup := h.duplicate
	targets := make([]*LocalBus, 0, len(h.buses))
	for _, b := range h.buses {
		targets = append(targets, b)
	}
	h.mu.RUnlock()

	for _, b := range targets {
		b.dispatch(ev)
		if dup {
			b.dispatch(ev)
		}
	}
}

type LocalBus struct {
	hub    *Hub
	origin string
	mws    []Middleware
	hooks  hooks

	mu        sync.RWMutex
	connected bool
	subs      []*localSub
	closed    bool
}

var _ Bus = (*LocalBus)(nil)

type localSub struct {
	bus     *LocalBus
	pattern string
	h       Handler
	ch      chan Event
	once    sync.Once
	done    chan struct{}
}

func (s *localSub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for i, x := range s.bus.subs {
			if x == s {
				s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// 每个订阅一个协程，保证同一订阅内按发布顺序处理
func (s *localSub) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.handle(ev)
		}
	}
}

func (s *localSub) handle(ev Event) {
	defer safe.Recover("local-bus:" + s.pattern)
	_ = s.h(context.Background(), ev)
}

func (b *LocalBus) Origin() string { return b.origin }

func (b *LocalBus) OnReconnect(fn func()) { b.hooks.add(fn) }

// 返回之前的状态
func (b *LocalBus) setConnected(on bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.connected
	b.connected = on
	return prev
}

func (b *LocalBus) Publish(_ context.Context, channel string, ev Event) error {
	b.mu.RLock()
	ok := b.connected && !b.closed
	b.mu.RUnlock()
	if !ok {
		return errs.ErrAdapterUnavailable.WrapMsg("local bus disconnected", "origin", b.origin, "channel", channel)
	}
	ev.Channel = channel
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	b.hub.route(ev)
	return nil
}

func (b *LocalBus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected || b.closed {
		return
	}
	for _, s := range b.subs {
		if !Match(s.pattern, ev.Channel) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// 订阅端积压，按至多一次语义丢弃
			logger.Warn("[local-bus] subscriber overflow, drop", zap.String("origin", b.origin), zap.String("channel", ev.Channel))
		}
	}
}

func (b *LocalBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	s := &localSub{
		bus:     b,
		pattern: pattern,
		h:       Chain(h, b.mws...),
		ch:      make(chan Event, 4096),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errs.ErrAdapterUnavailable.WrapMsg("local bus closed", "origin", b.origin)
	}
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	safe.Go("local-bus:"+pattern, s.loop)
	return s, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	subs := append([]*localSub(nil), b.subs...)
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	b.hub.mu.Lock()
	delete(b.hub.buses, b.origin)
	b.hub.mu.Unlock()
	return nil
}
