package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsConfig 客户端配置
type NatsConfig struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus core NATS 发布订阅（无持久化）
type NatsBus struct {
	nc     *nats.Conn
	origin string
	mws    []Middleware
	hooks  hooks

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ Bus = (*NatsBus)(nil)

func NewNatsBus(cfg NatsConfig, origin string, mws ...Middleware) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "realtime-" + origin
	}
	b := &NatsBus{origin: origin, mws: mws}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		// 断线期间不缓冲，Publish 直接失败
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[nats] disconnected", zap.String("origin", origin), zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[nats] reconnected", zap.String("origin", origin), zap.String("url", nc.ConnectedUrl()))
			b.hooks.fire("nats:reconnect")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("[nats] async error", zap.String("subject", subject), zap.Error(err))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrAdapterUnavailable.WrapMsg("nats connect", "err", err.Error())
	}
	b.nc = nc
	return b, nil
}

func (b *NatsBus) Origin() string { return b.origin }

func (b *NatsBus) OnReconnect(fn func()) { b.hooks.add(fn) }

func (b *NatsBus) Publish(_ context.Context, channel string, ev Event) error {
	if !b.nc.IsConnected() {
		return errs.ErrAdapterUnavailable.WrapMsg("nats not connected", "channel", channel)
	}
	ev.Channel = channel
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	data, err := encode(ev)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("encode event", "err", err.Error())
	}
	if err := b.nc.Publish(channel, data); err != nil {
		return errs.ErrAdapterUnavailable.WrapMsg("nats publish", "channel", channel, "err", err.Error())
	}
	return nil
}

func (b *NatsBus) Subscribe(pattern string, h Handler) (Subscription, error) {
	h = Chain(h, b.mws...)
	sub, err := b.nc.Subscribe(pattern, func(m *nats.Msg) {
		ev, err := decode(m.Data)
		if err != nil {
			logger.Warn("[nats] drop undecodable event", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		_ = h(context.Background(), ev)
	})
	if err != nil {
		return nil, errs.ErrAdapterUnavailable.WrapMsg("nats subscribe", "pattern", pattern, "err", err.Error())
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close 优雅关闭
func (b *NatsBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.nc.Drain()
}
