package chat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"PPRealtime/global"
	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/middleware"
	midsec "PPRealtime/middleware/security"
	chatService "PPRealtime/module/chat/service"
	notificationService "PPRealtime/module/notification/service"
	presenceModel "PPRealtime/module/presence/model"
	presenceService "PPRealtime/module/presence/service"
	"PPRealtime/service/pubsub"
	"PPRealtime/service/registry"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/safe"
	sec "PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PeerPresence 其他实例的 presence 查询（rpc.Manager）
type PeerPresence interface {
	Presence(ctx context.Context, userID string) (*presenceModel.Record, error)
}

type Deps struct {
	Registry      *registry.Registry
	Engine        *chatService.Engine
	Presence      *presenceService.Service
	Notifications *notificationService.Service // 可为空：未开启 postgres 时 notification:* 返回 NotFound
	Bus           pubsub.Bus
	Peer          PeerPresence // 可为空
}

type Options struct {
	WS   config.WSConfig
	Auth sec.Options
	// HandlerTimeout 单个事件处理上限
	HandlerTimeout time.Duration
	// ReorderWait 跨实例 message:created 乱序时最多等多久再从存储补洞
	ReorderWait time.Duration
}

func (o *Options) norm() {
	d := config.Default().WS
	if o.WS.PingInterval <= 0 {
		o.WS.PingInterval = d.PingInterval
	}
	if o.WS.PongWait <= o.WS.PingInterval {
		o.WS.PongWait = o.WS.PingInterval * 2
	}
	if o.WS.WriteWait <= 0 {
		o.WS.WriteWait = d.WriteWait
	}
	if o.WS.SendBuffer <= 0 {
		o.WS.SendBuffer = d.SendBuffer
	}
	if o.WS.MaxFrame <= 0 {
		o.WS.MaxFrame = d.MaxFrame
	}
}

// Server socket 网关：鉴权握手、事件分发、总线订阅后按本地注册表推送
type Server struct {
	deps  Deps
	opts  Options
	auth  *midsec.Options
	disp  *Dispatcher
	mids  *middleware.MiddlewareManager
	order *sequencer
	log   *zap.Logger

	subsMu sync.Mutex
	subs   []pubsub.Subscription

	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
}

func NewServer(deps Deps, opts Options) *Server {
	safe.MustNotNil(deps.Registry, "registry")
	safe.MustNotNil(deps.Engine, "chat engine")
	safe.MustNotNil(deps.Presence, "presence")
	safe.MustNotNil(deps.Bus, "bus")
	opts.norm()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:    deps,
		opts:    opts,
		auth:    midsec.DefaultOptions(opts.Auth),
		disp:    NewDispatcher(opts.HandlerTimeout),
		mids:    middleware.NewManager(),
		log:     logger.Named("gateway"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.order = newSequencer(opts.ReorderWait, deps.Engine.Range, s.emitCreated)
	s.registerHandlers()
	return s
}

func (s *Server) Disp() *Dispatcher { return s.disp }

// Middlewares 运行期可追加的外层中间件
func (s *Server) Middlewares() *middleware.MiddlewareManager { return s.mids }

// Routes gin 路由：/ws /healthz /presence/:userId
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(), s.mids.Use())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, global.Success(gin.H{
			"instance":    s.deps.Registry.InstanceID(),
			"connections": s.deps.Registry.Count(),
		}))
	})
	middleware.GET(r, "/ws", s.HandleWS, middleware.RouteOpt{
		Auth:   s.auth,
		Before: []gin.HandlerFunc{middleware.Origin(s.opts.WS.AllowedOrigins)},
	})
	middleware.GET(r, "/presence/:userId", s.handlePresence, middleware.RouteOpt{Auth: s.auth})
	return r
}

func (s *Server) handlePresence(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")
	rec, err := s.deps.Presence.Get(ctx, userID)
	if err != nil && !errs.IsValidation(err) && s.deps.Peer != nil {
		// 本地存储不可用，问其他实例
		peer, perr := s.deps.Peer.Presence(ctx, userID)
		if perr == nil {
			rec, err = peer, nil
		} else {
			s.log.Debug("peer presence failed", zap.String("user", userID), zap.Error(perr))
		}
	}
	if err != nil {
		status := http.StatusServiceUnavailable
		if errs.IsValidation(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, global.Fail(err))
		return
	}
	c.JSON(http.StatusOK, global.Success(rec))
}

// Close 退订总线、断开本地连接的读循环并等待退出
func (s *Server) Close(ctx context.Context) {
	s.mids.Set("drain", middleware.Drain("/healthz"))
	s.subsMu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.subsMu.Unlock()
	s.order.close()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("connections did not drain before deadline")
	}
}
