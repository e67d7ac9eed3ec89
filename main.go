package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPRealtime/data/database"
	"PPRealtime/global"
	"PPRealtime/global/config"
	"PPRealtime/logger"
	chatService "PPRealtime/module/chat/service"
	chatStore "PPRealtime/module/chat/store"
	notificationService "PPRealtime/module/notification/service"
	notificationStore "PPRealtime/module/notification/store"
	presenceService "PPRealtime/module/presence/service"
	presenceStore "PPRealtime/module/presence/store"
	"PPRealtime/service/cache"
	"PPRealtime/service/chat"
	"PPRealtime/service/nacos"
	"PPRealtime/service/registry"
	"PPRealtime/service/rpc"
	"PPRealtime/service/storage"
	sec "PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "yaml config file")
	profile := flag.String("profile", "", "node profile: gateway_01 | gateway_02 | standalone")
	flag.Parse()

	if err := run(*cfgPath, *profile); err != nil {
		logger.Error("realtime exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(cfgPath, profile string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := config.ApplyProfile(cfg, profile); err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("bad log level, keep default", zap.String("level", cfg.LogLevel))
	}
	global.ConfigIds(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ===== 基础设施 =====
	rdb, err := global.ConfigRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	mgoCtx, cancelMgo := context.WithCancel(context.Background())
	defer cancelMgo()
	mgo, err := global.ConfigMgo(mgoCtx, cfg, 30*time.Second)
	if err != nil {
		return err
	}
	chatDB := chatStore.NewMongo(mgo)
	presenceDB := presenceStore.NewMongo(mgo)
	if err := database.EnsureIndexes(ctx, append(chatDB.Tables(), presenceDB)...); err != nil {
		return err
	}

	bus, err := global.ConfigBus(cfg, rdb)
	if err != nil {
		return err
	}
	defer bus.Close()

	facade, err := cache.New(cache.Options{
		DefaultTTL: cfg.Cache.DefaultTTL,
		MaxCost:    cfg.Cache.LocalMaxMem,
	}, cache.NewRedisTier(rdb, cfg.Cache.Namespace))
	if err != nil {
		return err
	}
	defer facade.Close()

	live := storage.NewOnlineStore(rdb, storage.OnlineConfig{NodeID: cfg.NodeId})

	// ===== 业务 =====
	reg := registry.New(cfg.NodeId, registry.Conf{TTL: cfg.Tunables.ConnTTL})
	pres := presenceService.New(presenceService.Deps{
		Store: presenceDB,
		Cache: facade,
		Bus:   bus,
		Live:  live,
		Conns: reg,
	}, presenceService.Options{Tunables: config.Current})
	reg.SetListener(pres)

	notes, closeNotes, err := notifications(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeNotes()

	engineDeps := chatService.Deps{
		Store:    chatDB,
		Cache:    facade,
		Bus:      bus,
		Presence: pres,
	}
	if notes != nil {
		engineDeps.Notifier = notes
	}
	engine := chatService.New(engineDeps, chatService.Options{Tunables: config.Current})

	gatewayDeps := chat.Deps{
		Registry:      reg,
		Engine:        engine,
		Presence:      pres,
		Notifications: notes,
		Bus:           bus,
	}
	if cfg.PresencePeer != "" {
		peer := rpc.NewManager(rpc.Config{Target: cfg.PresencePeer})
		peer.Start()
		defer peer.Stop()
		gatewayDeps.Peer = peer
	}
	gateway := chat.NewServer(gatewayDeps, chat.Options{
		WS:   cfg.WS,
		Auth: sec.Options{Secret: []byte(cfg.Jwt.Secret), Alg: cfg.Jwt.Alg},
	})
	if err := gateway.Subscribe(); err != nil {
		return err
	}

	// ===== 对外端口 =====
	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           gateway.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv, health := rpc.NewServer(pres)
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GrpcPort))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("[http] listening", zap.String("addr", httpSrv.Addr), zap.String("node", cfg.NodeId))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("[grpc] listening", zap.Int("port", cfg.GrpcPort))
		return grpcSrv.Serve(grpcLis)
	})
	if cfg.Nacos.Enabled {
		if err := startNacos(gctx, g, cfg); err != nil {
			logger.Warn("[nacos] disabled for this run", zap.Error(err))
		}
	}

	// ===== 优雅退出 =====
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.String("node", cfg.NodeId))
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		health.Shutdown()
		_ = httpSrv.Shutdown(sctx)
		// 先断连接：presence 需要在总线关闭前发出离线
		reg.Close(sctx)
		gateway.Close(sctx)
		pres.Close()
		engine.Wait()
		grpcSrv.GracefulStop()
		cancelMgo()
		return nil
	})
	return g.Wait()
}

// notifications postgres 未开启时返回 nil，网关对 notification:* 回 NotFound
func notifications(ctx context.Context, cfg *config.AppConfig) (*notificationService.Service, func(), error) {
	if !cfg.Postgres.Enabled {
		return nil, func() {}, nil
	}
	pg, err := notificationStore.NewPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, err
	}
	sender, err := global.ConfigKafka(cfg)
	if err != nil {
		// kafka 不可用时通知仍然落库，只是不外发
		logger.Warn("[kafka] producer unavailable, notifications stay unsent", zap.Error(err))
		sender = nil
	}
	svc := notificationService.New(pg, sender)
	return svc, func() {
		if sender != nil {
			_ = sender.Close()
		}
		pg.Close()
	}, nil
}

func startNacos(ctx context.Context, g *errgroup.Group, cfg *config.AppConfig) error {
	cc, err := nacos.NewConfigClient(cfg.Nacos)
	if err != nil {
		return err
	}
	w := nacos.NewWatcher(cc, cfg.Nacos.DataId, cfg.Nacos.Group, config.ApplyRemote)
	g.Go(func() error {
		if err := w.Run(ctx); err != nil {
			logger.Warn("[nacos] config watch stopped", zap.Error(err))
		}
		return nil
	})

	nc, err := nacos.NewNamingClient(cfg.Nacos)
	if err != nil {
		return err
	}
	ip := cfg.Nacos.AdvertiseIp
	if ip == "" {
		ip = localIP()
	}
	r := nacos.NewRegistry(nc, cfg.Nacos.ServiceName, ip, uint64(cfg.Port), nacos.GatewayMetadata(cfg.NodeId, cfg.GrpcPort))
	if err := r.Register(); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		r.Deregister()
		return nil
	})
	return nil
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && !n.IP.IsLoopback() && n.IP.To4() != nil {
			return n.IP.String()
		}
	}
	return "127.0.0.1"
}
