package global

import (
	"context"
	"fmt"
	"time"

	"PPRealtime/data/database/mgo/mongoutil"
	"PPRealtime/global/config"
	"PPRealtime/logger"
	"PPRealtime/service/kafka"
	mgoSrv "PPRealtime/service/mgo"
	"PPRealtime/service/pubsub"
	redisSrv "PPRealtime/service/storage/redis"
	"PPRealtime/tools/ids"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	idemPrefix = "rt:idem:"
	idemTTL    = 10 * time.Minute
	slowEvent  = 200 * time.Millisecond
)

func ConfigIds(cfg *config.AppConfig) {
	ids.SetNodeID(cfg.SnowNode)
}

func ConfigRedis(ctx context.Context, cfg *config.AppConfig) (*redis.Client, error) {
	rdb, err := redisSrv.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	logger.Info("[redis] connected", zap.String("addr", cfg.Redis.Addr))
	return rdb, nil
}

// ConfigMgo 后台连接 mongo，等到首次可用或 wait 超时
func ConfigMgo(ctx context.Context, cfg *config.AppConfig, wait time.Duration) (*mgoSrv.MongoManager, error) {
	m := mgoSrv.NewManager()
	m.StartAsync(ctx, &mongoutil.Config{
		Uri:         cfg.Mongo.Uri,
		Database:    cfg.Mongo.Database,
		Username:    cfg.Mongo.Username,
		Password:    cfg.Mongo.Password,
		MaxPoolSize: cfg.Mongo.MaxPoolSize,
	})
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := m.WaitReady(wctx); err != nil {
		return nil, err
	}
	return m, nil
}

// ConfigBus 按配置选择 fan-out 后端。进程内总线只适合单实例
func ConfigBus(cfg *config.AppConfig, rdb redis.UniversalClient) (pubsub.Bus, error) {
	mws := []pubsub.Middleware{
		pubsub.RecoverMiddleware(),
		pubsub.IdemMiddleware(pubsub.NewRedisIdem(rdb, idemPrefix+cfg.NodeId+":", idemTTL), idemTTL),
		pubsub.LogMiddleware(slowEvent),
	}
	switch cfg.Bus {
	case config.BusNats:
		b, err := pubsub.NewNatsBus(pubsub.NatsConfig{
			Servers:       cfg.Nats.Servers,
			User:          cfg.Nats.User,
			Password:      cfg.Nats.Password,
			ReconnectWait: cfg.Nats.ReconnectWait,
		}, cfg.NodeId, mws...)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BusRedis, "":
		return pubsub.NewRedisBus(rdb, cfg.NodeId, 0, mws...), nil
	case config.BusLocal:
		logger.Warn("[bus] local bus selected, events stay inside this process")
		return pubsub.NewHub().Bus(cfg.NodeId, mws...), nil
	default:
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
}

// ConfigKafka 未开启时返回 nil
func ConfigKafka(cfg *config.AppConfig) (kafka.Sender, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	s, err := kafka.Dial(cfg.Kafka)
	if err != nil {
		return nil, err
	}
	return s, nil
}
