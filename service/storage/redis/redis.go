package redis

import (
	"context"
	"fmt"
	"time"

	"PPRealtime/global/config"

	"github.com/redis/go-redis/v9"
)

// NewClient 创建并探活 Redis 客户端；cache / liveness / bus 共用同一个实例
func NewClient(ctx context.Context, c config.RedisConfig) (*redis.Client, error) {
	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = 20
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.Addr, err)
	}
	return rdb, nil
}
