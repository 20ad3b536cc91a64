package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"team-copilot-go/internal/config"
	"team-copilot-go/pkg/log"
)

// InitRedis 初始化 Redis 客户端连接并检查连通性。
func InitRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Redis client connected successfully")
	return rdb, nil
}
