package database

import (
	"b3cifuzz/config"
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RedisParams struct {
	fx.In

	Config *config.AppConfig
	Logger *zap.Logger
}

// NewRedisClient returns nil when neither REDIS_URL nor a sentinel setup is
// configured, which disables the redis sink.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	var client *redis.Client
	var err error

	switch {
	case p.Config.RedisUrl == "" && p.Config.RedisSentinelHosts == "":
		p.Logger.Debug("redis not configured, redis sink disabled")
		return nil, nil
	case p.Config.RedisUrl != "":
		client, err = newRedisClient(p.Config.RedisUrl)
	default:
		client, err = newRedisFailoverClient(p.Config.RedisSentinelHosts, p.Config.RedisMasterName)
	}
	if err != nil {
		// sinks are best effort, a dead redis must not block the run
		p.Logger.Warn("failed to connect to redis, redis sink disabled", zap.Error(err))
		return nil, nil
	}

	p.Logger.Debug("Redis client created successfully")
	return client, nil
}

func newRedisFailoverClient(redisSentinelHostsString, redisMasterName string) (*redis.Client, error) {
	redisSentinelHosts := strings.Split(redisSentinelHostsString, ",")

	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    redisMasterName,
		SentinelAddrs: redisSentinelHosts,
		DB:            0,
	})

	return connect(client)
}

func newRedisClient(redisUrl string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, err
	}
	return connect(redis.NewClient(options))
}

// connect pings client and closes it when redis does not answer.
func connect(client *redis.Client) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
