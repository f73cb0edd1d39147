package main

import (
	"fmt"

	"go.uber.org/zap"

	"minusmail/backend/internal/config"
	"minusmail/backend/internal/notifier"
	amqpnotifier "minusmail/backend/internal/notifier/amqp"
	memorynotifier "minusmail/backend/internal/notifier/memory"
	redisnotifier "minusmail/backend/internal/notifier/redis"
	"minusmail/backend/internal/storage"
	"minusmail/backend/internal/storage/memory"
	redisstore "minusmail/backend/internal/storage/redis"
)

// backends 持有存储、广播通道及其共享的 Redis 连接
type backends struct {
	store    storage.MailboxStore
	notifier notifier.Notifier
	redis    *redisstore.Client
	log      *zap.Logger
}

// openBackends 根据配置初始化存储和广播通道
func openBackends(cfg *config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{log: log}

	needRedis := cfg.Storage.Type == "redis" || cfg.Notifier.Backend == "redis"
	if needRedis {
		client, err := redisstore.New(&cfg.Redis, log.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.redis = client
	}

	switch cfg.Storage.Type {
	case "redis":
		b.store = redisstore.NewStore(b.redis, redisstore.Options{
			TTL:       cfg.Mailbox.TTL,
			OpTimeout: cfg.Redis.OpTimeout,
		})
		log.Info("using redis storage",
			zap.String("address", cfg.Redis.Address),
			zap.Duration("ttl", cfg.Mailbox.TTL),
		)
	default:
		b.store = memory.NewStore(cfg.Mailbox.TTL)
		log.Info("using memory storage (development mode)", zap.Duration("ttl", cfg.Mailbox.TTL))
	}

	switch cfg.Notifier.Backend {
	case "redis":
		b.notifier = redisnotifier.New(b.redis.Client(), cfg.Notifier.Channel, cfg.Redis.OpTimeout, log.Named("notifier"))
		log.Info("using redis pub/sub notifier", zap.String("channel", cfg.Notifier.Channel))
	case "amqp":
		n, err := amqpnotifier.New(cfg.Notifier.AMQPURL, cfg.Notifier.Exchange, cfg.Redis.OpTimeout, log.Named("notifier"))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect amqp: %w", err)
		}
		b.notifier = n
		log.Info("using amqp fanout notifier", zap.String("exchange", cfg.Notifier.Exchange))
	default:
		b.notifier = memorynotifier.New(log.Named("notifier"))
		log.Info("using in-process notifier (development mode)")
	}

	return b, nil
}

// Close 依次关闭广播通道、存储和 Redis 连接
func (b *backends) Close() {
	if b.notifier != nil {
		if err := b.notifier.Close(); err != nil {
			b.log.Warn("notifier close warning", zap.Error(err))
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Warn("store close warning", zap.Error(err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			b.log.Warn("redis close warning", zap.Error(err))
		}
	}
}
