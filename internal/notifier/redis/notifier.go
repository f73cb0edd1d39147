package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/notifier"
)

// Notifier 基于 Redis PUBLISH/SUBSCRIBE 的广播通道
type Notifier struct {
	rdb       goredis.UniversalClient
	channel   string
	opTimeout time.Duration
	log       *zap.Logger
}

var _ notifier.Notifier = (*Notifier)(nil)

// New 创建 Redis 通知器，rdb 的生命周期由调用方管理
func New(rdb goredis.UniversalClient, channel string, opTimeout time.Duration, log *zap.Logger) *Notifier {
	if channel == "" {
		channel = notifier.DefaultChannel
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Notifier{
		rdb:       rdb,
		channel:   channel,
		opTimeout: opTimeout,
		log:       logger.OrNop(log),
	}
}

// Publish 发布通知
func (n *Notifier) Publish(ctx context.Context, a *domain.Announcement) error {
	data, err := a.Encode()
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.opTimeout)
	defer cancel()

	if err := n.rdb.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w: %w", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Subscribe 订阅频道直到 ctx 结束
func (n *Notifier) Subscribe(ctx context.Context, h notifier.Handler) error {
	ps := n.rdb.Subscribe(ctx, n.channel)
	defer ps.Close()

	// 等待订阅确认，之后发布的消息都能收到
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe: %w: %w", domain.ErrBackendUnavailable, err)
	}

	n.log.Info("subscribed to announcements", zap.String("channel", n.channel))

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("redis subscribe: %w: channel closed", domain.ErrBackendUnavailable)
			}
			notifier.Dispatch(n.log, []byte(msg.Payload), h)
		}
	}
}

// Ping 检查 Redis 是否可达
func (n *Notifier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.opTimeout)
	defer cancel()
	return n.rdb.Ping(ctx).Err()
}

// Close 客户端由调用方关闭
func (n *Notifier) Close() error {
	return nil
}
