// Package notifier 把"邮件已存储"通知广播给所有订阅者（通常是各个网关进程）。
package notifier

import (
	"context"

	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
)

// DefaultChannel 默认广播频道
const DefaultChannel = "minusmail:announcements"

// Handler 处理一条已解码的通知
type Handler func(*domain.Announcement)

// Notifier 广播通道
//
// 每条通知都会送达所有订阅者，同一发布者的发布顺序保持不变。
// 不保证持久化，订阅者断开期间的通知会丢失。
type Notifier interface {
	// Publish 发布通知，后端不可达时返回包装了 domain.ErrBackendUnavailable 的错误
	Publish(ctx context.Context, a *domain.Announcement) error
	// Subscribe 阻塞接收通知直到 ctx 结束，无法解码的消息会被记录并跳过
	Subscribe(ctx context.Context, h Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// Dispatch 解码一条原始消息并交给 h，返回是否成功投递
func Dispatch(log *zap.Logger, data []byte, h Handler) bool {
	a, err := domain.DecodeAnnouncement(data)
	if err != nil {
		log.Warn("skip undecodable announcement",
			zap.Int("size", len(data)),
			zap.Error(err),
		)
		return false
	}
	h(a)
	return true
}
