package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/notifier"
)

const subscriberBuffer = 256

// Notifier 进程内广播，用于单进程开发环境和测试。
// 消息经过与 Redis 实现相同的 JSON 编解码。
type Notifier struct {
	mu      sync.RWMutex
	subs    map[int]chan []byte
	nextID  int
	closed  bool
	dropped int64
	log     *zap.Logger
}

var _ notifier.Notifier = (*Notifier)(nil)

// New 创建进程内通知器
func New(log *zap.Logger) *Notifier {
	return &Notifier{
		subs: make(map[int]chan []byte),
		log:  logger.OrNop(log),
	}
}

// Publish 发布通知，订阅者缓冲区满时丢弃该订阅者的这条消息
func (n *Notifier) Publish(ctx context.Context, a *domain.Announcement) error {
	data, err := a.Encode()
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}

	// 持有写锁发布，保证同一发布者的顺序
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("memory publish: %w: notifier closed", domain.ErrBackendUnavailable)
	}
	for id, ch := range n.subs {
		select {
		case ch <- data:
		default:
			n.dropped++
			n.log.Warn("subscriber buffer full, announcement dropped", zap.Int("subscriber", id))
		}
	}
	return nil
}

// Subscribe 注册订阅者并阻塞到 ctx 结束或通知器关闭
func (n *Notifier) Subscribe(ctx context.Context, h notifier.Handler) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("memory subscribe: %w: notifier closed", domain.ErrBackendUnavailable)
	}
	id := n.nextID
	n.nextID++
	ch := make(chan []byte, subscriberBuffer)
	n.subs[id] = ch
	n.mu.Unlock()

	defer n.unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			notifier.Dispatch(n.log, data, h)
		}
	}
}

func (n *Notifier) unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.subs[id]; ok {
		delete(n.subs, id)
		close(ch)
	}
}

// Subscribers 当前订阅者数量
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Dropped 因缓冲区满而丢弃的消息数
func (n *Notifier) Dropped() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped
}

// Ping 关闭后返回错误
func (n *Notifier) Ping(context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return fmt.Errorf("memory ping: %w: notifier closed", domain.ErrBackendUnavailable)
	}
	return nil
}

// Close 关闭所有订阅
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	return nil
}
