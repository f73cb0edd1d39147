package storage

import (
	"context"
	"time"

	"minusmail/backend/internal/domain"
)

// DefaultTTL 邮件记录与邮箱索引的默认保留时间
const DefaultTTL = 900 * time.Second

// IndexPrefix 邮箱索引键前缀，完整键为 mailbox-index:<mailbox>
const IndexPrefix = "mailbox-index:"

// IndexKey 返回邮箱索引键，mailbox 会先规范化
func IndexKey(mailbox string) string {
	return IndexPrefix + domain.NormalizeMailbox(mailbox)
}

// MailboxStore 定义临时邮件的存取操作。
//
// 记录与索引各自独立过期，索引中可能残留已过期记录的 ID（悬挂项），
// 读取时静默跳过，由 CleanupExpired 惰性回收。
// 后端不可达或超时时返回包装了 domain.ErrBackendUnavailable 的错误。
type MailboxStore interface {
	// Store 分配新 ID 并写入记录，同时把 ID 加入邮箱索引并刷新索引 TTL
	Store(ctx context.Context, mailbox string, email *domain.Email) (string, error)
	// Get 按 ID 读取记录，不存在时返回 nil, nil
	Get(ctx context.Context, id string) (*domain.Email, error)
	// ListIDs 返回索引中的全部 ID，可能包含悬挂项
	ListIDs(ctx context.Context, mailbox string) ([]string, error)
	// ListRecords 解析索引中仍存在的记录，不保证顺序
	ListRecords(ctx context.Context, mailbox string) ([]*domain.Email, error)
	// Count 返回索引基数，是存活记录数的上界
	Count(ctx context.Context, mailbox string) (int64, error)
	// Remove 先从索引移除 ID 再删除记录，两步互不依赖
	Remove(ctx context.Context, mailbox, id string) error
	// CleanupExpired 移除索引中的悬挂项，返回移除数量
	CleanupExpired(ctx context.Context, mailbox string) (int, error)
	// ListMailboxes 枚举当前存在索引的邮箱
	ListMailboxes(ctx context.Context) ([]string, error)
	// Ping 检查后端是否可达
	Ping(ctx context.Context) bool
	Close() error
}
