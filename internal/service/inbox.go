package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/monitoring"
	"minusmail/backend/internal/pool"
	"minusmail/backend/internal/storage"
)

// ErrMissingID 未提供邮件 ID
var ErrMissingID = fmt.Errorf("%w: missing email id", domain.ErrValidation)

// InboxService 封装收件箱查询、删除与惰性清理。
type InboxService struct {
	store   storage.MailboxStore
	pool    *pool.WorkerPool
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewInboxService 创建收件箱服务，pool 为空时惰性清理在当前协程执行
func NewInboxService(store storage.MailboxStore, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *InboxService {
	return &InboxService{
		store:   store,
		pool:    workers,
		metrics: metrics,
		log:     logger.OrNop(log),
	}
}

// List 返回邮箱内仍存活的邮件，按接收时间倒序。
// 索引基数大于实际记录数时说明存在悬挂项，顺带安排一次清理。
func (s *InboxService) List(ctx context.Context, mailbox string) ([]*domain.Email, error) {
	mailbox, err := domain.ValidateMailbox(mailbox)
	if err != nil {
		return nil, err
	}

	records, err := s.store.ListRecords(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	domain.SortByRecency(records)

	count, err := s.store.Count(ctx, mailbox)
	if err != nil {
		s.log.Warn("count mailbox failed", zap.String("mailbox", mailbox), zap.Error(err))
		return records, nil
	}
	if count > int64(len(records)) {
		s.scheduleCleanup(mailbox)
	}

	return records, nil
}

func (s *InboxService) scheduleCleanup(mailbox string) {
	task := func() {
		// 请求上下文可能已结束，清理使用独立上下文
		if _, err := s.cleanup(context.Background(), mailbox); err != nil {
			s.log.Warn("lazy cleanup failed", zap.String("mailbox", mailbox), zap.Error(err))
		}
	}

	if s.pool == nil {
		task()
		return
	}
	if !s.pool.TrySubmit(task) {
		s.log.Debug("cleanup queue full, skipped", zap.String("mailbox", mailbox))
	}
}

func (s *InboxService) cleanup(ctx context.Context, mailbox string) (int, error) {
	removed, err := s.store.CleanupExpired(ctx, mailbox)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.metrics.RecordCleanup(removed)
		s.log.Debug("dangling index entries removed",
			zap.String("mailbox", mailbox),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

// Count 返回索引基数
func (s *InboxService) Count(ctx context.Context, mailbox string) (int64, error) {
	mailbox, err := domain.ValidateMailbox(mailbox)
	if err != nil {
		return 0, err
	}
	return s.store.Count(ctx, mailbox)
}

// ListIDs 返回索引中的 ID，可能包含悬挂项
func (s *InboxService) ListIDs(ctx context.Context, mailbox string) ([]string, error) {
	mailbox, err := domain.ValidateMailbox(mailbox)
	if err != nil {
		return nil, err
	}
	return s.store.ListIDs(ctx, mailbox)
}

// Get 按 ID 读取邮件，不存在时返回 nil, nil
func (s *InboxService) Get(ctx context.Context, id string) (*domain.Email, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	return s.store.Get(ctx, id)
}

// GetMostRecent 返回最新的一封邮件，没有邮件时返回 nil, nil
func (s *InboxService) GetMostRecent(ctx context.Context, mailbox string) (*domain.Email, error) {
	records, err := s.List(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Remove 删除邮箱中的一封邮件
func (s *InboxService) Remove(ctx context.Context, mailbox, id string) error {
	mailbox, err := domain.ValidateMailbox(mailbox)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrMissingID
	}
	return s.store.Remove(ctx, mailbox, id)
}

// Cleanup 立即清理邮箱索引中的悬挂项
func (s *InboxService) Cleanup(ctx context.Context, mailbox string) (int, error) {
	mailbox, err := domain.ValidateMailbox(mailbox)
	if err != nil {
		return 0, err
	}
	return s.cleanup(ctx, mailbox)
}

// Ping 检查存储是否可达
func (s *InboxService) Ping(ctx context.Context) bool {
	return s.store.Ping(ctx)
}

