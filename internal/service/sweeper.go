package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/monitoring"
	"minusmail/backend/internal/pool"
	"minusmail/backend/internal/storage"
)

// Sweeper 定期遍历所有邮箱索引并回收悬挂项
type Sweeper struct {
	store   storage.MailboxStore
	pool    *pool.WorkerPool
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewSweeper 创建清扫器
func NewSweeper(store storage.MailboxStore, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		pool:    workers,
		metrics: metrics,
		log:     logger.OrNop(log),
	}
}

// SweepOnce 执行一轮清扫，返回处理的邮箱数与移除的悬挂项数。
// 单个邮箱清理失败只记录日志，不影响其他邮箱。
func (s *Sweeper) SweepOnce(ctx context.Context) (int, int, error) {
	mailboxes, err := s.store.ListMailboxes(ctx)
	if err != nil {
		return 0, 0, err
	}

	// 结果通道带缓冲，协程池停止后排队任务被丢弃时不会阻塞等待方
	results := make(chan int, len(mailboxes))
	submitted := 0

	for _, mailbox := range mailboxes {
		mailbox := mailbox
		task := func() {
			n, err := s.store.CleanupExpired(ctx, mailbox)
			if err != nil {
				s.log.Warn("sweep mailbox failed", zap.String("mailbox", mailbox), zap.Error(err))
			}
			results <- n
		}

		if s.pool == nil {
			task()
		} else if err := s.pool.Submit(ctx, task); err != nil {
			s.log.Warn("sweep aborted", zap.Error(err))
			break
		}
		submitted++
	}

	removed := 0
	for i := 0; i < submitted; i++ {
		select {
		case n := <-results:
			removed += n
		case <-ctx.Done():
			return len(mailboxes), removed, ctx.Err()
		}
	}

	s.metrics.RecordSweep()
	s.metrics.RecordCleanup(removed)
	return len(mailboxes), removed, ctx.Err()
}

// Run 按 interval 周期清扫，直到 ctx 结束
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			mailboxes, removed, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.log.Error("sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.log.Info("sweep completed",
					zap.Int("mailboxes", mailboxes),
					zap.Int("removed", removed),
				)
			}
		}
	}
}
