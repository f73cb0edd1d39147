package memory

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"minusmail/backend/internal/cache"
	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/storage"
)

// Store 使用进程内 TTL 缓存保存邮件，语义与 Redis 实现一致，主要用于开发验证。
//
// 索引集合采用写时复制，读到的集合快照不会再被修改。
type Store struct {
	cache  *cache.LocalCache
	ttl    time.Duration
	closed atomic.Bool
	newID  func() string
}

var _ storage.MailboxStore = (*Store)(nil)

// Option 内存存储选项
type Option func(*options)

type options struct {
	clock           cache.Clock
	cleanupInterval time.Duration
}

// WithClock 注入时钟，测试用来模拟过期
func WithClock(clock cache.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithCleanupInterval 设置后台清理周期
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}

// NewStore 创建内存存储
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = storage.DefaultTTL
	}
	o := options{cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	var cacheOpts []cache.Option
	if o.clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(o.clock))
	}

	return &Store{
		cache: cache.NewLocalCache(ttl, o.cleanupInterval, cacheOpts...),
		ttl:   ttl,
		newID: uuid.NewString,
	}
}

type idSet map[string]struct{}

func (s *Store) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return fmt.Errorf("memory %s: %w: store closed", op, domain.ErrBackendUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory %s: %w: %w", op, domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Store 写入一封邮件
func (s *Store) Store(ctx context.Context, mailbox string, email *domain.Email) (string, error) {
	if err := s.check(ctx, "store"); err != nil {
		return "", err
	}
	if email == nil {
		return "", domain.ErrMissingRecord
	}

	record := email.Clone()
	record.ID = s.newID()
	s.cache.Set(record.ID, record, s.ttl)

	s.cache.Update(storage.IndexKey(mailbox), s.ttl, func(old interface{}, ok bool) interface{} {
		next := idSet{record.ID: {}}
		if ok {
			for id := range old.(idSet) {
				next[id] = struct{}{}
			}
		}
		return next
	})

	return record.ID, nil
}

// Get 按 ID 读取记录
func (s *Store) Get(ctx context.Context, id string) (*domain.Email, error) {
	if err := s.check(ctx, "get"); err != nil {
		return nil, err
	}
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, nil
	}
	email, ok := v.(*domain.Email)
	if !ok {
		return nil, nil
	}
	return email.Clone(), nil
}

func (s *Store) members(mailbox string) idSet {
	v, ok := s.cache.Get(storage.IndexKey(mailbox))
	if !ok {
		return nil
	}
	return v.(idSet)
}

// ListIDs 返回索引中的全部 ID
func (s *Store) ListIDs(ctx context.Context, mailbox string) ([]string, error) {
	if err := s.check(ctx, "list ids"); err != nil {
		return nil, err
	}
	set := s.members(mailbox)
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

// ListRecords 解析索引中仍存在的记录
func (s *Store) ListRecords(ctx context.Context, mailbox string) ([]*domain.Email, error) {
	if err := s.check(ctx, "list records"); err != nil {
		return nil, err
	}
	set := s.members(mailbox)
	emails := make([]*domain.Email, 0, len(set))
	for id := range set {
		if v, ok := s.cache.Get(id); ok {
			emails = append(emails, v.(*domain.Email).Clone())
		}
	}
	return emails, nil
}

// Count 返回索引基数
func (s *Store) Count(ctx context.Context, mailbox string) (int64, error) {
	if err := s.check(ctx, "count"); err != nil {
		return 0, err
	}
	return int64(len(s.members(mailbox))), nil
}

// Remove 从索引移除并删除记录
func (s *Store) Remove(ctx context.Context, mailbox, id string) error {
	if err := s.check(ctx, "remove"); err != nil {
		return err
	}
	s.removeFromIndex(mailbox, map[string]struct{}{id: {}})
	s.cache.Delete(id)
	return nil
}

// CleanupExpired 移除索引中的悬挂项
func (s *Store) CleanupExpired(ctx context.Context, mailbox string) (int, error) {
	if err := s.check(ctx, "cleanup"); err != nil {
		return 0, err
	}

	dangling := make(map[string]struct{})
	for id := range s.members(mailbox) {
		if !s.cache.Exists(id) {
			dangling[id] = struct{}{}
		}
	}
	if len(dangling) == 0 {
		return 0, nil
	}
	return s.removeFromIndex(mailbox, dangling), nil
}

// removeFromIndex 从索引中移除一组 ID，保持索引原有的过期时间，返回实际移除数量
func (s *Store) removeFromIndex(mailbox string, ids map[string]struct{}) int {
	removed := 0
	s.cache.Replace(storage.IndexKey(mailbox), func(v interface{}) interface{} {
		next := make(idSet)
		for id := range v.(idSet) {
			if _, drop := ids[id]; drop {
				removed++
				continue
			}
			next[id] = struct{}{}
		}
		if len(next) == 0 {
			return nil
		}
		return next
	})
	return removed
}

// ListMailboxes 枚举存在索引的邮箱
func (s *Store) ListMailboxes(ctx context.Context) ([]string, error) {
	if err := s.check(ctx, "list mailboxes"); err != nil {
		return nil, err
	}
	keys := s.cache.Keys(storage.IndexPrefix)
	mailboxes := make([]string, 0, len(keys))
	for _, key := range keys {
		mailboxes = append(mailboxes, strings.TrimPrefix(key, storage.IndexPrefix))
	}
	return mailboxes, nil
}

// Ping 关闭后返回 false
func (s *Store) Ping(ctx context.Context) bool {
	return s.check(ctx, "ping") == nil
}

// Close 停止后台清理，之后的调用都返回 ErrBackendUnavailable
func (s *Store) Close() error {
	s.closed.Store(true)
	s.cache.Close()
	return nil
}
