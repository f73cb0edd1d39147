package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/storage"
)

// Options Redis 存储选项
type Options struct {
	TTL       time.Duration // 记录与索引的保留时间，默认 900 秒
	OpTimeout time.Duration // 单次逻辑操作超时，默认 3 秒
	ScanCount int64         // SCAN 每批数量
}

// Store 基于 Redis 的邮件存储
//
// 键布局：
//   - <id>                    记录 JSON，带 TTL
//   - mailbox-index:<mailbox> 记录 ID 集合，每次写入刷新 TTL
//
// 多步写入用 pipeline 一次往返完成，但不是事务。
type Store struct {
	client *Client
	ttl    time.Duration
	opTTL  time.Duration
	scan   int64
	log    *zap.Logger
	newID  func() string
}

var _ storage.MailboxStore = (*Store)(nil)

// NewStore 创建 Redis 邮件存储，client 的生命周期由调用方管理
func NewStore(client *Client, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = storage.DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if opts.ScanCount <= 0 {
		opts.ScanCount = 100
	}
	return &Store{
		client: client,
		ttl:    opts.TTL,
		opTTL:  opts.OpTimeout,
		scan:   opts.ScanCount,
		log:    client.log,
		newID:  uuid.NewString,
	}
}

// Store 写入一封邮件
func (s *Store) Store(ctx context.Context, mailbox string, email *domain.Email) (string, error) {
	if email == nil {
		return "", domain.ErrMissingRecord
	}
	mailbox = domain.NormalizeMailbox(mailbox)

	record := email.Clone()
	record.ID = s.newID()
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	indexKey := storage.IndexKey(mailbox)
	_, err = s.client.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, record.ID, data, s.ttl)
		pipe.SAdd(ctx, indexKey, record.ID)
		pipe.Expire(ctx, indexKey, s.ttl)
		return nil
	})
	if err != nil {
		return "", unavailable("store", err)
	}

	s.log.Debug("email stored",
		zap.String("mailbox", mailbox),
		zap.String("id", record.ID),
	)
	return record.ID, nil
}

// Get 按 ID 读取记录
func (s *Store) Get(ctx context.Context, id string) (*domain.Email, error) {
	if id == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	data, err := s.client.rdb.Get(ctx, id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}

	var email domain.Email
	if err := json.Unmarshal(data, &email); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &email, nil
}

// ListIDs 返回索引中的全部 ID
func (s *Store) ListIDs(ctx context.Context, mailbox string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	ids, err := s.client.rdb.SMembers(ctx, storage.IndexKey(mailbox)).Result()
	if err != nil {
		return nil, unavailable("list ids", err)
	}
	return ids, nil
}

// ListRecords 解析索引中仍存在的记录
func (s *Store) ListRecords(ctx context.Context, mailbox string) ([]*domain.Email, error) {
	ids, err := s.ListIDs(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*domain.Email{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	values, err := s.client.rdb.MGet(ctx, ids...).Result()
	if err != nil {
		return nil, unavailable("list records", err)
	}

	emails := make([]*domain.Email, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 悬挂项：记录已过期
			continue
		}
		var email domain.Email
		if err := json.Unmarshal([]byte(raw), &email); err != nil {
			s.log.Warn("skip undecodable record",
				zap.String("id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		emails = append(emails, &email)
	}
	return emails, nil
}

// Count 返回索引基数
func (s *Store) Count(ctx context.Context, mailbox string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	n, err := s.client.rdb.SCard(ctx, storage.IndexKey(mailbox)).Result()
	if err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// Remove 从索引移除并删除记录
func (s *Store) Remove(ctx context.Context, mailbox, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	cmds, err := s.client.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, storage.IndexKey(mailbox), id)
		pipe.Del(ctx, id)
		return nil
	})
	if err != nil {
		// 两步各自生效，只报告失败的那一步
		var errs []error
		for _, cmd := range cmds {
			if cmd.Err() != nil {
				errs = append(errs, fmt.Errorf("%s: %w", cmd.Name(), cmd.Err()))
			}
		}
		if len(errs) == 0 {
			errs = append(errs, err)
		}
		return unavailable("remove", errors.Join(errs...))
	}
	return nil
}

// CleanupExpired 移除索引中的悬挂项
func (s *Store) CleanupExpired(ctx context.Context, mailbox string) (int, error) {
	ids, err := s.ListIDs(ctx, mailbox)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	exists := make([]*goredis.IntCmd, len(ids))
	_, err = s.client.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, id)
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("cleanup", err)
	}

	dangling := make([]interface{}, 0)
	for i, cmd := range exists {
		if cmd.Val() == 0 {
			dangling = append(dangling, ids[i])
		}
	}
	if len(dangling) == 0 {
		return 0, nil
	}

	removed, err := s.client.rdb.SRem(ctx, storage.IndexKey(mailbox), dangling...).Result()
	if err != nil {
		return 0, unavailable("cleanup", err)
	}

	s.log.Debug("dangling index entries removed",
		zap.String("mailbox", domain.NormalizeMailbox(mailbox)),
		zap.Int64("removed", removed),
	)
	return int(removed), nil
}

// ListMailboxes 用 SCAN 枚举邮箱索引
func (s *Store) ListMailboxes(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()

	seen := make(map[string]struct{})
	mailboxes := make([]string, 0)

	var cursor uint64
	for {
		keys, next, err := s.client.rdb.Scan(ctx, cursor, storage.IndexPrefix+"*", s.scan).Result()
		if err != nil {
			return nil, unavailable("list mailboxes", err)
		}
		for _, key := range keys {
			mb := strings.TrimPrefix(key, storage.IndexPrefix)
			if _, ok := seen[mb]; ok {
				continue
			}
			seen[mb] = struct{}{}
			mailboxes = append(mailboxes, mb)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return mailboxes, nil
}

// Ping 检查 Redis 是否可达
func (s *Store) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opTTL)
	defer cancel()
	return s.client.Ping(ctx) == nil
}

// Close 客户端由调用方关闭
func (s *Store) Close() error {
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, domain.ErrBackendUnavailable, err)
}
