package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/monitoring"
	"minusmail/backend/internal/storage"
)

// 退出码，与 sysexits.h 一致
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitDataErr     = 65 // EX_DATAERR
	ExitUnavailable = 69 // EX_UNAVAILABLE
)

// Publisher 发布"邮件已存储"通知
type Publisher interface {
	Publish(ctx context.Context, a *domain.Announcement) error
}

// Options 处理器选项
type Options struct {
	MaxBodyBytes int
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

// Result 一次成功投递的结果
type Result struct {
	Mailbox   string
	ID        string
	Email     *domain.Email
	Published bool
}

// Processor 入站邮件处理器：解析、写入存储、发布通知。
//
// 发布失败只记录日志和计数，不回滚已写入的记录，
// 在线会话会错过这封邮件，但之后的查询仍能看到。
type Processor struct {
	store     storage.MailboxStore
	publisher Publisher
	validator *domain.Validator
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time

	publishFailures atomic.Int64
}

// NewProcessor 创建处理器，publisher 可以为 nil（只写存储）
func NewProcessor(store storage.MailboxStore, publisher Publisher, opts Options) *Processor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		store:     store,
		publisher: publisher,
		validator: domain.NewValidator(opts.MaxBodyBytes),
		metrics:   opts.Metrics,
		log:       logger.OrNop(opts.Logger),
		now:       now,
	}
}

// Process 处理一封原始邮件，收件人取自邮件头
func (p *Processor) Process(ctx context.Context, raw []byte) (*Result, error) {
	return p.ProcessFor(ctx, raw, "")
}

// ProcessFor 处理一封原始邮件，recipient 非空时（SMTP 信封收件人）优先于邮件头
func (p *Processor) ProcessFor(ctx context.Context, raw []byte, recipient string) (*Result, error) {
	start := p.now()

	msg, err := ParseMessage(raw)
	if err != nil {
		p.metrics.RecordIngestFailure("malformed")
		p.log.Warn("dropping unparseable message", zap.Int("size", len(raw)), zap.Error(err))
		return nil, err
	}
	if msg.BodyErr != nil {
		p.log.Warn("message body could not be decoded, storing raw text",
			zap.String("subject", msg.Subject),
			zap.Error(msg.BodyErr),
		)
	}

	if recipient == "" {
		recipient = msg.Recipient()
	}
	mailbox := domain.MailboxFromAddress(recipient)
	if mailbox == "" {
		p.metrics.RecordIngestFailure("no_recipient")
		p.log.Warn("dropping message without recipient",
			zap.String("from", msg.From),
			zap.String("subject", msg.Subject),
		)
		return nil, fmt.Errorf("ingest: %w", domain.ErrNoRecipient)
	}

	received := msg.Date
	if received.IsZero() {
		received = start
	}

	email := &domain.Email{
		From:     msg.From,
		Subject:  msg.Subject,
		HTMLBody: msg.HTML,
		TextBody: msg.Text,
		Received: received.UTC(),
	}
	return p.deliver(ctx, mailbox, email, "mime", start)
}

// Deliver 校验并写入一封已构造好的邮件，然后发布通知。
// Received 为零值时使用当前时间。
func (p *Processor) Deliver(ctx context.Context, mailbox string, email *domain.Email) (*Result, error) {
	return p.deliver(ctx, mailbox, email, "direct", p.now())
}

func (p *Processor) deliver(ctx context.Context, mailbox string, email *domain.Email, source string, start time.Time) (*Result, error) {
	mb, err := domain.ValidateMailbox(mailbox)
	if err != nil {
		p.metrics.RecordIngestFailure("validation")
		p.log.Warn("rejecting message for invalid mailbox", zap.String("mailbox", mailbox), zap.Error(err))
		return nil, err
	}

	if email != nil && email.Received.IsZero() {
		email = email.Clone()
		email.Received = p.now().UTC()
	}
	if err := p.validator.ValidateEmail(email); err != nil {
		p.metrics.RecordIngestFailure("validation")
		p.log.Warn("rejecting invalid message", zap.String("mailbox", mb), zap.Error(err))
		return nil, err
	}

	id, err := p.store.Store(ctx, mb, email)
	if err != nil {
		p.metrics.RecordIngestFailure("unavailable")
		p.log.Error("failed to store message", zap.String("mailbox", mb), zap.Error(err))
		return nil, err
	}

	record := email.Clone()
	record.ID = id
	result := &Result{Mailbox: mb, ID: id, Email: record}

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, domain.NewStoredAnnouncement(mb, record)); err != nil {
			p.publishFailures.Add(1)
			p.metrics.RecordPublishFailure()
			p.log.Warn("failed to publish announcement, live sessions will miss this message",
				zap.String("mailbox", mb),
				zap.String("id", id),
				zap.Error(err),
			)
		} else {
			result.Published = true
		}
	}

	p.metrics.RecordEmailIngested(source, p.now().Sub(start))
	p.log.Info("message stored",
		zap.String("mailbox", mb),
		zap.String("id", id),
		zap.String("from", record.From),
		zap.Bool("published", result.Published),
	)
	return result, nil
}

// PublishFailures 返回发布失败次数
func (p *Processor) PublishFailures() int64 {
	return p.publishFailures.Load()
}

// ExitCode 把处理结果映射为 MDA 退出码
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, domain.ErrNoRecipient),
		errors.Is(err, ErrMalformed),
		errors.Is(err, domain.ErrValidation):
		return ExitDataErr
	case errors.Is(err, domain.ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
