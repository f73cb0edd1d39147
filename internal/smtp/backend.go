package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"minusmail/backend/internal/config"
	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/ingest"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/monitoring"
)

// Ingester 处理一封带信封收件人的原始邮件
type Ingester interface {
	ProcessFor(ctx context.Context, raw []byte, recipient string) (*ingest.Result, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收发往本系统域名的邮件，不做中继。
// 临时邮箱无需预先创建，任何合法的本地部分都会被接收。
type Backend struct {
	ingester     Ingester
	domains      map[string]struct{}
	maxBytes     int64
	limiter      *ConnectionLimiter
	metrics      *monitoring.Metrics
	log          *zap.Logger
	deliverLimit time.Duration
}

// NewBackend 创建 SMTP Backend
func NewBackend(ingester Ingester, allowedDomains []string, maxBytes int64, limiter *ConnectionLimiter, metrics *monitoring.Metrics, log *zap.Logger) *Backend {
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Backend{
		ingester:     ingester,
		domains:      domains,
		maxBytes:     maxBytes,
		limiter:      limiter,
		metrics:      metrics,
		log:          logger.OrNop(log),
		deliverLimit: 30 * time.Second,
	}
}

// NewServer 按配置创建 SMTP 服务器
func NewServer(be *Backend, cfg *config.SMTPConfig) *gosmtp.Server {
	s := gosmtp.NewServer(be)
	s.Addr = cfg.BindAddr
	s.Domain = cfg.Domain
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	s.MaxMessageBytes = be.maxBytes
	s.MaxRecipients = 50
	s.AllowInsecureAuth = true
	return s
}

// NewSession 创建新的 SMTP 会话，超过连接限制时返回 421
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	ip := remoteIP(c)
	if b.limiter != nil && !b.limiter.Acquire(ip) {
		b.metrics.RecordRateLimitBlock("smtp")
		b.log.Warn("smtp connection rejected by limiter", zap.String("ip", ip))
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b, ip: ip}, nil
}

func remoteIP(c *gosmtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return "unknown"
	}
	addr := c.Conn().RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

type session struct {
	backend    *Backend
	ip         string
	from       string
	recipients []string
	mailboxes  map[string]struct{}
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，拒绝非本系统域名（防止中继）
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	if _, ok := s.backend.domains[addr[at+1:]]; !ok {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	mailbox, err := domain.ValidateMailbox(addr[:at])
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "invalid mailbox name",
		}
	}

	// 不同域名下的同名地址落到同一个邮箱，只投递一次
	if s.mailboxes == nil {
		s.mailboxes = make(map[string]struct{})
	}
	if _, dup := s.mailboxes[mailbox]; dup {
		return nil
	}
	s.mailboxes[mailbox] = struct{}{}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 读取邮件内容并逐个收件人投递。
//
// 任一收件人投递成功即接受整封邮件，只有全部失败时才返回错误，
// 避免对端重试时为已成功的收件人重复写入。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, s.backend.maxBytes))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.deliverLimit)
	defer cancel()

	var firstErr error
	failed := 0
	for _, rcpt := range s.recipients {
		if _, err := s.backend.ingester.ProcessFor(ctx, raw, rcpt); err != nil {
			s.backend.log.Warn("smtp delivery failed",
				zap.String("ip", s.ip),
				zap.String("from", s.from),
				zap.String("rcpt", rcpt),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			failed++
		}
	}

	if firstErr == nil {
		return nil
	}
	if failed == len(s.recipients) {
		return toSMTPError(firstErr)
	}
	s.backend.log.Error("smtp message partially delivered",
		zap.String("ip", s.ip),
		zap.String("from", s.from),
		zap.Int("failed", failed),
		zap.Int("recipients", len(s.recipients)),
	)
	return nil
}

// toSMTPError 后端不可用返回临时错误让对端重试，其余为永久错误
func toSMTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary storage failure, try again later",
		}
	case errors.Is(err, ingest.ErrMalformed), errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNoRecipient):
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "message rejected",
		}
	default:
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 0, 0},
			Message:      "local error in processing",
		}
	}
}

// Reset 重置状态
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
	s.mailboxes = nil
}

// Logout 会话结束，归还连接许可
func (s *session) Logout() error {
	if s.backend.limiter != nil {
		s.backend.limiter.Release(s.ip)
	}
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
