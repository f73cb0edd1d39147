package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// 验证相关的错误定义，均可通过 errors.Is(err, ErrValidation) 判断
var (
	ErrInvalidMailbox  = fmt.Errorf("%w: invalid mailbox", ErrValidation)
	ErrMailboxTooLong  = fmt.Errorf("%w: mailbox too long (max 64 chars)", ErrValidation)
	ErrMissingRecord   = fmt.Errorf("%w: missing email record", ErrValidation)
	ErrSubjectTooLong  = fmt.Errorf("%w: subject too long", ErrValidation)
	ErrBodyTooLarge    = fmt.Errorf("%w: body too large", ErrValidation)
	ErrInvalidReceived = fmt.Errorf("%w: missing received time", ErrValidation)
)

// 验证常量
const (
	// RFC 5322 本地部分最大长度(@前面)
	MaxLocalPartLength = 64
	// RFC 5322 单行长度上限，用作主题长度上限
	MaxSubjectLength = 998
)

// 邮箱标识（已规范化）只允许小写字母、数字和 . _ + -，首尾必须是字母或数字
var mailboxRegex = regexp.MustCompile(`^[a-z0-9]$|^[a-z0-9][a-z0-9._+-]*[a-z0-9]$`)

// Validator 写入路径上的校验器
type Validator struct {
	maxBodyBytes int
}

// NewValidator 创建校验器，maxBodyBytes <= 0 表示不限制正文大小
func NewValidator(maxBodyBytes int) *Validator {
	return &Validator{maxBodyBytes: maxBodyBytes}
}

// ValidateEmail 校验待写入的邮件记录
func (v *Validator) ValidateEmail(email *Email) error {
	if email == nil {
		return ErrMissingRecord
	}
	if len(email.Subject) > MaxSubjectLength {
		return ErrSubjectTooLong
	}
	if v.maxBodyBytes > 0 && len(email.HTMLBody)+len(email.TextBody) > v.maxBodyBytes {
		return ErrBodyTooLarge
	}
	if email.Received.IsZero() {
		return ErrInvalidReceived
	}
	return nil
}

// ValidateMailbox 规范化并校验邮箱标识
func ValidateMailbox(mailbox string) (string, error) {
	mailbox = NormalizeMailbox(mailbox)
	if mailbox == "" {
		return "", ErrInvalidMailbox
	}
	if len(mailbox) > MaxLocalPartLength {
		return "", ErrMailboxTooLong
	}
	if !mailboxRegex.MatchString(mailbox) {
		return "", ErrInvalidMailbox
	}
	// 不允许连续的点
	if strings.Contains(mailbox, "..") {
		return "", ErrInvalidMailbox
	}
	return mailbox, nil
}
