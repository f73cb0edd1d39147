package domain

import (
	"fmt"
	"time"
)

// WelcomeLocalPart 欢迎邮件的发件人本地部分，用于区分系统合成邮件与真实邮件
const WelcomeLocalPart = "system"

// WelcomeID 欢迎邮件的固定 ID（不落库）
const WelcomeID = "welcome"

// Email 表示一封已存储的临时邮件。
//
// ID 在写入存储时分配，写入后记录不可变。
type Email struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	Subject  string    `json:"subject"`
	HTMLBody string    `json:"htmlBody"`
	TextBody string    `json:"textBody"`
	Received time.Time `json:"received"`
}

// Clone 返回记录的副本，避免共享指针被调用方修改
func (e *Email) Clone() *Email {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// IsWelcome 判断是否为系统合成的欢迎邮件
func (e *Email) IsWelcome() bool {
	return e != nil && e.ID == WelcomeID
}

// WelcomeSender 返回欢迎邮件的发件地址，例如 system@minusmail.com
func WelcomeSender(mailDomain string) string {
	return WelcomeLocalPart + "@" + mailDomain
}

// NewWelcomeEmail 合成一封欢迎邮件。
//
// 当邮箱中没有任何邮件（或回填失败）时，网关在加入时推送这封邮件，
// 保证客户端加入后总能收到恰好一条记录。
func NewWelcomeEmail(mailbox, mailDomain string, now time.Time) *Email {
	address := fmt.Sprintf("%s@%s", NormalizeMailbox(mailbox), mailDomain)
	return &Email{
		ID:       WelcomeID,
		From:     WelcomeSender(mailDomain),
		Subject:  "Welcome to MinusMail",
		HTMLBody: "<p>Welcome to your temporary email inbox! Any emails sent to <b>" + address + "</b> will appear here.</p>",
		TextBody: "Welcome to your temporary email inbox! Any emails sent to " + address + " will appear here.",
		Received: now.UTC(),
	}
}
