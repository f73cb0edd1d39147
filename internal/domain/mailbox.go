package domain

import (
	"sort"
	"strings"
)

// NormalizeMailbox 规范化邮箱标识（去除首尾空白并转小写）。
//
// 存储键、网关房间名和所有查询都必须先经过该函数。
func NormalizeMailbox(mailbox string) string {
	return strings.ToLower(strings.TrimSpace(mailbox))
}

// MailboxFromAddress 从完整邮箱地址中提取规范化的本地部分。
// 传入不含 @ 的字符串时原样规范化，兼容 "alice" 与 "alice@domain" 两种写法。
func MailboxFromAddress(address string) string {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	if at := strings.LastIndex(address, "@"); at >= 0 {
		address = address[:at]
	}
	return NormalizeMailbox(address)
}

// SortByRecency 按接收时间倒序排序，时间相同时按 ID 字典序升序
func SortByRecency(emails []*Email) {
	sort.SliceStable(emails, func(i, j int) bool {
		a, b := emails[i], emails[j]
		if !a.Received.Equal(b.Received) {
			return a.Received.After(b.Received)
		}
		return a.ID < b.ID
	})
}
