package domain

import "errors"

// 管道错误分类
var (
	// ErrBackendUnavailable 存储或通知后端不可达（含超时）
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrNoRecipient 入站邮件缺少可解析的收件人，丢弃且不重试
	ErrNoRecipient = errors.New("no recipient")
	// ErrValidation 写入路径上的邮箱标识或邮件内容不合法
	ErrValidation = errors.New("validation error")
)
