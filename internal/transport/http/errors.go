package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	domain.ErrInvalidMailbox:  "邮箱名格式无效",
	domain.ErrMailboxTooLong:  "邮箱名过长（最多64个字符）",
	domain.ErrMissingRecord:   "缺少邮件内容",
	domain.ErrSubjectTooLong:  "邮件主题过长",
	domain.ErrBodyTooLarge:    "邮件正文过大",
	domain.ErrInvalidReceived: "接收时间无效",
	service.ErrMissingID:      "缺少邮件ID",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest     = "请求参数格式错误"
	MsgInvalidReceived    = "接收时间格式无效，应为 RFC3339"
	MsgEmailNotFound      = "邮件不存在"
	MsgBackendUnavailable = "存储服务暂不可用，请稍后重试"
	MsgListFailed         = "获取邮件列表失败"
	MsgStoreFailed        = "保存邮件失败"
	MsgRemoveFailed       = "删除邮件失败"
	MsgCleanupFailed      = "清理过期邮件失败"
	MsgTriggerFailed      = "推送失败"
	MsgSweepFailed        = "清扫失败"
	MsgInternalError      = "服务器内部错误，请稍后重试"
)

// respondError 按错误类型返回响应：校验错误 400，后端不可用 503，其余 500
func respondError(c *gin.Context, err error, fallback string) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, domain.ErrValidation):
		BadRequest(c, GetErrorMessage(err))
	case errors.Is(err, domain.ErrBackendUnavailable):
		ServiceUnavailable(c, MsgBackendUnavailable)
	default:
		InternalError(c, fallback)
	}
}
