package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/middleware"
)

// triggerMailbox godoc
// @Summary 重新推送最新邮件
// @Description 向该邮箱的所有实时会话推送最新一封邮件，没有邮件时推送欢迎邮件
// @Tags Operator
// @Security Bearer
// @Param username path string true "邮箱名"
// @Success 200 {object} Response
// @Router /email/username/{username}/trigger [post]
func (h *Handler) triggerMailbox(c *gin.Context) {
	if h.triggerer == nil {
		InternalError(c, MsgTriggerFailed)
		return
	}

	username := c.Param("username")
	delivered, err := h.triggerer.Trigger(c.Request.Context(), username)
	if err != nil {
		respondError(c, err, MsgTriggerFailed)
		return
	}

	h.log.Info("mailbox triggered",
		zap.String("operator", c.GetString(middleware.ContextKeyOperator)),
		zap.String("mailbox", domain.NormalizeMailbox(username)),
		zap.Int("sessions", delivered),
	)
	Success(c, gin.H{
		"username":  domain.NormalizeMailbox(username),
		"delivered": delivered,
	})
}

// sweep godoc
// @Summary 立即执行一轮清扫
// @Tags Operator
// @Security Bearer
// @Success 200 {object} Response
// @Router /admin/sweep [post]
func (h *Handler) sweep(c *gin.Context) {
	if h.sweeper == nil {
		InternalError(c, MsgSweepFailed)
		return
	}

	mailboxes, removed, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		respondError(c, err, MsgSweepFailed)
		return
	}

	h.log.Info("manual sweep completed",
		zap.String("operator", c.GetString(middleware.ContextKeyOperator)),
		zap.Int("mailboxes", mailboxes),
		zap.Int("removed", removed),
	)
	Success(c, gin.H{
		"mailboxes": mailboxes,
		"removed":   removed,
	})
}
