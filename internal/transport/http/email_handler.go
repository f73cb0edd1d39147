package httptransport

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"minusmail/backend/internal/domain"
)

// storeEmailRequest 写入邮件的请求体
type storeEmailRequest struct {
	From     string `json:"from"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"htmlBody"`
	TextBody string `json:"textBody"`
	Received string `json:"received,omitempty"`
}

// getEmailByID godoc
// @Summary 按ID获取邮件
// @Tags Emails
// @Param id path string true "邮件ID"
// @Success 200 {object} Response{data=domain.Email}
// @Failure 404 {object} Response
// @Router /email/id/{id} [get]
func (h *Handler) getEmailByID(c *gin.Context) {
	email, err := h.inbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, MsgInternalError)
		return
	}
	if email == nil {
		NotFound(c, MsgEmailNotFound)
		return
	}
	Success(c, gin.H{
		"emailId": email.ID,
		"email":   email,
	})
}

// listEmails godoc
// @Summary 获取邮箱内全部邮件
// @Description 按接收时间倒序返回，count 为索引基数（可能大于实际邮件数）
// @Tags Emails
// @Param username path string true "邮箱名"
// @Success 200 {object} Response
// @Router /email/username/{username} [get]
func (h *Handler) listEmails(c *gin.Context) {
	ctx := c.Request.Context()
	username := c.Param("username")

	emails, err := h.inbox.List(ctx, username)
	if err != nil {
		respondError(c, err, MsgListFailed)
		return
	}
	count, err := h.inbox.Count(ctx, username)
	if err != nil {
		respondError(c, err, MsgListFailed)
		return
	}
	if emails == nil {
		emails = []*domain.Email{}
	}

	Success(c, gin.H{
		"username": domain.NormalizeMailbox(username),
		"emails":   emails,
		"count":    count,
	})
}

// countEmails 返回索引基数
func (h *Handler) countEmails(c *gin.Context) {
	username := c.Param("username")
	count, err := h.inbox.Count(c.Request.Context(), username)
	if err != nil {
		respondError(c, err, MsgListFailed)
		return
	}
	Success(c, gin.H{
		"username": domain.NormalizeMailbox(username),
		"count":    count,
	})
}

// listEmailIDs 返回索引中的全部 ID
func (h *Handler) listEmailIDs(c *gin.Context) {
	username := c.Param("username")
	ids, err := h.inbox.ListIDs(c.Request.Context(), username)
	if err != nil {
		respondError(c, err, MsgListFailed)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	Success(c, gin.H{
		"username": domain.NormalizeMailbox(username),
		"emailIds": ids,
		"count":    len(ids),
	})
}

// latestEmail godoc
// @Summary 获取最新一封邮件
// @Tags Emails
// @Param username path string true "邮箱名"
// @Success 200 {object} Response{data=domain.Email}
// @Failure 404 {object} Response
// @Router /email/username/{username}/latest [get]
func (h *Handler) latestEmail(c *gin.Context) {
	email, err := h.inbox.GetMostRecent(c.Request.Context(), c.Param("username"))
	if err != nil {
		respondError(c, err, MsgListFailed)
		return
	}
	if email == nil {
		NotFound(c, MsgEmailNotFound)
		return
	}
	Success(c, email)
}

// storeEmail godoc
// @Summary 写入一封邮件
// @Description 保存后通过广播通道推送给该邮箱的实时会话
// @Tags Emails
// @Accept json
// @Param username path string true "邮箱名"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 503 {object} Response
// @Router /email/username/{username}/store [post]
func (h *Handler) storeEmail(c *gin.Context) {
	var req storeEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	email := &domain.Email{
		From:     req.From,
		Subject:  req.Subject,
		HTMLBody: req.HTMLBody,
		TextBody: req.TextBody,
	}
	if s := strings.TrimSpace(req.Received); s != "" {
		received, err := time.Parse(time.RFC3339, s)
		if err != nil {
			BadRequest(c, MsgInvalidReceived)
			return
		}
		email.Received = received.UTC()
	}

	result, err := h.deliverer.Deliver(c.Request.Context(), c.Param("username"), email)
	if err != nil {
		respondError(c, err, MsgStoreFailed)
		return
	}

	CreatedWithMsg(c, "邮件保存成功", gin.H{
		"username":  result.Mailbox,
		"emailId":   result.ID,
		"email":     result.Email,
		"published": result.Published,
	})
}

// removeEmail 删除一封邮件
func (h *Handler) removeEmail(c *gin.Context) {
	username := c.Param("username")
	id := c.Param("id")

	if err := h.inbox.Remove(c.Request.Context(), username, id); err != nil {
		respondError(c, err, MsgRemoveFailed)
		return
	}
	SuccessWithMsg(c, "邮件已删除", gin.H{
		"username": domain.NormalizeMailbox(username),
		"emailId":  id,
	})
}

// cleanupEmails 清理邮箱索引中的过期条目
func (h *Handler) cleanupEmails(c *gin.Context) {
	username := c.Param("username")
	removed, err := h.inbox.Cleanup(c.Request.Context(), username)
	if err != nil {
		respondError(c, err, MsgCleanupFailed)
		return
	}
	SuccessWithMsg(c, "过期邮件已清理", gin.H{
		"username": domain.NormalizeMailbox(username),
		"removed":  removed,
	})
}
