package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"minusmail/backend/internal/auth/jwt"
	"minusmail/backend/internal/logger"
)

// ContextKeyOperator 上下文中保存运维令牌主体的键
const ContextKeyOperator = "operator"

// OperatorAuth 运维接口的 JWT 认证中间件
type OperatorAuth struct {
	jwtManager *jwt.Manager
	log        *zap.Logger
}

// NewOperatorAuth 创建运维认证中间件，manager 为空时所有运维接口返回 403
func NewOperatorAuth(jwtManager *jwt.Manager, log *zap.Logger) *OperatorAuth {
	return &OperatorAuth{
		jwtManager: jwtManager,
		log:        logger.OrNop(log),
	}
}

// Require 要求携带包含 scope 权限的运维令牌
func (oa *OperatorAuth) Require(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if oa.jwtManager == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "运维接口未启用",
			})
			return
		}

		token := extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "需要认证",
			})
			return
		}

		claims, err := oa.jwtManager.Validate(token)
		if err != nil {
			oa.log.Warn("invalid operator token",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "令牌无效或已过期",
			})
			return
		}

		if !claims.HasScope(scope) {
			oa.log.Warn("operator token missing scope",
				zap.String("operator", claims.Operator),
				zap.String("scope", scope),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "权限不足",
			})
			return
		}

		c.Set(ContextKeyOperator, claims.Operator)
		c.Next()
	}
}

// extractToken 从 Authorization 头提取 Bearer 令牌
func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
