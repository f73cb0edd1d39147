package httptransport

import (
	"context"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "minusmail/backend/internal/auth/jwt"
	"minusmail/backend/internal/config"
	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/health"
	"minusmail/backend/internal/ingest"
	"minusmail/backend/internal/middleware"
	"minusmail/backend/internal/monitoring"
	"minusmail/backend/internal/service"
	"minusmail/backend/internal/websocket"
)

// Inbox 收件箱查询接口
type Inbox interface {
	List(ctx context.Context, mailbox string) ([]*domain.Email, error)
	Count(ctx context.Context, mailbox string) (int64, error)
	ListIDs(ctx context.Context, mailbox string) ([]string, error)
	Get(ctx context.Context, id string) (*domain.Email, error)
	GetMostRecent(ctx context.Context, mailbox string) (*domain.Email, error)
	Remove(ctx context.Context, mailbox, id string) error
	Cleanup(ctx context.Context, mailbox string) (int, error)
	Ping(ctx context.Context) bool
}

// Deliverer 写入路径：保存邮件并通知实时会话
type Deliverer interface {
	Deliver(ctx context.Context, mailbox string, email *domain.Email) (*ingest.Result, error)
}

// Triggerer 向房间重新推送最新邮件
type Triggerer interface {
	Trigger(ctx context.Context, mailbox string) (int, error)
}

// Sweeper 一轮全量清扫
type Sweeper interface {
	SweepOnce(ctx context.Context) (int, int, error)
}

var (
	_ Inbox     = (*service.InboxService)(nil)
	_ Deliverer = (*ingest.Processor)(nil)
	_ Triggerer = (*websocket.Hub)(nil)
	_ Sweeper   = (*service.Sweeper)(nil)
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Inbox      Inbox
	Deliverer  Deliverer
	Triggerer  Triggerer
	Sweeper    Sweeper
	Hub        *websocket.Hub
	Health     *health.HealthChecker
	Metrics    *monitoring.Metrics
	JWTManager *jwtpkg.Manager
	Logger     *zap.Logger
}

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	inbox     Inbox
	deliverer Deliverer
	triggerer Triggerer
	sweeper   Sweeper
	health    *health.HealthChecker
	log       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(mm.PanicRecovery())
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(int64(deps.Config.Mailbox.MaxBodyBytes)))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		inbox:     deps.Inbox,
		deliverer: deps.Deliverer,
		triggerer: deps.Triggerer,
		sweeper:   deps.Sweeper,
		health:    deps.Health,
		log:       log,
	}

	var jwtManager *jwtpkg.Manager
	if deps.Config.OperatorEnabled() {
		jwtManager = deps.JWTManager
	}
	operatorAuth := middleware.NewOperatorAuth(jwtManager, log)

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// 实时推送
	if deps.Hub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.Hub))
	}

	email := router.Group("/email")
	{
		email.GET("/health", handler.healthCheck)
		email.GET("/id/:id", handler.getEmailByID)

		user := email.Group("/username/:username")
		{
			user.GET("", handler.listEmails)
			user.GET("/count", handler.countEmails)
			user.GET("/ids", handler.listEmailIDs)
			user.GET("/latest", handler.latestEmail)
			user.POST("/store", handler.storeEmail)
			user.DELETE("/email/:id", handler.removeEmail)
			user.POST("/cleanup", handler.cleanupEmails)
			user.POST("/trigger", operatorAuth.Require(jwtpkg.ScopeTrigger), handler.triggerMailbox)
		}
	}

	admin := router.Group("/admin")
	{
		admin.POST("/sweep", operatorAuth.Require(jwtpkg.ScopeSweep), handler.sweep)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}

// healthCheck godoc
// @Summary 服务健康状态
// @Tags Health
// @Produce json
// @Success 200 {object} Response
// @Failure 503 {object} Response
// @Router /email/health [get]
func (h *Handler) healthCheck(c *gin.Context) {
	services := map[string]string{}
	healthy := h.inbox.Ping(c.Request.Context())
	if h.health != nil {
		services = h.health.CheckHealth()
		healthy = h.health.Healthy()
	} else if healthy {
		services["store"] = "OK"
	} else {
		services["store"] = "ERROR"
	}

	data := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	}
	if !healthy {
		data["status"] = "error"
		c.JSON(http.StatusServiceUnavailable, Response{
			Code: CodeServiceUnavailable,
			Msg:  MsgBackendUnavailable,
			Data: data,
		})
		return
	}
	Success(c, data)
}
