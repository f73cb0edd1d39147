package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "minusmail/backend/internal/auth/jwt"
	"minusmail/backend/internal/config"
	"minusmail/backend/internal/health"
	"minusmail/backend/internal/ingest"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/monitoring"
	"minusmail/backend/internal/notifier"
	"minusmail/backend/internal/pool"
	"minusmail/backend/internal/service"
	"minusmail/backend/internal/smtp"
	httptransport "minusmail/backend/internal/transport/http"
	"minusmail/backend/internal/websocket"
)

const alertCheckInterval = 30 * time.Second

// main 启动同时包含 HTTP 查询接口、WebSocket 推送与 SMTP 接收的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting minusmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("storage", cfg.Storage.Type),
		zap.String("notifier", cfg.Notifier.Backend),
	)

	// 初始化监控系统
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)

	// 初始化存储层与广播通道
	bk, err := openBackends(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize backends", zap.Error(err))
	}
	defer bk.Close()

	// 后台任务池
	workers := pool.NewWorkerPool(cfg.Pool.Workers, cfg.Pool.QueueSize, log.Named("pool"))

	// 初始化服务层
	inbox := service.NewInboxService(bk.store, workers, metrics, log.Named("inbox"))
	sweeper := service.NewSweeper(bk.store, workers, metrics, log.Named("sweeper"))
	processor := ingest.NewProcessor(bk.store, bk.notifier, ingest.Options{
		MaxBodyBytes: cfg.Mailbox.MaxBodyBytes,
		Metrics:      metrics,
		Logger:       log.Named("ingest"),
	})

	healthChecker := health.NewHealthChecker(bk.store, bk.notifier, log.Named("health"))

	// 告警规则
	alerts := monitoring.NewAlertManager(log.Named("alert"))
	alerts.AddReceiver(monitoring.NewLogAlertReceiver(log.Named("alert")))
	alerts.AddRule(monitoring.BackendUnreachableRule("store", func(ctx context.Context) error {
		if !bk.store.Ping(ctx) {
			return health.ErrStoreUnreachable
		}
		return nil
	}))
	alerts.AddRule(monitoring.BackendUnreachableRule("notifier", bk.notifier.Ping))
	alerts.AddRule(monitoring.PublishFailureRule(processor.PublishFailures))

	// 创建 WebSocket Hub
	wsHub := websocket.NewHub(inbox, websocket.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MailDomain:     cfg.Mailbox.Domain,
		FetchTimeout:   cfg.Redis.OpTimeout,
		Metrics:        metrics,
		Logger:         log.Named("websocket"),
	})

	var jwtManager *jwtpkg.Manager
	if cfg.OperatorEnabled() {
		jwtManager = jwtpkg.NewManager(cfg.Operator.Secret, cfg.Operator.Issuer)
		log.Info("operator endpoints enabled", zap.String("issuer", cfg.Operator.Issuer))
	}

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Inbox:      inbox,
		Deliverer:  processor,
		Triggerer:  wsHub,
		Sweeper:    sweeper,
		Hub:        wsHub,
		Health:     healthChecker,
		Metrics:    metrics,
		JWTManager: jwtManager,
		Logger:     log.Named("http"),
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 创建 SMTP 服务器
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		limiter := smtp.NewConnectionLimiter(cfg.SMTP.MaxConns, cfg.SMTP.RatePerSec)
		smtpBackend := smtp.NewBackend(processor, cfg.Mailbox.AllowedDomains, int64(cfg.Mailbox.MaxBodyBytes), limiter, metrics, log.Named("smtp"))
		smtpServer = smtp.NewServer(smtpBackend, &cfg.SMTP)
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	workers.Start(groupCtx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
				zap.Strings("allowed_domains", cfg.Mailbox.AllowedDomains),
			)
			if err := smtpServer.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		return wsHub.Run(groupCtx)
	})

	// 广播订阅 goroutine
	group.Go(func() error {
		return subscribe(groupCtx, bk.notifier, wsHub.HandleAnnouncement, log.Named("subscriber"))
	})

	// 定期清扫悬挂索引 goroutine
	if cfg.Mailbox.SweepInterval > 0 {
		group.Go(func() error {
			return sweeper.Run(groupCtx, cfg.Mailbox.SweepInterval)
		})
	}

	// 告警检查 goroutine
	group.Go(func() error {
		return alerts.StartMonitoring(groupCtx, alertCheckInterval)
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	err = group.Wait()
	workers.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		bk.Close()
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly",
		zap.Int64("publish_failures", processor.PublishFailures()),
	)
}

// subscribe 订阅广播通道，连接断开时退避重试，直到 ctx 结束
func subscribe(ctx context.Context, n notifier.Notifier, h notifier.Handler, log *zap.Logger) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		log.Info("subscribing to announcements")
		err := n.Subscribe(ctx, h)
		if ctx.Err() != nil {
			log.Info("subscriber stopped")
			return nil
		}
		if err != nil {
			log.Error("announcement subscription failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			log.Warn("announcement subscription ended", zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
