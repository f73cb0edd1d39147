package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"minusmail/backend/internal/logger"
)

const checkTimeout = 3 * time.Second

// ErrStoreUnreachable 存储不可达
var ErrStoreUnreachable = errors.New("mailbox store unreachable")

// StorePinger 存储健康检查接口
type StorePinger interface {
	Ping(ctx context.Context) bool
}

// NotifierPinger 通知通道健康检查接口
type NotifierPinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
//
// 存活检查只看存储，就绪检查看通知通道。
type HealthChecker struct {
	health   healthcheck.Handler
	store    StorePinger
	notifier NotifierPinger
	logger   *zap.Logger
}

// NewHealthChecker 创建健康检查器，notifier 可以为空
func NewHealthChecker(store StorePinger, notifier NotifierPinger, log *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:   healthcheck.NewHandler(),
		store:    store,
		notifier: notifier,
		logger:   logger.OrNop(log),
	}

	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("store", healthcheck.Timeout(hc.checkStore, checkTimeout))

	if hc.notifier != nil {
		hc.health.AddReadinessCheck("notifier", healthcheck.Timeout(hc.checkNotifier, checkTimeout))
	}
}

func (hc *HealthChecker) checkStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if !hc.store.Ping(ctx) {
		hc.logger.Warn("store health check failed")
		return ErrStoreUnreachable
	}
	return nil
}

func (hc *HealthChecker) checkNotifier() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if err := hc.notifier.Ping(ctx); err != nil {
		hc.logger.Warn("notifier health check failed", zap.Error(err))
		return err
	}
	return nil
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查（包含存活检查）
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查，返回各组件状态
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.checkStore(); err != nil {
		results["store"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["store"] = "OK"
	}

	if hc.notifier == nil {
		results["notifier"] = "NOT_CONFIGURED"
	} else if err := hc.checkNotifier(); err != nil {
		results["notifier"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["notifier"] = "OK"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}

// Healthy 存储与通知通道均正常
func (hc *HealthChecker) Healthy() bool {
	if hc.checkStore() != nil {
		return false
	}
	return hc.notifier == nil || hc.checkNotifier() == nil
}
