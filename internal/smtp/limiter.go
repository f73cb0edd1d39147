package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter 按来源 IP 限制 SMTP 并发连接数和新建连接速率
type ConnectionLimiter struct {
	maxConns int
	perSec   rate.Limit
	burst    int

	mu      sync.Mutex
	clients map[string]*clientState
}

type clientState struct {
	current int
	limiter *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 单个 IP 最大并发连接数，<= 0 表示不限制
//   - perSec: 单个 IP 每秒允许的新连接数，<= 0 表示不限制
func NewConnectionLimiter(maxConns int, perSec float64) *ConnectionLimiter {
	limit := rate.Inf
	burst := 0
	if perSec > 0 {
		limit = rate.Limit(perSec)
		burst = int(perSec)
		if burst < 1 {
			burst = 1
		}
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		perSec:   limit,
		burst:    burst,
		clients:  make(map[string]*clientState),
	}
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[ip]
	if !ok {
		st = &clientState{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.clients[ip] = st
	}

	if l.maxConns > 0 && st.current >= l.maxConns {
		return false
	}
	if !st.limiter.Allow() {
		return false
	}

	st.current++
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[ip]
	if !ok {
		return
	}
	if st.current > 0 {
		st.current--
	}
	// 空闲且令牌已补满的条目可以丢弃
	if st.current == 0 && (l.perSec == rate.Inf || st.limiter.Tokens() >= float64(l.burst)) {
		delete(l.clients, ip)
	}
}

// Current 某个 IP 当前连接数
func (l *ConnectionLimiter) Current(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.clients[ip]; ok {
		return st.current
	}
	return 0
}
