package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
	"minusmail/backend/internal/logger"
	"minusmail/backend/internal/monitoring"
)

// 投递类型，用于指标标签
const (
	deliveryAnnouncement = "announcement"
	deliveryBackfill     = "backfill"
	deliveryWelcome      = "welcome"
	deliveryTrigger      = "trigger"
	deliveryControl      = "control"
)

// Fetcher 读取邮箱最新一封邮件
type Fetcher interface {
	GetMostRecent(ctx context.Context, mailbox string) (*domain.Email, error)
}

// Options Hub 配置
type Options struct {
	AllowedOrigins []string
	// MailDomain 欢迎邮件中使用的域名
	MailDomain   string
	FetchTimeout time.Duration
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

// Hub 管理所有 WebSocket 会话与邮箱房间
type Hub struct {
	sessions   map[string]*Session            // sessionID -> Session
	rooms      map[string]map[string]*Session // mailbox -> sessionID -> Session
	register   chan *Session
	unregister chan *Session
	done       chan struct{}
	mu         sync.RWMutex

	fetcher        Fetcher
	allowedOrigins []string
	mailDomain     string
	fetchTimeout   time.Duration
	metrics        *monitoring.Metrics
	log            *zap.Logger
	now            func() time.Time
}

// NewHub 创建 Hub
func NewHub(fetcher Fetcher, opts Options) *Hub {
	allowedOrigins := opts.AllowedOrigins
	// 如果没有配置，默认允许所有
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Hub{
		sessions:       make(map[string]*Session),
		rooms:          make(map[string]map[string]*Session),
		register:       make(chan *Session),
		unregister:     make(chan *Session),
		done:           make(chan struct{}),
		fetcher:        fetcher,
		allowedOrigins: allowedOrigins,
		mailDomain:     opts.MailDomain,
		fetchTimeout:   opts.FetchTimeout,
		metrics:        opts.Metrics,
		log:            logger.OrNop(opts.Logger),
		now:            opts.Now,
	}
}

// Run 启动 Hub，ctx 结束时关闭所有会话
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("websocket hub stopped")
			return nil

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s.ID] = s
			count := len(h.sessions)
			h.mu.Unlock()
			h.metrics.UpdateGatewaySessions(count)
			h.log.Debug("session registered", zap.String("session", s.ID))

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s.ID]; ok {
				h.leaveLocked(s)
				delete(h.sessions, s.ID)
			}
			count := len(h.sessions)
			h.mu.Unlock()
			s.close()
			h.metrics.UpdateGatewaySessions(count)
			h.log.Debug("session unregistered", zap.String("session", s.ID))
		}
	}
}

// Sessions 返回当前会话数
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSize 返回加入指定邮箱的会话数
func (h *Hub) RoomSize(mailbox string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[domain.NormalizeMailbox(mailbox)])
}

// HandleAnnouncement 把新邮件推送给房间内的所有会话，可直接作为通知订阅回调
func (h *Hub) HandleAnnouncement(a *domain.Announcement) {
	if a == nil || a.Record == nil {
		return
	}
	h.metrics.RecordAnnouncementReceived()

	mailbox := domain.NormalizeMailbox(a.Mailbox)
	delivered := h.broadcast(mailbox, newEmailMessage(mailbox, a.Record), deliveryAnnouncement)
	h.log.Debug("announcement delivered",
		zap.String("mailbox", mailbox),
		zap.String("id", a.ID),
		zap.Int("sessions", delivered),
	)
}

// Trigger 对房间内所有会话重新推送最新邮件（没有邮件时推送欢迎邮件），返回送达的会话数
func (h *Hub) Trigger(ctx context.Context, mailbox string) (int, error) {
	mailbox, err := domain.ValidateMailbox(mailbox)
	if err != nil {
		return 0, err
	}

	email, _ := h.latestOrWelcome(ctx, mailbox)
	return h.broadcast(mailbox, newEmailMessage(mailbox, email), deliveryTrigger), nil
}

// latestOrWelcome 读取最新邮件，读取失败或为空时降级为欢迎邮件
func (h *Hub) latestOrWelcome(ctx context.Context, mailbox string) (*domain.Email, string) {
	ctx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()

	email, err := h.fetcher.GetMostRecent(ctx, mailbox)
	if err != nil {
		h.metrics.RecordError("fetch_latest", "websocket")
		h.log.Warn("fetch latest email failed, sending welcome",
			zap.String("mailbox", mailbox),
			zap.Error(err),
		)
	}
	if email == nil {
		return domain.NewWelcomeEmail(mailbox, h.mailDomain, h.now()), deliveryWelcome
	}
	return email, deliveryBackfill
}

// backfill 向刚加入房间的会话推送一封邮件，在读循环之外执行
func (h *Hub) backfill(s *Session, mailbox string) {
	email, kind := h.latestOrWelcome(context.Background(), mailbox)

	data, err := newEmailMessage(mailbox, email).encode()
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	// 读取期间会话可能已切换房间，或已经收到更新的实时邮件
	sent, stale := s.pushBackfill(mailbox, email, data)
	if stale {
		h.log.Debug("backfill skipped", zap.String("session", s.ID), zap.String("mailbox", mailbox))
		return
	}
	if h.recordSend(s, sent, kind) {
		h.log.Debug("backfill delivered",
			zap.String("session", s.ID),
			zap.String("mailbox", mailbox),
			zap.String("kind", kind),
		)
	}
}

// refresh 向单个会话重新推送最新邮件（没有邮件时推送欢迎邮件）
func (h *Hub) refresh(s *Session, mailbox string) {
	email, _ := h.latestOrWelcome(context.Background(), mailbox)
	if s.Mailbox() != mailbox {
		return
	}
	h.send(s, newEmailMessage(mailbox, email), deliveryTrigger)
}

// broadcast 向房间内的会话非阻塞推送消息
func (h *Hub) broadcast(mailbox string, msg *ServerMessage, kind string) int {
	data, err := msg.encode()
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[mailbox]))
	for _, s := range h.rooms[mailbox] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	live := msg.Email != nil && !msg.Email.IsWelcome()
	delivered := 0
	for _, s := range targets {
		var ok bool
		if live {
			ok = s.pushLive(mailbox, msg.Email.Received, data)
		} else {
			ok = s.trySend(data)
		}
		if h.recordSend(s, ok, kind) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) send(s *Session, msg *ServerMessage, kind string) bool {
	data, err := msg.encode()
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return false
	}
	return h.recordSend(s, s.trySend(data), kind)
}

func (h *Hub) recordSend(s *Session, ok bool, kind string) bool {
	if !ok {
		// 会话阻塞或已关闭，跳过
		h.metrics.RecordDeliveryDropped()
		h.log.Warn("session channel blocked, skipping", zap.String("session", s.ID))
		return false
	}
	h.metrics.RecordDelivery(kind)
	return true
}

// join 离开旧房间并加入新房间
func (h *Hub) join(s *Session, mailbox string) {
	h.mu.Lock()
	h.leaveLocked(s)
	if h.rooms[mailbox] == nil {
		h.rooms[mailbox] = make(map[string]*Session)
	}
	h.rooms[mailbox][s.ID] = s
	s.setMailbox(mailbox)
	h.mu.Unlock()

	h.log.Debug("session joined mailbox",
		zap.String("session", s.ID),
		zap.String("mailbox", mailbox),
	)
}

func (h *Hub) leaveLocked(s *Session) {
	mailbox := s.Mailbox()
	if mailbox == "" {
		return
	}
	if room, ok := h.rooms[mailbox]; ok {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(h.rooms, mailbox)
		}
	}
	s.setMailbox("")
}

// closeAll 关闭所有会话
func (h *Hub) closeAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.rooms = make(map[string]map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	h.metrics.UpdateGatewaySessions(0)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket 处理 WebSocket 连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		s := newSession(uuid.NewString(), conn, hub)
		select {
		case hub.register <- s:
		case <-hub.done:
			conn.Close()
			return
		}

		go s.writePump()
		go s.readPump()
	}
}
