package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"minusmail/backend/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 64
)

// Session 代表一个 WebSocket 连接
type Session struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu      sync.RWMutex
	mailbox string
	// 加入后推送过的最新实时邮件的接收时间
	latest    time.Time
	hasLatest bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, conn *websocket.Conn, hub *Hub) *Session {
	return &Session{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Mailbox 返回当前加入的邮箱，未加入时为空
func (s *Session) Mailbox() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mailbox
}

func (s *Session) setMailbox(mailbox string) {
	s.mu.Lock()
	s.mailbox = mailbox
	s.latest = time.Time{}
	s.hasLatest = false
	s.mu.Unlock()
}

// pushLive 推送一封实时邮件并记录其接收时间
func (s *Session) pushLive(mailbox string, received time.Time, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.trySend(data) {
		return false
	}
	if s.mailbox == mailbox && (!s.hasLatest || received.After(s.latest)) {
		s.latest = received
		s.hasLatest = true
	}
	return true
}

// pushBackfill 推送加入时的回填邮件。
// 会话已切换邮箱，或已收到不早于该邮件的实时邮件时跳过（stale 为 true）。
func (s *Session) pushBackfill(mailbox string, email *domain.Email, data []byte) (sent, stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mailbox != mailbox {
		return false, true
	}
	if s.hasLatest && (email.IsWelcome() || !email.Received.After(s.latest)) {
		return false, true
	}
	return s.trySend(data), false
}

// trySend 非阻塞写入发送队列
func (s *Session) trySend(data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// readPump 处理客户端消息
func (s *Session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.log.Debug("websocket read error", zap.String("session", s.ID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.hub.send(s, errorMessage("invalid message"), deliveryControl)
			continue
		}
		s.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage 处理接收到的消息
func (s *Session) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeJoin:
		mailbox, err := domain.ValidateMailbox(msg.Mailbox)
		if err != nil {
			s.hub.send(s, errorMessage("invalid mailbox"), deliveryControl)
			return
		}
		s.hub.join(s, mailbox)
		go s.hub.backfill(s, mailbox)

	case MessageTypeTrigger:
		// 只能刷新自己已加入的邮箱，房间级触发走需要运维令牌的 HTTP 接口
		mailbox := s.Mailbox()
		if mailbox == "" {
			s.hub.send(s, errorMessage("join a mailbox first"), deliveryControl)
			return
		}
		if msg.Mailbox != "" && domain.NormalizeMailbox(msg.Mailbox) != mailbox {
			s.hub.send(s, errorMessage("trigger is limited to the joined mailbox"), deliveryControl)
			return
		}
		go s.hub.refresh(s, mailbox)

	case MessageTypePing:
		s.hub.send(s, &ServerMessage{Type: MessageTypePong}, deliveryControl)

	default:
		s.hub.send(s, errorMessage("unknown message type"), deliveryControl)
	}
}
