package websocket

import (
	"encoding/json"

	"minusmail/backend/internal/domain"
)

// MessageType WebSocket 消息类型
type MessageType string

// 客户端发送的消息类型
const (
	MessageTypeJoin    MessageType = "join"
	MessageTypeTrigger MessageType = "trigger"
	MessageTypePing    MessageType = "ping"
)

// 服务端推送的消息类型
const (
	MessageTypeNewEmail MessageType = "new-email"
	MessageTypePong     MessageType = "pong"
	MessageTypeError    MessageType = "error"
)

// ClientMessage 客户端消息
type ClientMessage struct {
	Type    MessageType `json:"type"`
	Mailbox string      `json:"mailbox,omitempty"`
}

// ServerMessage 服务端消息
type ServerMessage struct {
	Type    MessageType   `json:"type"`
	Mailbox string        `json:"mailbox,omitempty"`
	Email   *domain.Email `json:"email,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func newEmailMessage(mailbox string, email *domain.Email) *ServerMessage {
	return &ServerMessage{Type: MessageTypeNewEmail, Mailbox: mailbox, Email: email}
}

func errorMessage(msg string) *ServerMessage {
	return &ServerMessage{Type: MessageTypeError, Error: msg}
}

func (m *ServerMessage) encode() ([]byte, error) {
	return json.Marshal(m)
}
