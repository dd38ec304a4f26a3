package ws

import (
	"encoding/json"

	"realtimeServer/backend/internal/ot/delta"
)

// 入站消息统一信封，Type 决定哪些字段有意义。
// 字段名就是线上协议，改动要跟前端对齐。
type ClientMessage struct {
	Type        string          `json:"type"`
	NotebookID  string          `json:"notebookId,omitempty"`
	Operations  delta.Delta     `json:"operations,omitempty"`
	BaseVersion *uint64         `json:"baseVersion,omitempty"` // 不带就不做版本校验
	Position    json.RawMessage `json:"position,omitempty"`
	IsTyping    bool            `json:"isTyping,omitempty"`
	Status      string          `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// 广播里携带的身份摘要
type UserSummary struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// 房间快照里的单个成员
type RoomMember struct {
	ID       uint64          `json:"id"`
	Name     string          `json:"name"`
	Email    string          `json:"email,omitempty"`
	JoinedAt int64           `json:"joinedAt"` // 毫秒
	Cursor   json.RawMessage `json:"cursor,omitempty"`
	IsTyping bool            `json:"isTyping"`
}

// 出站事件接口，writeLoop 和广播只认这个
type OutboundMessage interface {
	MessageType() string
}

type ConnectedMessage struct {
	Type         string      `json:"type"` // "connected"
	ConnectionID string      `json:"connectionId"`
	User         UserSummary `json:"user"`
}

type NotebookJoinedMessage struct {
	Type        string       `json:"type"` // "notebook-joined"
	NotebookID  string       `json:"notebookId"`
	ActiveUsers []RoomMember `json:"activeUsers"`
	RoomSize    int          `json:"roomSize"`
}

type NotebookLeftMessage struct {
	Type       string `json:"type"` // "notebook-left"
	NotebookID string `json:"notebookId"`
}

type UserJoinedMessage struct {
	Type       string      `json:"type"` // "user-joined"
	NotebookID string      `json:"notebookId"`
	User       UserSummary `json:"user"`
	Timestamp  int64       `json:"timestamp"`
}

type UserLeftMessage struct {
	Type       string      `json:"type"` // "user-left"
	NotebookID string      `json:"notebookId"`
	User       UserSummary `json:"user"`
	Timestamp  int64       `json:"timestamp"`
	Reason     string      `json:"reason,omitempty"` // 断连清理时为 "disconnect"
}

type OperationMessage struct {
	Type       string      `json:"type"` // "operation"
	NotebookID string      `json:"notebookId"`
	Operations delta.Delta `json:"operations"`
	Version    uint64      `json:"version"`
	User       UserSummary `json:"user"`
	Timestamp  int64       `json:"timestamp"`
}

type OperationAckMessage struct {
	Type         string `json:"type"` // "operation-ack"
	NotebookID   string `json:"notebookId"`
	Version      uint64 `json:"version"`
	AppliedCount int    `json:"appliedCount"`
}

type CursorPositionMessage struct {
	Type       string          `json:"type"` // "cursor-position"
	NotebookID string          `json:"notebookId"`
	User       UserSummary     `json:"user"`
	Position   json.RawMessage `json:"position,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

type TypingMessage struct {
	Type       string      `json:"type"` // "typing"
	NotebookID string      `json:"notebookId"`
	User       UserSummary `json:"user"`
	IsTyping   bool        `json:"isTyping"`
	Timestamp  int64       `json:"timestamp"`
}

type PresenceMessage struct {
	Type       string      `json:"type"` // "presence"
	NotebookID string      `json:"notebookId"`
	User       UserSummary `json:"user"`
	Status     string      `json:"status"`
	Timestamp  int64       `json:"timestamp"`
}

type ChatMessage struct {
	Type       string      `json:"type"` // "chat-message"
	NotebookID string      `json:"notebookId"`
	MessageID  string      `json:"messageId"` // ULID：毫秒时间戳 + 随机后缀
	User       UserSummary `json:"user"`
	Message    string      `json:"message"`
	Timestamp  int64       `json:"timestamp"`
}

type ErrorMessage struct {
	Type           string  `json:"type"` // "error"
	Code           string  `json:"code"`
	Message        string  `json:"message"`
	Event          string  `json:"event,omitempty"` // 哪个入站事件触发的
	NotebookID     string  `json:"notebookId,omitempty"`
	CurrentVersion *uint64 `json:"currentVersion,omitempty"` // 仅版本冲突时带
}

func (m ConnectedMessage) MessageType() string      { return m.Type }
func (m NotebookJoinedMessage) MessageType() string { return m.Type }
func (m NotebookLeftMessage) MessageType() string   { return m.Type }
func (m UserJoinedMessage) MessageType() string     { return m.Type }
func (m UserLeftMessage) MessageType() string       { return m.Type }
func (m OperationMessage) MessageType() string      { return m.Type }
func (m OperationAckMessage) MessageType() string   { return m.Type }
func (m CursorPositionMessage) MessageType() string { return m.Type }
func (m TypingMessage) MessageType() string         { return m.Type }
func (m PresenceMessage) MessageType() string       { return m.Type }
func (m ChatMessage) MessageType() string           { return m.Type }
func (m ErrorMessage) MessageType() string          { return m.Type }
