package ws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"realtimeServer/backend/internal/authz"
	"realtimeServer/backend/internal/collab"
)

const (
	// 写一帧的最长等待
	writeWait = 10 * time.Second
	// 两个 pong 之间允许的最大间隔
	pongWait = 60 * time.Second
	// ping 周期要比 pongWait 短
	pingPeriod = (pongWait * 9) / 10
	// 单帧大小上限
	maxMessageSize = 64 * 1024
	// 出站队列长度，满了直接丢
	sendQueueSize = 32
)

// 事件类型常量即线上协议
const (
	EvtJoinNotebook   = "join-notebook"
	EvtLeaveNotebook  = "leave-notebook"
	EvtOperation      = "operation"
	EvtCursorPosition = "cursor-position"
	EvtTyping         = "typing"
	EvtPresence       = "presence"
	EvtChatMessage    = "chat-message"
)

// Conn 是一条已认证的 websocket 连接。读写各一个 goroutine：
// readLoop 独占入站处理和 joined 集合，writeLoop 独占写端，
// 两边只通过 send 队列说话。
type Conn struct {
	id    string
	ws    *websocket.Conn
	ident authz.Identity

	hub      *Hub
	registry *Registry
	svc      collab.Service
	access   collab.AccessChecker
	sem      *collab.SemaphoreControl

	// joined 只在 readLoop 协程里读写（含退出清理），不加锁
	joined map[string]struct{}

	// 最近一次收到业务消息的时间（UnixNano）。协议层的 ping/pong
	// 不算活跃，挂着不动的客户端照样会被清道夫剔掉。
	lastActivity atomic.Int64

	send      chan OutboundMessage
	closeOnce sync.Once

	log *logrus.Entry
}

func NewConn(wsConn *websocket.Conn, hub *Hub, registry *Registry, ident authz.Identity,
	svc collab.Service, access collab.AccessChecker, sem *collab.SemaphoreControl) *Conn {
	id := ulid.Make().String()
	c := &Conn{
		id:       id,
		ws:       wsConn,
		ident:    ident,
		hub:      hub,
		registry: registry,
		svc:      svc,
		access:   access,
		sem:      sem,
		joined:   make(map[string]struct{}),
		send:     make(chan OutboundMessage, sendQueueSize),
		log: logrus.WithFields(logrus.Fields{
			"component": "ws-conn",
			"conn_id":   id,
			"user_id":   ident.ID,
		}),
	}
	c.touch()
	return c
}

func (c *Conn) ID() string               { return c.id }
func (c *Conn) Identity() authz.Identity { return c.ident }

func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) summary() UserSummary {
	return UserSummary{ID: c.ident.ID, Name: c.ident.Name, Email: c.ident.Email}
}

// CloseTransport 强关底层连接（清道夫剔除用）。readLoop 随之读出
// 错误退出，房间清理统一走那一条断连路径。
func (c *Conn) CloseTransport(reason string) {
	c.closeOnce.Do(func() {
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
		_ = c.ws.Close()
	})
}

// SendMessage_Enqueue 非阻塞入队，队列满直接丢：
// 单个慢消费者不许拖垮整个房间的广播。
func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
		c.log.WithField("msg_type", msg.MessageType()).Warn("send queue full, message dropped")
	}
}

// readLoop 驱动这条连接的全部入站处理。单条消息处理失败只回 error
// 事件，连接继续活着；传输层出错才退出循环，退出时先做断连清理再
// 关 send 队列让 writeLoop 收尾。
func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.cleanup()
		close(c.send)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Warn("websocket read error")
			}
			return
		}

		// 活跃时间戳无条件刷新，哪怕这条消息后面没处理成
		c.touch()
		c.processRaw(ctx, raw)
	}
}

// processRaw 解析一帧并分发。解析失败只回错误事件，连接不断。
func (c *Conn) processRaw(ctx context.Context, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyError("", "", collab.Errf(collab.ErrMissingFields, "malformed payload"))
		return
	}
	c.dispatch(ctx, msg)
}

// writeLoop 独占写端：送 send 队列里的事件，周期发 ping 保活。
// send 被关掉时补一个 close 帧再退出。
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch 按事件类型分发。事件分两类：结构类（join/leave/
// operation/chat）失败必须回 error 事件；状态类（cursor/typing/
// presence）尽力而为，失败只打日志不回包。
func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case EvtJoinNotebook:
		if err := c.handleJoin(ctx, msg.NotebookID); err != nil {
			c.replyError(msg.Type, msg.NotebookID, err)
		}
	case EvtLeaveNotebook:
		if err := c.handleLeave(ctx, msg.NotebookID); err != nil {
			c.replyError(msg.Type, msg.NotebookID, err)
		}
	case EvtOperation:
		if err := c.handleOperation(ctx, msg); err != nil {
			c.replyError(msg.Type, msg.NotebookID, err)
		}
	case EvtChatMessage:
		if err := c.handleChat(msg); err != nil {
			c.replyError(msg.Type, msg.NotebookID, err)
		}
	case EvtCursorPosition:
		if err := c.handleCursor(ctx, msg); err != nil {
			c.log.WithError(err).WithField("notebook_id", msg.NotebookID).Debug("cursor update dropped")
		}
	case EvtTyping:
		if err := c.handleTyping(msg); err != nil {
			c.log.WithError(err).WithField("notebook_id", msg.NotebookID).Debug("typing update dropped")
		}
	case EvtPresence:
		if err := c.handlePresence(ctx, msg); err != nil {
			c.log.WithError(err).WithField("notebook_id", msg.NotebookID).Debug("presence update dropped")
		}
	default:
		c.log.WithField("msg_type", msg.Type).Debug("unknown message type ignored")
	}
}

// replyError 是错误翻译的唯一出口：handler 只返回 error，这里统一
// 转成发回发送方的 error 事件。版本冲突附带当前版本号，客户端拿它
// 重新拉内容再试。
func (c *Conn) replyError(event, notebookID string, err error) {
	ev := ErrorMessage{
		Type:       "error",
		Code:       collab.Code(err),
		Message:    err.Error(),
		Event:      event,
		NotebookID: notebookID,
	}
	var conflict *collab.ConflictError
	if errors.As(err, &conflict) {
		ev.CurrentVersion = &conflict.Current
	}
	c.SendMessage_Enqueue(ev)
}

// 加入笔记本：鉴权 -> 订阅 -> 镜像 -> 先广播 user-joined 再回
// notebook-joined 快照。重复加入会重跑整个流程，效果等价于刷新。
func (c *Conn) handleJoin(ctx context.Context, notebookID string) error {
	if notebookID == "" {
		return collab.Errf(collab.ErrMissingFields, "notebookId required")
	}

	allowed, err := c.access.CanAccess(ctx, c.ident.ID, notebookID, collab.ActionRead)
	if err != nil {
		return collab.Errf(collab.ErrInternal, "access check failed")
	}
	if !allowed {
		return collab.ErrAccessDenied
	}

	snapshot := c.hub.Subscribe(notebookID, c, c.ident)
	c.joined[notebookID] = struct{}{}

	// redis 镜像只是跨实例的参考值，失败不影响本次加入
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, notebookID, c.ident.ID, c.ident.Name, c.hub.presenceTTL); err != nil {
			c.log.WithError(err).Debug("presence mirror add failed")
		}
	}

	c.hub.Publish(notebookID, UserJoinedMessage{
		Type:       "user-joined",
		NotebookID: notebookID,
		User:       c.summary(),
		Timestamp:  time.Now().UnixMilli(),
	}, c)

	c.SendMessage_Enqueue(NotebookJoinedMessage{
		Type:        "notebook-joined",
		NotebookID:  notebookID,
		ActiveUsers: snapshot.ActiveUsers,
		RoomSize:    snapshot.RoomSize,
	})

	c.log.WithFields(logrus.Fields{
		"notebook_id": notebookID,
		"room_size":   snapshot.RoomSize,
	}).Info("joined notebook")
	return nil
}

// 离开笔记本。没加入过也回确认，离开是幂等的。
func (c *Conn) handleLeave(ctx context.Context, notebookID string) error {
	if notebookID == "" {
		return collab.Errf(collab.ErrMissingFields, "notebookId required")
	}

	delete(c.joined, notebookID)
	if c.hub.Unsubscribe(notebookID, c, c.ident.ID) {
		c.dropPresenceMirror(ctx, notebookID)
		c.hub.Publish(notebookID, UserLeftMessage{
			Type:       "user-left",
			NotebookID: notebookID,
			User:       c.summary(),
			Timestamp:  time.Now().UnixMilli(),
		}, c)
	}

	c.SendMessage_Enqueue(NotebookLeftMessage{Type: "notebook-left", NotebookID: notebookID})
	c.log.WithField("notebook_id", notebookID).Info("left notebook")
	return nil
}

// 编辑提交：全部校验和落库在 collab 服务里，这里只管收结果。
// 成功先广播给房间里其他人，再给发送方回 ack；失败只回发送方，
// 房间里其他人什么都看不到。
func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) error {
	// 信号量限制在途提交量，保护存储层
	if err := c.sem.Acquire(ctx); err != nil {
		return collab.Errf(collab.ErrInternal, "server busy")
	}
	defer c.sem.Release()

	applied, err := c.svc.Submit(ctx, msg.NotebookID, c.ident.ID, msg.Operations, msg.BaseVersion)
	if err != nil {
		return err
	}

	c.hub.Publish(msg.NotebookID, OperationMessage{
		Type:       "operation",
		NotebookID: msg.NotebookID,
		Operations: applied.Ops,
		Version:    applied.Version,
		User:       c.summary(),
		Timestamp:  applied.AppliedAt.UnixMilli(),
	}, c)

	c.SendMessage_Enqueue(OperationAckMessage{
		Type:         "operation-ack",
		NotebookID:   msg.NotebookID,
		Version:      applied.Version,
		AppliedCount: applied.AppliedCount,
	})
	return nil
}

// 聊天消息广播给房间里所有人，发送方也收一份同样的帧，
// 靠服务端生成的 messageId 和时间戳对齐各端展示。
func (c *Conn) handleChat(msg ClientMessage) error {
	if msg.NotebookID == "" {
		return collab.Errf(collab.ErrMissingFields, "notebookId required")
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return collab.Errf(collab.ErrMissingFields, "Invalid message content")
	}

	c.hub.Publish(msg.NotebookID, ChatMessage{
		Type:       "chat-message",
		NotebookID: msg.NotebookID,
		MessageID:  ulid.Make().String(),
		User:       c.summary(),
		Message:    text,
		Timestamp:  time.Now().UnixMilli(),
	}, nil)
	return nil
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) error {
	if msg.NotebookID == "" {
		return errors.New("notebookId required")
	}
	if !c.hub.UpdateCursor(msg.NotebookID, c.ident.ID, msg.Position) {
		return errors.New("not a member of notebook")
	}

	if c.hub.presence != nil && len(msg.Position) > 0 {
		if err := c.hub.presence.SetCursor(ctx, msg.NotebookID, c.ident.ID, msg.Position, c.hub.presenceTTL); err != nil {
			c.log.WithError(err).Debug("cursor mirror failed")
		}
	}

	c.hub.Publish(msg.NotebookID, CursorPositionMessage{
		Type:       "cursor-position",
		NotebookID: msg.NotebookID,
		User:       c.summary(),
		Position:   msg.Position,
		Timestamp:  time.Now().UnixMilli(),
	}, c)
	return nil
}

func (c *Conn) handleTyping(msg ClientMessage) error {
	if msg.NotebookID == "" {
		return errors.New("notebookId required")
	}
	if !c.hub.SetTyping(msg.NotebookID, c.ident.ID, msg.IsTyping) {
		return errors.New("not a member of notebook")
	}

	c.hub.Publish(msg.NotebookID, TypingMessage{
		Type:       "typing",
		NotebookID: msg.NotebookID,
		User:       c.summary(),
		IsTyping:   msg.IsTyping,
		Timestamp:  time.Now().UnixMilli(),
	}, c)
	return nil
}

func (c *Conn) handlePresence(ctx context.Context, msg ClientMessage) error {
	if msg.NotebookID == "" {
		return errors.New("notebookId required")
	}
	// 没加入过的房间不能刷在场状态，不然镜像里会出现幽灵成员
	if _, ok := c.joined[msg.NotebookID]; !ok {
		return errors.New("not a member of notebook")
	}

	// 上报在场状态顺带续命 redis 里的 TTL
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, msg.NotebookID, c.ident.ID, c.ident.Name, c.hub.presenceTTL); err != nil {
			c.log.WithError(err).Debug("presence mirror refresh failed")
		}
	}

	c.hub.Publish(msg.NotebookID, PresenceMessage{
		Type:       "presence",
		NotebookID: msg.NotebookID,
		User:       c.summary(),
		Status:     msg.Status,
		Timestamp:  time.Now().UnixMilli(),
	}, c)
	return nil
}

// cleanup 对每个已加入的房间做断连清理：摘成员、给剩下的人广播
// user-left（reason=disconnect）、清镜像，最后从注册表摘掉连接。
// 主动 leave 和被清道夫剔除最终都落到这里。
func (c *Conn) cleanup() {
	// 请求级 ctx 在这时可能已经随连接一起取消了，镜像清理用
	// 自己的短超时
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now().UnixMilli()
	for notebookID := range c.joined {
		if c.hub.Unsubscribe(notebookID, c, c.ident.ID) {
			c.dropPresenceMirror(ctx, notebookID)
			c.hub.Publish(notebookID, UserLeftMessage{
				Type:       "user-left",
				NotebookID: notebookID,
				User:       c.summary(),
				Timestamp:  now,
				Reason:     "disconnect",
			}, c)
		}
		delete(c.joined, notebookID)
	}

	c.registry.Remove(c)
	c.log.Info("connection closed")
}

func (c *Conn) dropPresenceMirror(ctx context.Context, notebookID string) {
	if c.hub.presence == nil {
		return
	}
	if err := c.hub.presence.RemoveMember(ctx, notebookID, c.ident.ID); err != nil {
		c.log.WithError(err).Debug("presence mirror remove failed")
	}
}
