package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"realtimeServer/backend/internal/authz"
	"realtimeServer/backend/internal/collab"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub      *Hub
	registry *Registry
	svc      collab.Service
	access   collab.AccessChecker
	sem      *collab.SemaphoreControl
}

func NewManager(hub *Hub, registry *Registry, svc collab.Service,
	access collab.AccessChecker, sem *collab.SemaphoreControl) *Manager {
	return &Manager{hub: hub, registry: registry, svc: svc, access: access, sem: sem}
}

func (m *Manager) Hub() *Hub { return m.hub }

// WebSocketConnect 挂在 auth 中间件后面：走到这里的请求已经带上
// 校验过的身份，没凭证的在升级前就被 401 拒掉了。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	identVal, ok := c.Get(authz.ContextKeyIdentity)
	if !ok {
		c.String(http.StatusUnauthorized, "missing identity")
		return
	}
	ident, ok := identVal.(authz.Identity)
	if !ok {
		c.String(http.StatusInternalServerError, "bad identity type")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).WithField("origin", c.Request.Header.Get("Origin")).Warn("websocket upgrade error")
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.registry, ident, m.svc, m.access, m.sem)
	m.registry.Add(wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 连接确认帧带上服务端分配的连接 id
	wsConn.SendMessage_Enqueue(ConnectedMessage{
		Type:         "connected",
		ConnectionID: wsConn.ID(),
		User:         wsConn.summary(),
	})

	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}
