package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"realtimeServer/backend/internal/authz"
	"realtimeServer/backend/internal/cache"
	"realtimeServer/backend/internal/collab"
	"realtimeServer/backend/internal/ot/delta"
	"realtimeServer/backend/internal/ws"
)

// NotebookHandler 是协作核心的 REST 外沿：提交编辑、查内容、查
// 在场成员。广播原语和 WebSocket 那边共用同一个 hub。
type NotebookHandler struct {
	svc      collab.Service
	access   collab.AccessChecker
	hub      *ws.Hub
	presence cache.PresenceCache
}

func NewNotebookHandler(svc collab.Service, access collab.AccessChecker, hub *ws.Hub, presence cache.PresenceCache) *NotebookHandler {
	return &NotebookHandler{svc: svc, access: access, hub: hub, presence: presence}
}

type submitReq struct {
	Operations  delta.Delta `json:"operations"`
	BaseVersion *uint64     `json:"baseVersion"`
}

// SubmitOperations 处理 POST /collab/notebooks/:notebookId/operations。
// 和 WebSocket 的 operation 事件走同一个 Submit，成功后同样广播给
// 房间；HTTP 调用方不在房间里，所以不用排除任何连接。
func (h *NotebookHandler) SubmitOperations(c *gin.Context) {
	notebookID := c.Param("notebookId")
	ident, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "AUTH_ERROR", "message": "unauthorized"})
		return
	}

	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_FIELDS", "message": "invalid request body"})
		return
	}

	applied, err := h.svc.Submit(c.Request.Context(), notebookID, ident.ID, req.Operations, req.BaseVersion)
	if err != nil {
		writeError(c, err)
		return
	}

	h.hub.Publish(notebookID, ws.OperationMessage{
		Type:       "operation",
		NotebookID: notebookID,
		Operations: applied.Ops,
		Version:    applied.Version,
		User:       ws.UserSummary{ID: ident.ID, Name: ident.Name, Email: ident.Email},
		Timestamp:  applied.AppliedAt.UnixMilli(),
	}, nil)

	c.JSON(http.StatusOK, gin.H{
		"notebookId":   notebookID,
		"version":      applied.Version,
		"appliedCount": applied.AppliedCount,
	})
}

// GetNotebook 返回当前内容和版本，客户端收到版本冲突后拿它重新对齐
func (h *NotebookHandler) GetNotebook(c *gin.Context) {
	notebookID := c.Param("notebookId")
	ident, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "AUTH_ERROR", "message": "unauthorized"})
		return
	}

	allowed, err := h.access.CanAccess(c.Request.Context(), ident.ID, notebookID, collab.ActionRead)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "access check failed"})
		return
	}
	if !allowed {
		writeError(c, collab.ErrAccessDenied)
		return
	}

	content, version, err := h.svc.Content(c.Request.Context(), notebookID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notebookId": notebookID,
		"content":    content,
		"version":    version,
	})
}

// GetMembers 返回笔记本的在场成员。本实例有房间就直接用内存快照；
// 没有就查 redis 镜像，能看到别的实例上的人。
func (h *NotebookHandler) GetMembers(c *gin.Context) {
	notebookID := c.Param("notebookId")

	if members := h.hub.Snapshot(notebookID); members != nil {
		c.JSON(http.StatusOK, gin.H{"notebookId": notebookID, "members": members, "source": "local"})
		return
	}

	if h.presence == nil {
		c.JSON(http.StatusOK, gin.H{"notebookId": notebookID, "members": []ws.RoomMember{}, "source": "local"})
		return
	}

	mirrored, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), notebookID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "message": "presence lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notebookId": notebookID, "members": mirrored, "source": "mirror"})
}

func identityFrom(c *gin.Context) (authz.Identity, bool) {
	v, ok := c.Get(authz.ContextKeyIdentity)
	if !ok {
		return authz.Identity{}, false
	}
	ident, ok := v.(authz.Identity)
	return ident, ok
}

// writeError 是 REST 侧的错误出口，和 WebSocket 的 error 事件用
// 同一套错误码翻译。
func writeError(c *gin.Context, err error) {
	code := collab.Code(err)
	body := gin.H{"code": code, "message": err.Error()}

	var conflict *collab.ConflictError
	if errors.As(err, &conflict) {
		body["currentVersion"] = conflict.Current
	}

	c.JSON(statusOf(code), body)
}

func statusOf(code string) int {
	switch code {
	case "MISSING_FIELDS":
		return http.StatusBadRequest
	case "ACCESS_DENIED":
		return http.StatusForbidden
	case "VERSION_CONFLICT":
		return http.StatusConflict
	case "AUTH_ERROR":
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
