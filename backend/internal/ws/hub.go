package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"realtimeServer/backend/internal/authz"
	"realtimeServer/backend/internal/cache"
)

// 房间内一个成员的登记信息。ConnID 记录这条登记归哪个连接所有，
// 同一身份换连接重进时覆盖登记（last-write-wins），旧连接退场时
// 靠它判断还能不能摘人。
type Member struct {
	UserID   uint64
	Name     string
	Email    string
	ConnID   string
	JoinedAt time.Time
	Cursor   json.RawMessage
	IsTyping bool
}

// Room 持有一个笔记本的在场状态：成员表按身份，连接集合按连接。
// 两张表分开是因为广播面向连接、人数和快照面向身份。
type Room struct {
	mu      sync.RWMutex
	dead    bool // 已从 rooms 表摘除，拿着旧指针的订阅要重试
	members map[uint64]*Member
	conns   map[*Conn]struct{}
}

// 订阅时返回给加入者的房间快照
type RoomSnapshot struct {
	ActiveUsers []RoomMember // 不含加入者自己
	RoomSize    int          // 含加入者
}

// Hub 是主题（笔记本 id）到房间的注册表。hub 锁只护 rooms 表的
// 查增删，成员操作走每个房间自己的锁，不同笔记本互不拖累。
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	presence    cache.PresenceCache // 跨实例在场镜像，尽力而为
	presenceTTL time.Duration

	log *logrus.Entry
}

func NewHub(presence cache.PresenceCache, presenceTTL time.Duration) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 5 * time.Minute
	}
	return &Hub{
		rooms:       make(map[string]*Room),
		presence:    presence,
		presenceTTL: presenceTTL,
		log:         logrus.WithField("component", "ws-hub"),
	}
}

func (h *Hub) getRoom(topic string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[topic]
}

func (h *Hub) getOrCreateRoom(topic string) *Room {
	h.mu.RLock()
	r := h.rooms[topic]
	h.mu.RUnlock()
	if r != nil {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r = h.rooms[topic]; r != nil {
		return r
	}
	r = &Room{
		members: make(map[uint64]*Member),
		conns:   make(map[*Conn]struct{}),
	}
	h.rooms[topic] = r
	return r
}

// Subscribe 把连接订阅进主题并登记成员身份。重复加入等价于重新
// 登记：JoinedAt 刷新，旧连接的登记被顶掉。返回给加入者的快照在
// 同一把锁里取，人数和成员列表一定对得上。
func (h *Hub) Subscribe(topic string, c *Conn, ident authz.Identity) RoomSnapshot {
	var r *Room
	for {
		r = h.getOrCreateRoom(topic)
		r.mu.Lock()
		if !r.dead {
			break
		}
		// 拿到指针后房间被并发的最后一个离开者摘掉了，换新房间重来
		r.mu.Unlock()
	}
	defer r.mu.Unlock()

	r.conns[c] = struct{}{}
	r.members[ident.ID] = &Member{
		UserID:   ident.ID,
		Name:     ident.Name,
		Email:    ident.Email,
		ConnID:   c.ID(),
		JoinedAt: time.Now(),
	}

	others := make([]RoomMember, 0, len(r.members)-1)
	for id, m := range r.members {
		if id == ident.ID {
			continue
		}
		others = append(others, RoomMember{
			ID:       m.UserID,
			Name:     m.Name,
			Email:    m.Email,
			JoinedAt: m.JoinedAt.UnixMilli(),
			Cursor:   m.Cursor,
			IsTyping: m.IsTyping,
		})
	}
	return RoomSnapshot{ActiveUsers: others, RoomSize: len(r.members)}
}

// Unsubscribe 把连接退订主题。成员登记只有还归这个连接所有时才
// 摘除：换连接重进后，旧连接的清理不许误伤新连接的登记。摘没了
// 人的房间从表里删掉。返回是否真的摘了人。
func (h *Hub) Unsubscribe(topic string, c *Conn, userID uint64) bool {
	h.mu.RLock()
	r := h.rooms[topic]
	h.mu.RUnlock()
	if r == nil {
		return false
	}

	r.mu.Lock()
	delete(r.conns, c)
	removed := false
	if m, ok := r.members[userID]; ok && m.ConnID == c.ID() {
		delete(r.members, userID)
		removed = true
	}
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		h.deleteRoomIfEmpty(topic, r)
	}
	return removed
}

// 删房间要重新拿锁二次确认，防止和并发加入撞车。
// 锁序固定 hub -> room，和别处一致。
func (h *Hub) deleteRoomIfEmpty(topic string, r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur := h.rooms[topic]; cur != r {
		return
	}
	r.mu.Lock()
	empty := len(r.members) == 0
	if empty {
		r.dead = true
	}
	r.mu.Unlock()
	if empty {
		delete(h.rooms, topic)
	}
}

// Publish 给主题下的订阅连接投递事件，except 不为空时跳过它。
// 目标集合在锁里拍快照，投递在锁外做，慢消费者堵不住房间。
func (h *Hub) Publish(topic string, msg OutboundMessage, except *Conn) {
	h.mu.RLock()
	r := h.rooms[topic]
	h.mu.RUnlock()
	if r == nil {
		return
	}

	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if c == except {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.SendMessage_Enqueue(msg)
	}
}

// UpdateCursor 更新成员的光标位置，成员不在房间时返回 false
func (h *Hub) UpdateCursor(topic string, userID uint64, pos json.RawMessage) bool {
	r := h.getRoom(topic)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	m.Cursor = pos
	return true
}

// SetTyping 更新成员的输入中标记，成员不在房间时返回 false
func (h *Hub) SetTyping(topic string, userID uint64, typing bool) bool {
	r := h.getRoom(topic)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[userID]
	if !ok {
		return false
	}
	m.IsTyping = typing
	return true
}

// RoomIDs 返回当前有人的笔记本 id 列表，归档任务按这个扫
func (h *Hub) RoomIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// MemberCount 返回主题下的成员数，房间不存在时为 0
func (h *Hub) MemberCount(topic string) int {
	r := h.getRoom(topic)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Snapshot 返回主题下的成员快照（REST 查询成员列表用）
func (h *Hub) Snapshot(topic string) []RoomMember {
	r := h.getRoom(topic)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, RoomMember{
			ID:       m.UserID,
			Name:     m.Name,
			Email:    m.Email,
			JoinedAt: m.JoinedAt.UnixMilli(),
			Cursor:   m.Cursor,
			IsTyping: m.IsTyping,
		})
	}
	return out
}
