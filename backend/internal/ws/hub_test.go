package ws

import (
	"context"
	"encoding/json"
	"testing"

	"realtimeServer/backend/internal/authz"
	"realtimeServer/backend/internal/collab"
	"realtimeServer/backend/internal/ot/delta"
)

// 测试用假协作引擎，行为由 submit 回调决定
type fakeService struct {
	submit func(ctx context.Context, notebookID string, authorID uint64, ops delta.Delta, baseVersion *uint64) (collab.Applied, error)
}

func (f *fakeService) Submit(ctx context.Context, notebookID string, authorID uint64, ops delta.Delta, baseVersion *uint64) (collab.Applied, error) {
	if f.submit != nil {
		return f.submit(ctx, notebookID, authorID, ops, baseVersion)
	}
	return collab.Applied{}, nil
}

func (f *fakeService) CurrentVersion(ctx context.Context, notebookID string) (uint64, error) {
	return 0, nil
}

func (f *fakeService) Content(ctx context.Context, notebookID string) (string, uint64, error) {
	return "", 0, nil
}

func (f *fakeService) SaveSnapshot(ctx context.Context, notebookID string) error { return nil }

type allowAccess struct {
	allow bool
	err   error
}

func (a allowAccess) CanAccess(ctx context.Context, userID uint64, notebookID string, action string) (bool, error) {
	return a.allow, a.err
}

func newTestConn(hub *Hub, reg *Registry, userID uint64, name string, svc collab.Service, access collab.AccessChecker) *Conn {
	ident := authz.Identity{ID: userID, Name: name, Email: name + "@test.local"}
	return NewConn(nil, hub, reg, ident, svc, access, collab.NewSemaphoreControl(4))
}

// 非阻塞收一条出站消息
func recvMsg(t *testing.T, c *Conn) OutboundMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatalf("no message queued for conn %s", c.ID())
		return nil
	}
}

func wantNoMsg(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message for conn %s: %#v", c.ID(), msg)
	default:
	}
}

func drainMsgs(c *Conn) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func TestHub_SnapshotExcludesJoinerCountsAll(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(0, 0)
	a := newTestConn(hub, reg, 1, "alice", nil, nil)
	b := newTestConn(hub, reg, 2, "bob", nil, nil)

	snapA := hub.Subscribe("nb", a, a.Identity())
	if snapA.RoomSize != 1 || len(snapA.ActiveUsers) != 0 {
		t.Fatalf("first join snapshot = %+v, want size 1 and no other users", snapA)
	}

	snapB := hub.Subscribe("nb", b, b.Identity())
	if snapB.RoomSize != 2 {
		t.Fatalf("RoomSize = %d, want 2", snapB.RoomSize)
	}
	if len(snapB.ActiveUsers) != 1 || snapB.ActiveUsers[0].ID != 1 || snapB.ActiveUsers[0].Name != "alice" {
		t.Fatalf("ActiveUsers = %+v, want only alice", snapB.ActiveUsers)
	}
}

func TestHub_RoomExistsOnlyWhileOccupied(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(0, 0)
	a := newTestConn(hub, reg, 1, "alice", nil, nil)
	b := newTestConn(hub, reg, 2, "bob", nil, nil)

	hub.Subscribe("nb", a, a.Identity())
	hub.Subscribe("nb", b, b.Identity())
	if got := len(hub.RoomIDs()); got != 1 {
		t.Fatalf("RoomIDs() len = %d, want 1", got)
	}

	if !hub.Unsubscribe("nb", a, 1) {
		t.Fatalf("Unsubscribe(a) = false, want true")
	}
	if got := hub.MemberCount("nb"); got != 1 {
		t.Fatalf("MemberCount = %d, want 1", got)
	}

	// 最后一个人离开，房间必须消失
	if !hub.Unsubscribe("nb", b, 2) {
		t.Fatalf("Unsubscribe(b) = false, want true")
	}
	if got := len(hub.RoomIDs()); got != 0 {
		t.Fatalf("RoomIDs() len = %d after last leave, want 0", got)
	}

	// 对不存在的房间退订是无害的
	if hub.Unsubscribe("nb", b, 2) {
		t.Fatalf("Unsubscribe on deleted room = true, want false")
	}
}

func TestHub_RejoinReplacesOldConnRegistration(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(0, 0)
	old := newTestConn(hub, reg, 5, "eve", nil, nil)
	fresh := newTestConn(hub, reg, 5, "eve", nil, nil)

	hub.Subscribe("nb", old, old.Identity())
	hub.Subscribe("nb", fresh, fresh.Identity())
	if got := hub.MemberCount("nb"); got != 1 {
		t.Fatalf("MemberCount = %d after rejoin, want 1 (last-write-wins)", got)
	}

	// 旧连接退场不能摘掉新连接的登记
	if hub.Unsubscribe("nb", old, 5) {
		t.Fatalf("stale conn Unsubscribe removed the fresh registration")
	}
	if got := hub.MemberCount("nb"); got != 1 {
		t.Fatalf("MemberCount = %d after stale unsubscribe, want 1", got)
	}

	if !hub.Unsubscribe("nb", fresh, 5) {
		t.Fatalf("fresh conn Unsubscribe = false, want true")
	}
	if got := len(hub.RoomIDs()); got != 0 {
		t.Fatalf("room still present after owner left")
	}
}

func TestHub_PublishExcluding(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(0, 0)
	a := newTestConn(hub, reg, 1, "alice", nil, nil)
	b := newTestConn(hub, reg, 2, "bob", nil, nil)
	c := newTestConn(hub, reg, 3, "carol", nil, nil)
	hub.Subscribe("nb", a, a.Identity())
	hub.Subscribe("nb", b, b.Identity())
	hub.Subscribe("nb", c, c.Identity())

	evt := UserJoinedMessage{Type: "user-joined", NotebookID: "nb", User: UserSummary{ID: 1}}
	hub.Publish("nb", evt, a)

	wantNoMsg(t, a)
	if got := recvMsg(t, b).MessageType(); got != "user-joined" {
		t.Fatalf("b got %q, want user-joined", got)
	}
	if got := recvMsg(t, c).MessageType(); got != "user-joined" {
		t.Fatalf("c got %q, want user-joined", got)
	}

	// except 为空时发送方自己也收
	hub.Publish("nb", evt, nil)
	recvMsg(t, a)
	recvMsg(t, b)
	recvMsg(t, c)
}

func TestHub_PublishUnknownTopicIsNoop(t *testing.T) {
	hub := NewHub(nil, 0)
	hub.Publish("ghost", NotebookLeftMessage{Type: "notebook-left", NotebookID: "ghost"}, nil)
}

func TestHub_CursorAndTypingStickToMembership(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(0, 0)
	a := newTestConn(hub, reg, 1, "alice", nil, nil)
	hub.Subscribe("nb", a, a.Identity())

	pos := json.RawMessage(`{"line":3,"ch":14}`)
	if hub.UpdateCursor("nb", 99, pos) {
		t.Fatalf("UpdateCursor for non-member = true, want false")
	}
	if !hub.UpdateCursor("nb", 1, pos) {
		t.Fatalf("UpdateCursor for member = false, want true")
	}
	if !hub.SetTyping("nb", 1, true) {
		t.Fatalf("SetTyping for member = false, want true")
	}

	// 后来者的快照必须带上已有成员的光标和输入状态
	b := newTestConn(hub, reg, 2, "bob", nil, nil)
	snap := hub.Subscribe("nb", b, b.Identity())
	if len(snap.ActiveUsers) != 1 {
		t.Fatalf("ActiveUsers len = %d, want 1", len(snap.ActiveUsers))
	}
	got := snap.ActiveUsers[0]
	if string(got.Cursor) != string(pos) || !got.IsTyping {
		t.Fatalf("snapshot member = %+v, want cursor %s and typing", got, pos)
	}
}
