package ws

import (
	"testing"
	"time"
)

func TestRegistry_AddRemoveCount(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(0, 0)
	a := newTestConn(hub, reg, 1, "alice", nil, nil)
	b := newTestConn(hub, reg, 2, "bob", nil, nil)

	reg.Add(a)
	reg.Add(b)
	if got := reg.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}

	reg.Remove(a)
	if got := reg.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	// 重复摘除无害
	reg.Remove(a)
	if got := reg.Count(); got != 1 {
		t.Fatalf("Count() = %d after double remove, want 1", got)
	}
}

func TestRegistry_SweepOnceEvictsOnlyBeyondThreshold(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(30*time.Second, 5*time.Minute)
	now := time.Now()

	fresh := newTestConn(hub, reg, 1, "fresh", nil, nil)
	fresh.lastActivity.Store(now.Add(-10 * time.Second).UnixNano())

	// 正好在门槛上的不剔：空闲必须严格超过阈值
	border := newTestConn(hub, reg, 2, "border", nil, nil)
	border.lastActivity.Store(now.Add(-5 * time.Minute).UnixNano())

	stale := newTestConn(hub, reg, 3, "stale", nil, nil)
	stale.lastActivity.Store(now.Add(-5*time.Minute - time.Second).UnixNano())

	reg.Add(fresh)
	reg.Add(border)
	reg.Add(stale)

	if got := reg.SweepOnce(now); got != 1 {
		t.Fatalf("SweepOnce() = %d evicted, want 1", got)
	}

	// 下一轮把刚越线的也剔掉
	later := now.Add(31 * time.Second)
	if got := reg.SweepOnce(later); got != 2 {
		t.Fatalf("SweepOnce(+31s) = %d evicted, want 2 (border crossed, stale still listed)", got)
	}
}

func TestConn_TouchRefreshesActivity(t *testing.T) {
	hub := NewHub(nil, 0)
	reg := NewRegistry(0, 0)
	c := newTestConn(hub, reg, 1, "alice", nil, nil)

	c.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	before := c.LastActivity()

	c.touch()
	if !c.LastActivity().After(before) {
		t.Fatalf("touch() did not advance LastActivity")
	}
}
