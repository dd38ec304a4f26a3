package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func testPresence(t *testing.T) (PresenceCache, redis.UniversalClient) {
	t.Helper()
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"127.0.0.1:6379"}})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisPresence(rdb), rdb
}

func TestPresence_AddAndListAliveMembers(t *testing.T) {
	p, _ := testPresence(t)
	ctx := context.Background()
	nb := fmt.Sprintf("nb-test-%d", time.Now().UnixNano())

	if err := p.AddMember(ctx, nb, 11, "alice", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, nb, 12, "bob", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	defer func() {
		_ = p.RemoveMember(ctx, nb, 11)
		_ = p.RemoveMember(ctx, nb, 12)
	}()

	members, err := p.GetAliveMembersWithNames(ctx, nb)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2", members)
	}
	byID := map[uint64]string{}
	for _, m := range members {
		byID[m.UserID] = m.Name
	}
	if byID[11] != "alice" || byID[12] != "bob" {
		t.Fatalf("members = %v, want alice and bob", byID)
	}
}

func TestPresence_LogicalTTLExpiresMembers(t *testing.T) {
	p, _ := testPresence(t)
	ctx := context.Background()
	nb := fmt.Sprintf("nb-test-%d", time.Now().UnixNano())

	// 负 TTL 等于已过期，读取时会被清扫掉
	if err := p.AddMember(ctx, nb, 21, "ghost", -time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, nb, 22, "alive", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	defer func() { _ = p.RemoveMember(ctx, nb, 22) }()

	members, err := p.GetAliveMembersWithNames(ctx, nb)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 1 || members[0].UserID != 22 {
		t.Fatalf("members = %v, want only user 22", members)
	}
}

func TestPresence_RemoveMemberImmediate(t *testing.T) {
	p, _ := testPresence(t)
	ctx := context.Background()
	nb := fmt.Sprintf("nb-test-%d", time.Now().UnixNano())

	if err := p.AddMember(ctx, nb, 31, "carol", time.Minute); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.RemoveMember(ctx, nb, 31); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, nb)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("members = %v after remove, want none", members)
	}
}

func TestPresence_CursorRoundTrip(t *testing.T) {
	p, _ := testPresence(t)
	ctx := context.Background()
	nb := fmt.Sprintf("nb-test-%d", time.Now().UnixNano())
	pos := []byte(`{"line":7,"ch":3}`)

	if err := p.SetCursor(ctx, nb, 41, pos, time.Minute); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}
	got, err := p.GetCursor(ctx, nb, 41)
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if string(got) != string(pos) {
		t.Fatalf("GetCursor = %s, want %s", got, pos)
	}
}
