package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 是跨实例的在线视图。进程内的 Hub 才是房间成员的
// 权威来源，这份镜像给 REST 查询和归档任务用，全部走尽力而为。
type PresenceCache interface {
	AddMember(ctx context.Context, notebookID string, userID uint64, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, notebookID string, userID uint64) error
	GetNotebooks(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, notebookID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, notebookID string, userID uint64, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, notebookID string, userID uint64) ([]byte, error)
}

type PresenceMember struct {
	UserID uint64 `json:"id"`
	Name   string `json:"name"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember 写入或刷新一个在线成员。score 存 expireAt（Unix 秒）当
// 逻辑 TTL，刷新在线状态就是再调一次 AddMember。
func (p *redisPresence) AddMember(ctx context.Context, notebookID string, userID uint64, name string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(notebookID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(notebookID), userID, name)
	_, err := tx.Exec(ctx)
	return err
}

// RemoveMember 显式下线（leave/disconnect 时调），不等逻辑 TTL 到期。
func (p *redisPresence) RemoveMember(ctx context.Context, notebookID string, userID uint64) error {
	uid := strconv.FormatUint(userID, 10)
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(notebookID), uid)
	tx.HDel(ctx, namesKey(notebookID), uid)
	_, err := tx.Exec(ctx)
	return err
}

// GetNotebooks 扫出当前有在线痕迹的笔记本 id
func (p *redisPresence) GetNotebooks(ctx context.Context) ([]string, error) {
	var notebooks []string
	iter := p.rdb.Scan(ctx, 0, "presence:notebook:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// namesKey 也以 presence:notebook: 开头，要滤掉
		if strings.Contains(k, ":names:") {
			continue
		}
		// 还原 hash tag 里的 id：presence:notebook:{id:xxx}
		id := strings.TrimPrefix(k, "presence:notebook:")
		id = strings.TrimPrefix(id, "{id:")
		id = strings.TrimSuffix(id, "}")
		if id != "" {
			notebooks = append(notebooks, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return notebooks, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, notebookID string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(notebookID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, notebookID string, userID uint64) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(notebookID, userID)).Bytes()
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, notebookID string) ([]PresenceMember, error) {
	// step1: 先把过期成员清掉。约定 score=expireAt（Unix 秒），<= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(notebookID)
	-- KEYS[2] = namesKey(notebookID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{roomKey(notebookID), namesKey(notebookID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查还活着的成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(notebookID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取名字，HMGet 的结果和 aliveIDs 按下标对齐
	names, err := p.rdb.HMGet(ctx, namesKey(notebookID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, s := range aliveIDs {
		uid, perr := strconv.ParseUint(s, 10, 64)
		if perr != nil {
			continue
		}
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: uid, Name: name})
	}
	return members, nil
}
