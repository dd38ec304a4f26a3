package cache

import "fmt"

// 键语义：
// - roomKey(nbID):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt 当逻辑 TTL）
// - namesKey(nbID):  房间内 userId→name 映射（Hash）
// - cursorKey:       成员光标位置（String，带物理 TTL）
//
// {id:...} 是 cluster 的 hash tag，保证同一笔记本的两个键落在同一槽，
// Lua 脚本才能一次操作两个键。

const (
	keyRoomFmt   = "presence:notebook:{id:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:notebook:names:{id:%s}" // Hash<userId -> name>
	keyCursorFmt = "presence:cursor:%s:%d"           // String<json>
)

func roomKey(notebookID string) string  { return fmt.Sprintf(keyRoomFmt, notebookID) }
func namesKey(notebookID string) string { return fmt.Sprintf(keyNamesFmt, notebookID) }

func cursorKey(notebookID string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, notebookID, userID)
}
