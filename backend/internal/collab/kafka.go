package collab

import (
	"time"

	"realtimeServer/backend/internal/ot/delta"
)

// 每次接受的编辑往 Kafka 发一条事件，按 notebookId 做分区 key。
// 下游（归档、审计之类）自己消费，实时链路不等它。
type NotebookOpEvent struct {
	EventType   string      `json:"eventType"` // 固定 "OP_APPLIED"
	NotebookID  string      `json:"notebookId"`
	OperationID string      `json:"operationId"`
	Version     uint64      `json:"version"`
	AuthorID    uint64      `json:"authorId"`
	BaseVersion *uint64     `json:"baseVersion,omitempty"`
	Ops         delta.Delta `json:"ops"`
	AppliedAt   time.Time   `json:"appliedAt"`
}
