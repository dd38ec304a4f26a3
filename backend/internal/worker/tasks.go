package worker

import (
	"github.com/hibiken/asynq"
)

// 任务类型常量
const (
	// 周期性归档：把活跃笔记本的当前版本落一份快照
	TypeSnapshotArchive = "snapshot:archive"
)

// 归档任务不带 payload，要扫哪些笔记本由 worker 现场从 hub 取
func NewSnapshotArchiveTask() *asynq.Task {
	return asynq.NewTask(TypeSnapshotArchive, nil)
}
