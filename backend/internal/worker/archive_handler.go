package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"realtimeServer/backend/internal/collab"
)

// 归档只关心"现在哪些笔记本有人"，不用整个 hub
type RoomLister interface {
	RoomIDs() []string
}

// ArchiveHandler 处理周期性归档任务：把每个活跃笔记本的当前
// 内容和版本存成快照。单个笔记本失败只记日志，不让整轮任务重试。
type ArchiveHandler struct {
	rooms RoomLister
	svc   collab.Service
	log   *logrus.Entry
}

func NewArchiveHandler(rooms RoomLister, svc collab.Service) *ArchiveHandler {
	return &ArchiveHandler{
		rooms: rooms,
		svc:   svc,
		log:   logrus.WithField("component", "archive-worker"),
	}
}

// ProcessTask 实现 asynq.Handler
func (h *ArchiveHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ids := h.rooms.RoomIDs()
	if len(ids) == 0 {
		h.log.Debug("no active notebooks, archive skipped")
		return nil
	}

	failed := 0
	for _, id := range ids {
		// 每个笔记本单独给超时，一个卡住不拖死整轮
		saveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := h.svc.SaveSnapshot(saveCtx, id)
		cancel()
		if err != nil {
			failed++
			h.log.WithError(err).WithField("notebook_id", id).Warn("snapshot archive failed")
		}
	}

	h.log.WithFields(logrus.Fields{
		"task_type": t.Type(),
		"notebooks": len(ids),
		"failed":    failed,
	}).Info("snapshot archive pass done")
	return nil
}
