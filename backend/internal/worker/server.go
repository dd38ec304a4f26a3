package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// WorkerServer 封装 asynq 的 worker 端和周期调度器。两者共用
// 一套 redis 连接参数，都在自己的 goroutine 里跑。
type WorkerServer struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	handler   *ArchiveHandler
	schedule  string
	log       *logrus.Entry
}

func NewWorkerServer(redisOpt asynq.RedisClientOpt, handler *ArchiveHandler, schedule string) *WorkerServer {
	if schedule == "" {
		schedule = "@every 5m"
	}

	log := logrus.WithField("component", "worker-server")

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			"default": 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			log.WithFields(logrus.Fields{
				"task_type": task.Type(),
				"retried":   retried,
			}).WithError(err).Error("task failed")
		}),
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})

	return &WorkerServer{
		server:    server,
		scheduler: scheduler,
		handler:   handler,
		schedule:  schedule,
		log:       log,
	}
}

// Start 注册 handler 和周期任务并启动，放在单独的 goroutine 里调
func (w *WorkerServer) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSnapshotArchive, w.handler.ProcessTask)

	entryID, err := w.scheduler.Register(w.schedule, NewSnapshotArchiveTask(), asynq.Queue("default"))
	if err != nil {
		w.log.WithError(err).Error("register periodic archive task failed")
	} else {
		w.log.WithFields(logrus.Fields{"schedule": w.schedule, "entry_id": entryID}).Info("periodic archive task registered")
	}

	go func() {
		if err := w.scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			w.log.WithError(err).Error("scheduler stopped unexpectedly")
		}
	}()

	w.log.Info("worker server starting")
	if err := w.server.Run(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		w.log.WithError(err).Fatal("worker server failed")
	}
}

// Shutdown 先停调度器再停 worker
func (w *WorkerServer) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	w.log.Info("worker server stopped")
}
