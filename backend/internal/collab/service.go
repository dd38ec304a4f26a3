package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"realtimeServer/backend/internal/ot/delta"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// 协作引擎接口。持久连接和 REST 两条路径都走同一个闸门提交编辑。
type Service interface {
	Submit(ctx context.Context, notebookID string, authorID uint64,
		ops delta.Delta, baseVersion *uint64) (Applied, error)

	CurrentVersion(ctx context.Context, notebookID string) (uint64, error)

	// Content 取回权威内容和版本，给追平和快照用
	Content(ctx context.Context, notebookID string) (string, uint64, error)

	SaveSnapshot(ctx context.Context, notebookID string) error
}

// 权限校验接口，具体实现走外部鉴权服务
type AccessChecker interface {
	CanAccess(ctx context.Context, userID uint64, notebookID string, action string) (bool, error)
}

// 笔记本的权威版本状态归持久层所有，闸门只做咨询：取回、校验、
// 按 version+1 条件写回。
type NotebookStore interface {
	GetOrInit(ctx context.Context, notebookID string) (NotebookState, error)
	// UpdateWithVersion 带乐观版本条件写回（WHERE version = newVersion-1），
	// 版本已被别的写者推进时返回 ok=false 而不是报错。
	UpdateWithVersion(ctx context.Context, notebookID string, content string, newVersion uint64) (bool, error)
	CreateVersion(ctx context.Context, rec VersionRecord) error
}

// 快照存储接口
type SnapshotStore interface {
	SaveNotebookSnapshot(ctx context.Context, notebookID string, version uint64, content string) error
}

type NotebookState struct {
	Version uint64
	Content string
}

// 每次接受的编辑都记一条版本历史
type VersionRecord struct {
	NotebookID string
	Version    uint64
	AuthorID   uint64
	Ops        delta.Delta
}

type Applied struct {
	OperationID  string // 本次操作的唯一ID（用于幂等/追踪）
	NotebookID   string
	Version      uint64 // 接受后的新版本号
	AuthorID     uint64
	AppliedCount int
	Ops          delta.Delta
	AppliedAt    time.Time
}

// NotebookService：版本闸门的持久层实现。进程内按笔记本一把互斥锁
// 串行化“读版本-校验-写回”，不同笔记本完全并行；写回再带乐观版本
// 条件，挡住进程外的并发写者。
type NotebookService struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex

	store     NotebookStore
	snapshots SnapshotStore
	access    AccessChecker

	dispatcher *KafkaDispatcher

	log *logrus.Entry
}

var _ Service = (*NotebookService)(nil)

func NewNotebookService(store NotebookStore, snapshots SnapshotStore, access AccessChecker, dispatcher *KafkaDispatcher) *NotebookService {
	return &NotebookService{
		locks:      make(map[string]*sync.Mutex),
		store:      store,
		snapshots:  snapshots,
		access:     access,
		dispatcher: dispatcher,
		log:        logrus.WithField("component", "collab"),
	}
}

// 获取或创建指定笔记本的互斥锁
func (s *NotebookService) lockFor(notebookID string) *sync.Mutex {
	s.mu.RLock()
	l := s.locks[notebookID]
	s.mu.RUnlock()
	if l != nil {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.locks[notebookID]; l == nil {
		l = &sync.Mutex{}
		s.locks[notebookID] = l
	}
	return l
}

// Submit 提交一次编辑。状态机：校验字段 → 写权限 → 版本检查 →
// 应用操作 → version+1 落库 → 返回结果。任何一步失败都直接返回，
// 不会出现只广播了一半的状态。
func (s *NotebookService) Submit(ctx context.Context, notebookID string, authorID uint64, ops delta.Delta, baseVersion *uint64) (Applied, error) {
	if notebookID == "" {
		return Applied{}, Errf(ErrMissingFields, "notebookId required")
	}
	if len(ops) == 0 {
		return Applied{}, Errf(ErrMissingFields, "operations required")
	}

	allowed, err := s.access.CanAccess(ctx, authorID, notebookID, ActionWrite)
	if err != nil {
		s.log.WithError(err).WithField("notebook_id", notebookID).Warn("write access check failed")
		return Applied{}, Errf(ErrInternal, "access check failed")
	}
	if !allowed {
		return Applied{}, ErrAccessDenied
	}

	// 读版本-校验-写回必须按笔记本串行，两个并发提交不能都先读到旧版本
	l := s.lockFor(notebookID)
	l.Lock()
	defer l.Unlock()

	st, err := s.store.GetOrInit(ctx, notebookID)
	if err != nil {
		s.log.WithError(err).WithField("notebook_id", notebookID).Error("load notebook failed")
		return Applied{}, Errf(ErrInternal, "load notebook failed")
	}

	// 声明了基准版本就必须严格等于当前版本，不合就拒绝，
	// 把当前版本带回去让客户端先对齐再重交。不合并、不排队。
	if baseVersion != nil && *baseVersion != st.Version {
		return Applied{}, &ConflictError{Current: st.Version}
	}

	var buf Buffer = NewPieceTable(st.Content)
	if err := buf.Apply(ops); err != nil {
		return Applied{}, Errf(ErrMissingFields, "malformed operations")
	}

	newVersion := st.Version + 1
	ok, err := s.store.UpdateWithVersion(ctx, notebookID, buf.String(), newVersion)
	if err != nil {
		s.log.WithError(err).WithField("notebook_id", notebookID).Error("persist notebook failed")
		return Applied{}, Errf(ErrInternal, "persist notebook failed")
	}
	if !ok {
		// 进程内已串行，走到这说明版本被进程外的写者推进了，重读拿当前版本
		cur, rerr := s.store.GetOrInit(ctx, notebookID)
		if rerr != nil {
			return Applied{}, ErrVersionConflict
		}
		return Applied{}, &ConflictError{Current: cur.Version}
	}

	if err := s.store.CreateVersion(ctx, VersionRecord{
		NotebookID: notebookID,
		Version:    newVersion,
		AuthorID:   authorID,
		Ops:        ops,
	}); err != nil {
		// 历史记录失败不回滚已接受的编辑
		s.log.WithError(err).WithFields(logrus.Fields{
			"notebook_id": notebookID,
			"version":     newVersion,
		}).Warn("create version record failed")
	}

	applied := Applied{
		OperationID:  ulid.Make().String(),
		NotebookID:   notebookID,
		Version:      newVersion,
		AuthorID:     authorID,
		AppliedCount: len(ops),
		Ops:          ops,
		AppliedAt:    time.Now(),
	}

	// 异步发 Kafka，不阻塞主提交流程，队列满直接降级丢弃
	if s.dispatcher != nil {
		evt := NotebookOpEvent{
			EventType:   "OP_APPLIED",
			NotebookID:  notebookID,
			OperationID: applied.OperationID,
			Version:     applied.Version,
			AuthorID:    authorID,
			BaseVersion: baseVersion,
			Ops:         ops,
			AppliedAt:   applied.AppliedAt,
		}
		if !s.dispatcher.TryEnqueue(evt) {
			s.log.WithField("notebook_id", notebookID).Warn("op event queue full, event dropped")
		}
	}

	return applied, nil
}

// CurrentVersion 返回笔记本当前权威版本
func (s *NotebookService) CurrentVersion(ctx context.Context, notebookID string) (uint64, error) {
	st, err := s.store.GetOrInit(ctx, notebookID)
	if err != nil {
		return 0, Errf(ErrInternal, "load notebook failed")
	}
	return st.Version, nil
}

func (s *NotebookService) Content(ctx context.Context, notebookID string) (string, uint64, error) {
	st, err := s.store.GetOrInit(ctx, notebookID)
	if err != nil {
		return "", 0, Errf(ErrInternal, "load notebook failed")
	}
	return st.Content, st.Version, nil
}

func (s *NotebookService) SaveSnapshot(ctx context.Context, notebookID string) error {
	if s.snapshots == nil {
		return errors.New("snapshot store not initialized")
	}
	st, err := s.store.GetOrInit(ctx, notebookID)
	if err != nil {
		return err
	}
	return s.snapshots.SaveNotebookSnapshot(ctx, notebookID, st.Version, st.Content)
}
