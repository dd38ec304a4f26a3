package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"realtimeServer/backend/internal/collab"
)

// MySQLNotebookStore 是持久层的笔记本客户端，同时满足闸门要的
// NotebookStore 和 SnapshotStore 两个接口。
type MySQLNotebookStore struct {
	db *gorm.DB
}

var (
	_ collab.NotebookStore = (*MySQLNotebookStore)(nil)
	_ collab.SnapshotStore = (*MySQLNotebookStore)(nil)
)

func NewMySQLNotebookStore(db *gorm.DB) *MySQLNotebookStore {
	return &MySQLNotebookStore{db: db}
}

// GetOrInit 取回权威状态；第一次见到的 id 以空内容、版本 0 落一行，
// 这样编辑路径不依赖别的服务先建好记录。
func (s *MySQLNotebookStore) GetOrInit(ctx context.Context, notebookID string) (collab.NotebookState, error) {
	var nb Notebook
	err := s.db.WithContext(ctx).Where("id = ?", notebookID).First(&nb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		nb = Notebook{ID: notebookID}
		if cerr := s.db.WithContext(ctx).Create(&nb).Error; cerr != nil {
			// 1062 = duplicate key，两个请求并发初始化撞上了，重读即可
			var mysqlErr *mysql.MySQLError
			if errors.As(cerr, &mysqlErr) && mysqlErr.Number == 1062 {
				if rerr := s.db.WithContext(ctx).Where("id = ?", notebookID).First(&nb).Error; rerr != nil {
					return collab.NotebookState{}, rerr
				}
				return collab.NotebookState{Version: nb.Version, Content: nb.Content}, nil
			}
			return collab.NotebookState{}, cerr
		}
		return collab.NotebookState{}, nil
	}
	if err != nil {
		return collab.NotebookState{}, err
	}
	return collab.NotebookState{Version: nb.Version, Content: nb.Content}, nil
}

// UpdateWithVersion 乐观条件写回：WHERE version = newVersion-1，
// RowsAffected 为 0 说明版本已被推进，返回 ok=false 让闸门判冲突。
func (s *MySQLNotebookStore) UpdateWithVersion(ctx context.Context, notebookID string, content string, newVersion uint64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Notebook{}).
		Where("id = ? AND version = ?", notebookID, newVersion-1).
		Updates(map[string]any{"content": content, "version": newVersion})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *MySQLNotebookStore) CreateVersion(ctx context.Context, rec collab.VersionRecord) error {
	opsJSON, err := json.Marshal(rec.Ops)
	if err != nil {
		return err
	}
	v := NotebookVersion{
		NotebookID: rec.NotebookID,
		Version:    rec.Version,
		AuthorID:   rec.AuthorID,
		Ops:        string(opsJSON),
	}
	if err := s.db.WithContext(ctx).Create(&v).Error; err != nil {
		// 同一版本的历史已经写过，算成功
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *MySQLNotebookStore) SaveNotebookSnapshot(ctx context.Context, notebookID string, version uint64, content string) error {
	snap := NotebookSnapshot{
		NotebookID: notebookID,
		Version:    version,
		Content:    content,
	}
	if err := s.db.WithContext(ctx).Create(&snap).Error; err != nil {
		// 该版本已归档过
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
