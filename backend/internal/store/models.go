package store

import "time"

// Notebook 一行就是一篇笔记本的权威状态：内容 + 单调递增的版本号。
// 实时核心只消费这张表，真正的 CRUD 归别的服务管。
type Notebook struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Content   string `gorm:"type:longtext"`
	Version   uint64 `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotebookVersion 版本历史，每次接受的编辑记一条，(notebook_id, version) 唯一。
type NotebookVersion struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	NotebookID string `gorm:"type:varchar(64);uniqueIndex:uk_notebook_version"`
	Version    uint64 `gorm:"uniqueIndex:uk_notebook_version"`
	AuthorID   uint64
	Ops        string `gorm:"type:json"`
	CreatedAt  time.Time
}

// NotebookSnapshot 周期归档的内容快照，同一 (notebook_id, version) 只存一份。
type NotebookSnapshot struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	NotebookID string `gorm:"type:varchar(64);uniqueIndex:uk_snapshot_version"`
	Version    uint64 `gorm:"uniqueIndex:uk_snapshot_version"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}
