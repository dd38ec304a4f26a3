package collab

import "realtimeServer/backend/internal/ot/delta"

// 文档内容缓冲区。版本闸门每次接受编辑时，把操作列表按顺序作用到
// 当前内容上，得到新内容再落库。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}
