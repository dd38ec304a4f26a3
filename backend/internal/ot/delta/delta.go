package delta

import "errors"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// 单个编辑操作。retain/delete 用 Count，insert 用 Text。
type Op struct {
	Kind  Kind           `json:"kind"`
	Count int            `json:"count,omitempty"`
	Text  string         `json:"text,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等），原样透传
}

// 一次提交携带的操作列表，按顺序作用在文档内容上。
// "operations":[{"kind":"retain","count":5},{"kind":"insert","text":"Hi"}]
type Delta []Op

var ErrInvalidOp = errors.New("invalid operation")

// Validate 在进入版本闸门之前做结构检查，挡掉明显畸形的操作，
// 避免把坏数据写进文档内容。
func (d Delta) Validate() error {
	if len(d) == 0 {
		return ErrInvalidOp
	}
	for _, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count <= 0 {
				return ErrInvalidOp
			}
		case KindInsert:
			if op.Text == "" {
				return ErrInvalidOp
			}
		default:
			return ErrInvalidOp
		}
	}
	return nil
}
