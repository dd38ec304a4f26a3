package collab

import (
	"strings"

	"realtimeServer/backend/internal/ot/delta"
)

type bufKind int

const (
	bufOriginal bufKind = iota // 指向初始内容切片
	bufAdd                     // 指向追加内容切片
)

// piece 描述最终文档里连续的一段：来自哪个缓冲、起点、长度。
type piece struct {
	buf    bufKind
	off    int
	length int
}

// PieceTable 把文档内容表示成两个只追加的 rune 切片加一张分片表：
// 初始内容放 original，后续插入只往 add 末尾追加，编辑动作全靠
// 拆分/丢弃分片完成，不搬动已有文本。
//
// "Hello world" 在位置 5 插入 " big" 之后：
//
//	original = "Hello world"   add = " big"
//	pieces: (orig,0,5) (add,0,4) (orig,5,6)
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, off: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	b.Grow(pt.Len())
	for _, p := range pt.pieces {
		if p.buf == bufOriginal {
			b.WriteString(string(pt.original[p.off : p.off+p.length]))
		} else {
			b.WriteString(string(pt.add[p.off : p.off+p.length]))
		}
	}
	return b.String()
}

// Apply 按顺序消费操作列表：retain 前移游标，insert 在游标处拆片插入，
// delete 从游标处吃掉若干 rune。越过文档末尾的 retain 截断到末尾，
// 跟前端编辑器的宽松语义保持一致。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Validate(); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			if pos > pt.Len() {
				pos = pt.Len()
			}
		case delta.KindInsert:
			pt.insert(pos, op.Text)
			pos += len([]rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) {
	r := []rune(text)
	np := piece{buf: bufAdd, off: len(pt.add), length: len(r)}
	pt.add = append(pt.add, r...)

	idx, off := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return
	}

	// 在命中的分片内部拆开，左半 + 新片 + 右半
	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if off > 0 {
		out = append(out, piece{buf: cur.buf, off: cur.off, length: off})
	}
	out = append(out, np)
	if rest := cur.length - off; rest > 0 {
		out = append(out, piece{buf: cur.buf, off: cur.off + off, length: rest})
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, off := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := cur.length - off
		if take > remain {
			take = remain
		}

		if off == 0 && take == cur.length {
			// 整片吃掉，后面的分片顶上来，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			out := make([]piece, 0, len(pt.pieces)+1)
			out = append(out, pt.pieces[:idx]...)
			if off > 0 {
				out = append(out, piece{buf: cur.buf, off: cur.off, length: off})
			}
			if rest := cur.length - off - take; rest > 0 {
				out = append(out, piece{buf: cur.buf, off: cur.off + off + take, length: rest})
			}
			out = append(out, pt.pieces[idx+1:]...)
			pt.pieces = out
			if off > 0 {
				idx++ // 左半保留，下一轮从右边继续
			}
		}
		off = 0
		remain -= take
	}
}

// locate 把逻辑位置换算成（分片下标，片内偏移）。pos 落在文档末尾
// 之后时返回 len(pieces)。
func (pt *PieceTable) locate(pos int) (int, int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
