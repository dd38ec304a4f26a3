package collab

import (
	"errors"
	"fmt"
)

// 协作协议的错误分类。鉴权失败在握手阶段就把连接拒掉，轮不到这里；
// 剩下四类都只回给发送方，连接保持存活，房间里其他人什么都看不到。
var (
	ErrAccessDenied    = errors.New("ACCESS_DENIED")
	ErrVersionConflict = errors.New("VERSION_CONFLICT")
	ErrMissingFields   = errors.New("MISSING_FIELDS")
	ErrInternal        = errors.New("INTERNAL_ERROR")
)

// codedError 让 handler 带着人话描述返回错误，同时 errors.Is 仍然
// 能命中上面的分类哨兵。统一错误出口靠它：handler 只管返回 error，
// 翻译成对外错误事件的活集中在派发层做一次。
type codedError struct {
	class error
	msg   string
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) Unwrap() error { return e.class }

// Errf 给分类错误附加具体描述。
// 例：Errf(ErrMissingFields, "notebookId required")
func Errf(class error, format string, args ...any) error {
	return &codedError{class: class, msg: fmt.Sprintf(format, args...)}
}

// ConflictError 在版本不匹配时携带当前权威版本，调用方拿它先对齐
// 再重新提交。errors.Is(err, ErrVersionConflict) 依然成立。
type ConflictError struct {
	Current uint64
}

func (e *ConflictError) Error() string { return "VERSION_CONFLICT" }

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// Code 把任意 handler 错误翻译成对外错误码，未识别的一律归为内部错误。
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return "ACCESS_DENIED"
	case errors.Is(err, ErrVersionConflict):
		return "VERSION_CONFLICT"
	case errors.Is(err, ErrMissingFields):
		return "MISSING_FIELDS"
	default:
		return "INTERNAL_ERROR"
	}
}
