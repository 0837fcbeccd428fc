package service

import "errors"

// Kind 是业务错误的封闭分类，handler 据此映射 HTTP 状态码。
type Kind int

const (
	KindUnexpected Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindValidation
)

// Error 携带错误分类与对外可见的描述。
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func NotFound(msg string) *Error   { return &Error{Kind: KindNotFound, Message: msg} }
func Forbidden(msg string) *Error  { return &Error{Kind: KindForbidden, Message: msg} }
func Conflict(msg string) *Error   { return &Error{Kind: KindConflict, Message: msg} }
func Validation(msg string) *Error { return &Error{Kind: KindValidation, Message: msg} }

// KindOf 提取错误分类，未分类的一律视作 Unexpected。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}
