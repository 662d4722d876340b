// 本文件用于生命周期错误分类 每类失败对外暴露稳定且可区分的错误码

package policy

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 是机器可读的错误码
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodeDraftAlreadyExists Code = "DRAFT_ALREADY_EXISTS"
	CodeVersionReverse     Code = "VERSION_REVERSE"
	CodeFileDuplicate      Code = "FILE_DUPLICATE"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// HTTPStatus 返回错误码对应的默认 HTTP 状态
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeDraftAlreadyExists, CodeVersionReverse, CodeFileDuplicate, CodeInvalidState:
		return http.StatusConflict
	case CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error 是生命周期操作返回的领域错误
// 返回任何 Error 都意味着本次调用没有落地任何状态变更
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配 便于调用方直接 errors.Is(err, policy.ErrNotFound)
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

var (
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "version not found"}
	ErrForbidden          = &Error{Code: CodeForbidden, Message: "actor is not allowed"}
	ErrDraftAlreadyExists = &Error{Code: CodeDraftAlreadyExists, Message: "draft already exists"}
	ErrVersionReverse     = &Error{Code: CodeVersionReverse, Message: "version must be greater than active version"}
	ErrFileDuplicate      = &Error{Code: CodeFileDuplicate, Message: "file name already used by this document"}
	ErrInvalidState       = &Error{Code: CodeInvalidState, Message: "operation not allowed in current state"}
	ErrInvalidInput       = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrInternal           = &Error{Code: CodeInternal, Message: "internal error"}
)

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func withMeta(err *Error, kv ...string) *Error {
	if err.Metadata == nil {
		err.Metadata = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		err.Metadata[kv[i]] = kv[i+1]
	}
	return err
}

// CodeOf 提取错误码 非领域错误统一视为内部错误
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
