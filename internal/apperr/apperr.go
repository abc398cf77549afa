// Package apperr 定义同步核心的错误分类
//
//   - Transport：推送通道连接/重连失败，只体现为连接状态，不抛给订阅者
//   - Fetch：REST 拉取失败，保留上一份快照并标记 stale
//   - Validation：任一通道送来的畸形载荷，记录诊断日志后丢弃
package apperr

import "errors"

// 错误码
const (
	CodeTransport  = "transport"
	CodeFetch      = "fetch"
	CodeValidation = "validation"
)

// Error 带错误码的领域错误
type Error struct {
	Code    string
	Message string
	Err     error

	// StatusCode REST 调用的 HTTP 状态码（仅 Fetch 错误有意义）
	StatusCode int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Unauthorized 是否为 401（token 失效）
func (e *Error) Unauthorized() bool {
	return e.StatusCode == 401
}

// Transport 创建传输错误
func Transport(message string, err error) error {
	return &Error{Code: CodeTransport, Message: message, Err: err}
}

// Fetch 创建拉取错误
func Fetch(message string, statusCode int, err error) error {
	return &Error{Code: CodeFetch, Message: message, Err: err, StatusCode: statusCode}
}

// Validation 创建校验错误
func Validation(message string, err error) error {
	return &Error{Code: CodeValidation, Message: message, Err: err}
}

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsTransport(err error) bool  { return IsCode(err, CodeTransport) }
func IsFetch(err error) bool      { return IsCode(err, CodeFetch) }
func IsValidation(err error) bool { return IsCode(err, CodeValidation) }

// IsUnauthorized 判断错误链中是否包含 401 拉取错误
func IsUnauthorized(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Unauthorized()
	}
	return false
}
