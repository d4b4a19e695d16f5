package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPermissionDenied
	KindInvalidTransition
	KindNotFound
	KindNetwork
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindNotFound:
		return "not_found"
	case KindNetwork:
		return "network_error"
	case KindService:
		return "service_error"
	}
	return "unknown_error"
}

// 每种分类对应一个 sentinel，errors.Is 可直接比较
var (
	ErrValidation        = errors.New("validation error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrNetwork           = errors.New("network error")
	ErrService           = errors.New("service error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindNotFound:
		return ErrNotFound
	case KindNetwork:
		return ErrNetwork
	case KindService:
		return ErrService
	}
	return nil
}

// Error 同步核心对外返回的统一错误
type Error struct {
	Kind    Kind
	Message string // 可以直接展示给用户的文案
	Status  int    // 远端返回的 HTTP 状态码，本地错误为 0
	Err     error  // 原始错误
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Status > 0 {
		return fmt.Sprintf("Server error: %d", e.Status)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrPermissionDenied) 之类的判断生效
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(msg string) *Error        { return New(KindValidation, msg) }
func PermissionDenied(msg string) *Error  { return New(KindPermissionDenied, msg) }
func InvalidTransition(msg string) *Error { return New(KindInvalidTransition, msg) }
func NotFound(msg string) *Error          { return New(KindNotFound, msg) }

// Network 请求没有拿到响应（连接失败、超时、熔断）
func Network(msg string, err error) *Error {
	return Wrap(KindNetwork, msg, err)
}

// Service 远端返回了非 2xx，msg 为空表示响应里没有可展示的文案
func Service(status int, msg string) *Error {
	kind := KindService
	switch status {
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusForbidden:
		kind = KindPermissionDenied
	case http.StatusUnprocessableEntity:
		kind = KindValidation
	}
	return &Error{Kind: kind, Message: msg, Status: status}
}

// KindOf 提取错误分类
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message 提取展示文案，没有文案时使用 fallback
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}

// HTTPStatus 服务端使用：错误分类映射到状态码
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindInvalidTransition:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
