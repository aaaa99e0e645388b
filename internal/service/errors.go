package service

import (
	"errors"
	"net/http"
)

// Kind 是业务错误的分类，handler 据此映射 HTTP 状态码。
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindUnauthenticated
	KindUnauthorized
	KindNotFound
	KindConflict
)

func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Error 是可恢复的业务错误，Message 可以直接返回给客户端。
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func BadRequest(msg string) error { return &Error{Kind: KindBadRequest, Message: msg} }

func NotFound(msg string) error { return &Error{Kind: KindNotFound, Message: msg} }

func Conflict(msg string) error { return &Error{Kind: KindConflict, Message: msg} }

func Unauthenticated() error {
	return &Error{Kind: KindUnauthenticated, Message: "User is not authenticated"}
}

func Unauthorized() error {
	return &Error{Kind: KindUnauthorized, Message: "User is not authorized"}
}

// KindOf 返回 err 的分类，非业务错误返回 0。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
