// Package errors 定义带 HTTP 状态映射的业务错误
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error 业务错误. 预定义错误只读, 修改类方法均返回副本
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Cause      error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is 按错误码比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage 替换错误消息
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// Wrap 附加底层原因
func Wrap(err *Error, cause error) *Error {
	c := *err
	c.Cause = cause
	return &c
}

func define(code, message string, httpStatus int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: httpStatus}
}

// 通用错误码
var (
	ErrInternal           = define("INTERNAL_ERROR", "内部错误", http.StatusInternalServerError)
	ErrInvalidRequest     = define("INVALID_REQUEST", "请求参数无效", http.StatusBadRequest)
	ErrUnauthorized       = define("UNAUTHORIZED", "未授权", http.StatusUnauthorized)
	ErrForbidden          = define("FORBIDDEN", "禁止访问", http.StatusForbidden)
	ErrNotFound           = define("NOT_FOUND", "资源不存在", http.StatusNotFound)
	ErrServiceUnavailable = define("SERVICE_UNAVAILABLE", "服务不可用", http.StatusServiceUnavailable)
)

// 鉴权错误码
var (
	ErrAuthMissing      = define("AUTH_MISSING", "Missing authentication (HMAC or JWT required)", http.StatusUnauthorized)
	ErrInvalidSignature = define("SIGNATURE_INVALID", "Invalid HMAC signature", http.StatusUnauthorized)
	ErrSignatureExpired = define("SIGNATURE_EXPIRED", "Request timestamp too old", http.StatusUnauthorized)
	ErrSignatureReplay  = define("SIGNATURE_REPLAY", "Request signature already used", http.StatusUnauthorized)
	ErrInvalidToken     = define("TOKEN_INVALID", "Invalid or expired token", http.StatusUnauthorized)
)

// 规则/告警错误码
var (
	ErrRuleNotFound         = define("RULE_NOT_FOUND", "Rule not found", http.StatusNotFound)
	ErrRuleSuperseded       = define("RULE_SUPERSEDED", "Cannot update a disabled (superseded) rule. Update the latest version instead.", http.StatusBadRequest)
	ErrInvalidCondition     = define("INVALID_CONDITION", "Invalid rule condition", http.StatusBadRequest)
	ErrAlertNotFound        = define("ALERT_NOT_FOUND", "Alert not found", http.StatusNotFound)
	ErrSubscriptionNotFound = define("SUBSCRIPTION_NOT_FOUND", "Subscription not found", http.StatusNotFound)
)

// ToHTTPStatus 获取 HTTP 状态码
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var bizErr *Error
	if errors.As(err, &bizErr) && bizErr.HTTPStatus != 0 {
		return bizErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Message
	}
	return err.Error()
}
