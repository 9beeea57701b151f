package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind 执行路由返回给调用方的错误类型
type ErrorKind string

const (
	ErrorKindToolNotFound        ErrorKind = "TOOL_NOT_FOUND"
	ErrorKindNoServicesAvailable ErrorKind = "NO_SERVICES_AVAILABLE"
	ErrorKindLoadBalancer        ErrorKind = "LOAD_BALANCER_ERROR"
	ErrorKindCircuitBreakerOpen  ErrorKind = "CIRCUIT_BREAKER_OPEN"
	ErrorKindTimeout             ErrorKind = "TIMEOUT"
	ErrorKindInternal            ErrorKind = "INTERNAL_ERROR"
	ErrorKindCancelled           ErrorKind = "CANCELLED"
	ErrorKindQueueFull           ErrorKind = "QUEUE_FULL"
)

// ErrServiceNotFound 服务不存在
var ErrServiceNotFound = errors.New("服务不存在")

// ErrConflict 乐观并发更新多次重试后仍然冲突
var ErrConflict = errors.New("并发更新冲突")

// ExecutionError 执行路由的结构化错误
type ExecutionError struct {
	Kind        ErrorKind `json:"code"`
	Message     string    `json:"message"`
	ExecutionID string    `json:"execution_id,omitempty"`
}

// Error 实现error接口
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// JSON 序列化为执行记录的error_data
func (e *ExecutionError) JSON() json.RawMessage {
	data, err := json.Marshal(e)
	if err != nil {
		return json.RawMessage(`{"code":"INTERNAL_ERROR"}`)
	}
	return data
}

// NewExecutionError 创建执行错误
func NewExecutionError(kind ErrorKind, format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// AsExecutionError 从错误链中提取ExecutionError
func AsExecutionError(err error) (*ExecutionError, bool) {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr, true
	}
	return nil, false
}
