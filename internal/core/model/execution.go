package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus 工具执行状态
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal 判断是否为终态，终态不可再变更
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// ToolExecution 一次工具调用的审计与状态记录
type ToolExecution struct {
	ID            string          `json:"execution_id"`
	CorrelationID string          `json:"correlation_id"`
	ToolID        string          `json:"tool_id"`
	ServiceID     string          `json:"service_id"`
	InputData     json.RawMessage `json:"input_data,omitempty"`
	OutputData    json.RawMessage `json:"output_data,omitempty"`
	ErrorData     json.RawMessage `json:"error_data,omitempty"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
}

// ExecutionOutcome 描述一次执行的终态结果
type ExecutionOutcome struct {
	Status      ExecutionStatus
	Output      json.RawMessage
	Error       json.RawMessage
	CompletedAt time.Time
}

// Complete 将执行记录推进到终态；已处于终态时返回false且不做修改
func (e *ToolExecution) Complete(outcome ExecutionOutcome) bool {
	if e.Status.IsTerminal() || !outcome.Status.IsTerminal() {
		return false
	}
	e.Status = outcome.Status
	if outcome.Error != nil {
		e.ErrorData = outcome.Error
		e.OutputData = nil
	} else {
		e.OutputData = outcome.Output
	}
	e.CompletedAt = outcome.CompletedAt
	e.DurationMs = outcome.CompletedAt.Sub(e.StartedAt).Milliseconds()
	return true
}

// Clone 返回执行记录的拷贝
func (e *ToolExecution) Clone() *ToolExecution {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
