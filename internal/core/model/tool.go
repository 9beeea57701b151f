package model

import (
	"encoding/json"
	"time"
)

// 工具默认值
const (
	DefaultToolCategory       = "general"
	DefaultToolVersion        = "1.0.0"
	DefaultToolTimeoutSeconds = 300
	DefaultToolRetryAttempts  = 3
	// DurationSmoothingFactor 平均耗时的指数移动平均系数
	DurationSmoothingFactor = 0.1
)

// Tool 表示由某个服务实例对外提供的可调用工具
type Tool struct {
	ID           string          `json:"tool_id"`
	ServiceID    string          `json:"service_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Category     string          `json:"category"`
	Version      string          `json:"version"`
	Tags         []string        `json:"tags,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	// TimeoutSeconds 单次调用的超时时间
	TimeoutSeconds int `json:"timeout_seconds"`
	// RetryAttempts 仅作为声明信息保存，路由不会自动重试
	RetryAttempts int `json:"retry_attempts"`

	TotalExecutions      int64     `json:"total_executions"`
	SuccessfulExecutions int64     `json:"successful_executions"`
	AverageDurationMs    float64   `json:"average_duration_ms"`
	LastExecuted         time.Time `json:"last_executed,omitempty"`
	IsEnabled            bool      `json:"is_enabled"`
}

// Timeout 返回工具的调用超时时间
func (t *Tool) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return DefaultToolTimeoutSeconds * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// RecordExecution 累加一次执行的统计信息
func (t *Tool) RecordExecution(duration time.Duration, success bool, at time.Time) {
	ms := float64(duration) / float64(time.Millisecond)
	if t.TotalExecutions == 0 {
		t.AverageDurationMs = ms
	} else {
		t.AverageDurationMs = DurationSmoothingFactor*ms + (1-DurationSmoothingFactor)*t.AverageDurationMs
	}
	t.TotalExecutions++
	if success {
		t.SuccessfulExecutions++
	}
	t.LastExecuted = at
}

// Clone 返回工具的深拷贝
func (t *Tool) Clone() *Tool {
	if t == nil {
		return nil
	}
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.InputSchema != nil {
		c.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	}
	if t.OutputSchema != nil {
		c.OutputSchema = append(json.RawMessage(nil), t.OutputSchema...)
	}
	return &c
}
