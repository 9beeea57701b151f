package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// HealthCheckSpec 注册时声明的健康检查
type HealthCheckSpec struct {
	HTTP     string `json:"http"`
	Interval string `json:"interval,omitempty"`
}

// ToolSpec 注册时声明的工具
type ToolSpec struct {
	Name           string          `json:"name"`
	DisplayName    string          `json:"display_name,omitempty"`
	Description    string          `json:"description"`
	Category       string          `json:"category,omitempty"`
	Version        string          `json:"version,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	RetryAttempts  int             `json:"retry_attempts,omitempty"`
}

// ServiceRegistrationRequest 服务注册请求
type ServiceRegistrationRequest struct {
	ServiceID   string            `json:"service_id"`
	ServiceName string            `json:"service_name"`
	Address     string            `json:"address"`
	Port        int               `json:"port"`
	Version     string            `json:"version,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	Weight      int               `json:"weight,omitempty"`
	HealthCheck *HealthCheckSpec  `json:"health_check,omitempty"`
	Tools       []ToolSpec        `json:"tools"`
}

// MaxToolsPerService 单个服务可声明的工具上限。
// 注册在一个etcd事务内写入服务、新工具并删除旧工具，1+60+60个操作不超过etcd默认的--max-txn-ops=128
const MaxToolsPerService = 60

// Validate 校验注册请求
func (r *ServiceRegistrationRequest) Validate() error {
	if r.ServiceName == "" {
		return fmt.Errorf("服务名称不能为空")
	}
	if r.Address == "" {
		return fmt.Errorf("服务地址不能为空")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("无效的服务端口: %d", r.Port)
	}
	if r.Weight < 0 {
		return fmt.Errorf("服务权重不能为负数")
	}
	if r.HealthCheck != nil && r.HealthCheck.Interval != "" {
		if _, err := time.ParseDuration(r.HealthCheck.Interval); err != nil {
			return fmt.Errorf("解析健康检查间隔失败: %w", err)
		}
	}

	if len(r.Tools) > MaxToolsPerService {
		return fmt.Errorf("工具数量%d超过上限%d", len(r.Tools), MaxToolsPerService)
	}

	seen := make(map[string]struct{}, len(r.Tools))
	for i, tool := range r.Tools {
		if tool.Name == "" {
			return fmt.Errorf("第%d个工具名称不能为空", i+1)
		}
		if _, ok := seen[tool.Name]; ok {
			return fmt.Errorf("工具名称重复: %s", tool.Name)
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

// ServiceRegistrationResponse 服务注册响应
type ServiceRegistrationResponse struct {
	ServiceID    string    `json:"service_id"`
	RegisteredAt time.Time `json:"registered_at"`
	ToolCount    int       `json:"tool_count"`
}

// ExecuteRequest 工具执行请求
type ExecuteRequest struct {
	ToolName      string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	// ExecutionID 由调用方预先分配时使用，为空则自动生成
	ExecutionID string        `json:"execution_id,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// ExecuteResult 工具执行成功的结果
type ExecuteResult struct {
	ExecutionID   string          `json:"execution_id"`
	CorrelationID string          `json:"correlation_id"`
	ServiceID     string          `json:"service_id"`
	Result        json.RawMessage `json:"result"`
	DurationMs    int64           `json:"duration_ms"`
}

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
