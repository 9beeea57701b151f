package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/core/model"
)

// 与工具中心共用的数据类型
type (
	ToolSpec        = model.ToolSpec
	HealthCheckSpec = model.HealthCheckSpec
	Tool            = model.Tool
	ExecuteResult   = model.ExecuteResult
	ExecutionError  = model.ExecutionError
)

// ErrRegistrationExpired 服务在工具中心已不存在或已失效，需要重新注册
var ErrRegistrationExpired = errors.New("服务注册已失效")

// Config SDK客户端配置
type Config struct {
	// 工具中心地址，如 "localhost:8000"
	HubAddr string `json:"hub_addr"`
	// 服务ID，为空时由工具中心生成
	ServiceID string `json:"service_id"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 服务地址与端口
	Address string `json:"address"`
	Port    int    `json:"port"`
	Version string `json:"version"`
	// 标签列表
	Tags []string `json:"tags"`
	// 元数据
	Meta   map[string]string `json:"meta"`
	Weight int               `json:"weight"`
	// 健康检查，可为nil
	HealthCheck *HealthCheckSpec `json:"health_check"`
	// 对外提供的工具
	Tools []ToolSpec `json:"tools"`
	// 心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// 日志，默认不输出
	Logger config.Logger `json:"-"`
}

// Client 工具中心客户端，负责spoke的注册、心跳与注销，也可以调用工具
type Client struct {
	config     *Config
	httpClient *http.Client

	mu           sync.Mutex
	serviceID    string
	isRegistered bool
	stopChan     chan struct{}
	done         chan struct{}
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError 工具中心返回的非200响应
type APIError struct {
	StatusCode int
	Message    string
	Data       json.RawMessage
}

// Error 实现error接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// NewClient 创建SDK客户端
func NewClient(cfg *Config) (*Client, error) {
	// 验证必填配置
	if cfg.HubAddr == "" {
		return nil, fmt.Errorf("工具中心地址不能为空")
	}

	// 设置默认值
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = config.NewNopLogger()
	}

	return &Client{
		config:     cfg,
		httpClient: &http.Client{},
		serviceID:  cfg.ServiceID,
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string) string {
	scheme := "http"
	if c.config.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.config.HubAddr, path)
}

// 发送HTTP请求；非200响应返回*APIError
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w, 响应内容: %s", err, string(respBody))
	}

	if resp.StatusCode != http.StatusOK {
		return &apiResp, &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message, Data: apiResp.Data}
	}
	return &apiResp, nil
}

// withTimeout 为没有截止时间的请求加上默认超时
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}

// ListTools 获取工具中心当前可执行的工具
func (c *Client) ListTools(ctx context.Context) ([]*Tool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("获取工具列表失败: %w", err)
	}

	var data struct {
		Tools []*Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("解析工具列表失败: %w", err)
	}
	return data.Tools, nil
}

// ExecuteTool 通过工具中心调用工具；执行失败时返回*ExecutionError
func (c *Client) ExecuteTool(ctx context.Context, name string, arguments interface{}) (*ExecuteResult, error) {
	args, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("序列化工具参数失败: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/tools/"+name+"/execute", map[string]interface{}{
		"arguments": json.RawMessage(args),
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Data) > 0 {
			execErr := new(ExecutionError)
			if json.Unmarshal(apiErr.Data, execErr) == nil && execErr.Kind != "" {
				return nil, execErr
			}
		}
		return nil, err
	}

	var result ExecuteResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("解析执行结果失败: %w", err)
	}
	return &result, nil
}
