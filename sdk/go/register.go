package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hewenyu/tool-hub/internal/core/model"
)

// Register 向工具中心注册服务及其工具，重复调用等价于刷新注册
func (c *Client) Register(ctx context.Context) error {
	c.mu.Lock()
	serviceID := c.serviceID
	c.mu.Unlock()

	req := model.ServiceRegistrationRequest{
		ServiceID:   serviceID,
		ServiceName: c.config.ServiceName,
		Address:     c.config.Address,
		Port:        c.config.Port,
		Version:     c.config.Version,
		Tags:        c.config.Tags,
		Meta:        c.config.Meta,
		Weight:      c.config.Weight,
		HealthCheck: c.config.HealthCheck,
		Tools:       c.config.Tools,
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("注册信息无效: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/services", req)
	if err != nil {
		return fmt.Errorf("服务注册失败: %w", err)
	}

	var registerResp model.ServiceRegistrationResponse
	if err := json.Unmarshal(resp.Data, &registerResp); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	c.mu.Lock()
	c.serviceID = registerResp.ServiceID
	c.isRegistered = true
	c.mu.Unlock()
	return nil
}

// Deregister 注销服务
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	serviceID, registered := c.serviceID, c.isRegistered
	c.mu.Unlock()
	if !registered {
		return fmt.Errorf("服务尚未注册")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/services/%s", serviceID), nil)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound) {
		return fmt.Errorf("服务注销失败: %w", err)
	}

	c.mu.Lock()
	c.isRegistered = false
	c.mu.Unlock()
	return nil
}

// GetServiceID 获取服务ID
func (c *Client) GetServiceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceID
}

// IsRegistered 检查服务是否已注册
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isRegistered
}
