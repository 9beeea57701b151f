package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SendHeartbeat 发送心跳；注册已失效时返回ErrRegistrationExpired
func (c *Client) SendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	serviceID, registered := c.serviceID, c.isRegistered
	c.mu.Unlock()
	if !registered {
		return fmt.Errorf("服务尚未注册")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.doRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v1/services/%s/heartbeat", serviceID), nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone) {
			return ErrRegistrationExpired
		}
		return fmt.Errorf("发送心跳失败: %w", err)
	}
	return nil
}

// beat 发送一次心跳，注册失效时重新注册
func (c *Client) beat(ctx context.Context) {
	err := c.SendHeartbeat(ctx)
	if errors.Is(err, ErrRegistrationExpired) {
		c.config.Logger.Warn("服务注册已失效，重新注册", zap.String("service_id", c.GetServiceID()))
		err = c.Register(ctx)
	}
	if err != nil {
		c.config.Logger.Warn("心跳发送失败，将在下一个周期重试", zap.Error(err))
	}
}

// StartHeartbeat 开始心跳任务
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	c.mu.Lock()
	stop := make(chan struct{})
	done := make(chan struct{})
	c.stopChan = stop
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
				c.beat(ctx)
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待其退出
func (c *Client) StopHeartbeat() {
	c.mu.Lock()
	stop, done := c.stopChan, c.done
	c.stopChan, c.done = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Close 停止心跳并注销服务
func (c *Client) Close(ctx context.Context) error {
	c.StopHeartbeat()

	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return fmt.Errorf("注销服务失败: %w", err)
		}
	}
	return nil
}
