package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/tool-hub/internal/core/model"
	serviceStore "github.com/hewenyu/tool-hub/internal/store/service"
)

// Prober 对服务的健康检查地址发起探测
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber 基于HTTP GET的健康探测器，2xx视为健康
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber 创建HTTP健康探测器
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
	}
}

// Probe 实现Prober接口
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("创建健康检查请求失败: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("健康检查请求失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("健康检查返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// RunHealthChecks 对所有需要检查的活跃服务并发执行一轮健康探测。
// 单个服务的探测或写入失败只记录日志，不影响其他服务
func (r *Registry) RunHealthChecks(ctx context.Context) error {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("获取服务列表失败: %w", err)
	}

	now := r.now()
	var g errgroup.Group
	g.SetLimit(r.healthCheckConcurrency())

	for _, s := range services {
		if !s.IsActive || !s.NeedsHealthCheck(now) {
			continue
		}
		service := s
		g.Go(func() error {
			r.checkService(ctx, service)
			return nil
		})
	}

	_ = g.Wait()
	r.reportServiceGauges(ctx)
	return nil
}

func (r *Registry) healthCheckConcurrency() int {
	if r.cfg.HealthCheckConcurrency > 0 {
		return r.cfg.HealthCheckConcurrency
	}
	return 1
}

// checkService 探测单个服务并写回结果
func (r *Registry) checkService(ctx context.Context, service *model.Service) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout())
	probeErr := r.prober.Probe(probeCtx, service.HealthCheckURL)
	cancel()

	healthy := probeErr == nil
	r.metrics.ObserveHealthCheck(healthy)

	checkedAt := r.now()
	threshold := r.cfg.UnhealthyThreshold
	updated, err := r.store.UpdateService(ctx, service.ID, func(s *model.Service) error {
		// 探测期间服务可能已被注销
		if !s.IsActive {
			return serviceStore.ErrSkipUpdate
		}
		s.LastHealthCheck = checkedAt
		if healthy {
			s.IsHealthy = true
			s.ConsecutiveFailures = 0
			return nil
		}
		s.IsHealthy = false
		s.ConsecutiveFailures++
		if threshold > 0 && s.ConsecutiveFailures >= threshold {
			s.IsActive = false
		}
		return nil
	})
	if err != nil {
		r.logger.Error("写入健康检查结果失败", zap.String("service_id", service.ID), zap.Error(err))
		return
	}

	if !healthy {
		r.logger.Warn("服务健康检查失败",
			zap.String("service_id", service.ID),
			zap.Int("consecutive_failures", updated.ConsecutiveFailures),
			zap.Error(probeErr))
		if !updated.IsActive {
			r.logger.Warn("服务连续健康检查失败，已标记为非活跃", zap.String("service_id", service.ID))
		}
	}
}

// CleanupExpired 将超过TTL未刷新的活跃服务标记为非活跃，返回处理的数量
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取服务列表失败: %w", err)
	}

	now := r.now()
	count := 0
	for _, s := range services {
		if !s.IsActive || !s.IsExpired(now) {
			continue
		}

		expired := false
		_, err := r.store.UpdateService(ctx, s.ID, func(current *model.Service) error {
			// 读到的可能已被重新注册刷新
			if !current.IsActive || !current.IsExpired(now) {
				return serviceStore.ErrSkipUpdate
			}
			current.IsActive = false
			expired = true
			return nil
		})
		if err != nil {
			r.logger.Error("标记过期服务失败", zap.String("service_id", s.ID), zap.Error(err))
			continue
		}
		if expired {
			count++
			r.logger.Info("服务已过期", zap.String("service_id", s.ID))
		}
	}

	r.reportServiceGauges(ctx)
	return count, nil
}

// PruneExecutions 删除结束时间早于保留期限的执行记录；未配置保留时间时不做处理
func (r *Registry) PruneExecutions(ctx context.Context) (int, error) {
	retention := r.cfg.ExecutionRetention()
	if r.pruner == nil || retention <= 0 {
		return 0, nil
	}
	count, err := r.pruner.Prune(ctx, r.now().Add(-retention))
	if err != nil {
		return count, fmt.Errorf("清理执行记录失败: %w", err)
	}
	return count, nil
}

// reportServiceGauges 更新各状态服务数量的指标
func (r *Registry) reportServiceGauges(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return
	}
	now := r.now()
	var healthy, unhealthy, inactive int
	for _, s := range services {
		switch {
		case !s.IsAvailable(now):
			inactive++
		case s.IsHealthy:
			healthy++
		default:
			unhealthy++
		}
	}
	r.metrics.SetRegisteredServices(healthy, unhealthy, inactive)
}
