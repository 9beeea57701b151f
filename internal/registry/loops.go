package registry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start 启动健康检查与过期清理两个后台循环
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go r.runLoop(loopCtx, "health-check", r.cfg.HealthCheckLoopInterval(), func(ctx context.Context) {
		if err := r.RunHealthChecks(ctx); err != nil {
			r.logger.Error("健康检查失败", zap.Error(err))
		}
	})
	go r.runLoop(loopCtx, "cleanup", r.cfg.CleanupInterval(), func(ctx context.Context) {
		count, err := r.CleanupExpired(ctx)
		if err != nil {
			r.logger.Error("清理过期服务失败", zap.Error(err))
		} else if count > 0 {
			r.logger.Info("清理了过期服务", zap.Int("count", count))
		}

		pruned, err := r.PruneExecutions(ctx)
		if err != nil {
			r.logger.Error("清理执行记录失败", zap.Error(err))
		} else if pruned > 0 {
			r.logger.Info("清理了过期执行记录", zap.Int("count", pruned))
		}
	})

	r.logger.Info("注册中心后台任务已启动",
		zap.Duration("health_check_interval", r.cfg.HealthCheckLoopInterval()),
		zap.Duration("cleanup_interval", r.cfg.CleanupInterval()))
}

// Stop 停止后台循环并等待当前迭代结束
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
}

// runLoop 按固定间隔执行任务，单次迭代的错误与panic都不会终止循环
func (r *Registry) runLoop(ctx context.Context, name string, interval time.Duration, task func(context.Context)) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, task)
		}
	}
}

func (r *Registry) runOnce(ctx context.Context, name string, task func(context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("后台任务异常", zap.String("loop", name), zap.Any("panic", p))
		}
	}()
	task(ctx)
}
