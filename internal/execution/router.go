package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/hewenyu/tool-hub/internal/breaker"
	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/core/model"
	"github.com/hewenyu/tool-hub/internal/metrics"
	executionStore "github.com/hewenyu/tool-hub/internal/store/execution"
)

var (
	errCancelledByRequest = errors.New("执行已被取消")
	errShutdown           = errors.New("执行路由已关闭")
)

// ToolRegistry 执行路由依赖的注册中心能力
type ToolRegistry interface {
	ResolveTool(ctx context.Context, toolID string) (*model.Tool, error)
	ServicesForTool(ctx context.Context, toolID string) ([]*model.Service, error)
	AdjustLoad(ctx context.Context, serviceID string, delta int) error
	RecordExecution(ctx context.Context, serviceID, toolID string, duration time.Duration, success bool, at time.Time) error
}

// ServiceSelector 从候选服务中选出本次调用的服务
type ServiceSelector interface {
	Select(toolID string, candidates []*model.Service) *model.Service
}

// Option 执行路由的可选参数
type Option func(*Router)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithMetrics 注入指标收集器
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router 将工具调用路由到具体的spoke服务
type Router struct {
	registry   ToolRegistry
	executions executionStore.ExecutionStore
	breakers   *breaker.Set
	selector   ServiceSelector
	invoker    Invoker
	cfg        config.ExecutionConfig
	logger     config.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	limiter *semaphore.Weighted
	waiting atomic.Int64

	mu       sync.Mutex
	active   map[string]context.CancelCauseFunc
	draining bool

	recorder *statsRecorder
}

// NewRouter 创建执行路由并启动统计写入协程
func NewRouter(
	registry ToolRegistry,
	executions executionStore.ExecutionStore,
	breakers *breaker.Set,
	selector ServiceSelector,
	invoker Invoker,
	cfg config.ExecutionConfig,
	logger config.Logger,
	opts ...Option,
) *Router {
	maxConcurrent := cfg.MaxConcurrentExecutions
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	r := &Router{
		registry:   registry,
		executions: executions,
		breakers:   breakers,
		selector:   selector,
		invoker:    invoker,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		limiter:    semaphore.NewWeighted(int64(maxConcurrent)),
		active:     make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.recorder = newStatsRecorder(registry, cfg.ExecutionQueueSize, logger)
	return r
}

// ExecuteTool 解析工具、选择服务并在超时限制内完成一次调用
func (r *Router) ExecuteTool(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error) {
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	logger := r.logger.With(
		zap.String("tool", req.ToolName),
		zap.String("execution_id", executionID),
		zap.String("correlation_id", correlationID))

	if r.isDraining() {
		return nil, model.NewExecutionError(model.ErrorKindCancelled, "执行路由正在关闭")
	}

	release, err := r.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tool, err := r.registry.ResolveTool(ctx, req.ToolName)
	if err != nil {
		return nil, model.NewExecutionError(model.ErrorKindInternal, "解析工具失败: %v", err)
	}
	if tool == nil {
		return nil, model.NewExecutionError(model.ErrorKindToolNotFound, "工具不存在: %s", req.ToolName)
	}

	services, err := r.registry.ServicesForTool(ctx, tool.ID)
	if err != nil {
		return nil, model.NewExecutionError(model.ErrorKindInternal, "获取可用服务失败: %v", err)
	}
	if len(services) == 0 {
		return nil, model.NewExecutionError(model.ErrorKindNoServicesAvailable, "没有可用的服务提供工具: %s", tool.ID)
	}

	service := r.selector.Select(tool.ID, services)
	if service == nil {
		return nil, model.NewExecutionError(model.ErrorKindLoadBalancer, "负载均衡未能选出服务: %s", tool.ID)
	}
	logger = logger.With(zap.String("service_id", service.ID))

	cb := r.breakers.Get(service.ID)
	if !cb.CanExecute() {
		r.metrics.IncBreakerRejection(service.ID)
		r.metrics.SetBreakerState(service.ID, int(cb.State()))
		logger.Warn("熔断器打开，拒绝调用")
		return nil, model.NewExecutionError(model.ErrorKindCircuitBreakerOpen, "服务 %s 的熔断器已打开", service.ID)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = tool.Timeout()
		if tool.TimeoutSeconds <= 0 && r.cfg.ToolExecutionTimeoutSeconds > 0 {
			timeout = r.cfg.ToolExecutionTimeout()
		}
	}

	startedAt := r.now()
	record := &model.ToolExecution{
		ID:            executionID,
		CorrelationID: correlationID,
		ToolID:        tool.ID,
		ServiceID:     service.ID,
		InputData:     req.Arguments,
		Status:        model.ExecutionStatusRunning,
		StartedAt:     startedAt,
	}
	if err := r.executions.Create(ctx, record); err != nil {
		return nil, model.NewExecutionError(model.ErrorKindInternal, "创建执行记录失败: %v", err)
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.track(executionID, cancel)
	defer r.untrack(executionID)

	r.adjustLoad(ctx, service.ID, 1, logger)
	r.metrics.AddInflight(1)

	timeoutCtx, cancelTimeout := context.WithTimeout(callCtx, timeout)
	output, invokeErr := r.invoker.Invoke(timeoutCtx, Invocation{
		Service:       service,
		ToolID:        tool.ID,
		Arguments:     req.Arguments,
		CorrelationID: correlationID,
		ExecutionID:   executionID,
	})
	timedOut := errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && callCtx.Err() == nil
	cancelTimeout()

	r.metrics.AddInflight(-1)
	r.adjustLoad(ctx, service.ID, -1, logger)

	completedAt := r.now()
	duration := completedAt.Sub(startedAt)

	var (
		outcome model.ExecutionOutcome
		execErr *model.ExecutionError
	)
	switch {
	case invokeErr == nil:
		outcome = model.ExecutionOutcome{Status: model.ExecutionStatusCompleted, Output: output, CompletedAt: completedAt}
	case callCtx.Err() != nil:
		// 由CancelExecution、关闭或调用方取消
		execErr = model.NewExecutionError(model.ErrorKindCancelled, "执行已取消: %v", context.Cause(callCtx))
		outcome = model.ExecutionOutcome{Status: model.ExecutionStatusCancelled, CompletedAt: completedAt}
	case timedOut:
		execErr = model.NewExecutionError(model.ErrorKindTimeout, "工具执行超时(%s)", timeout)
		outcome = model.ExecutionOutcome{Status: model.ExecutionStatusTimeout, CompletedAt: completedAt}
	default:
		execErr = model.NewExecutionError(model.ErrorKindInternal, "%v", invokeErr)
		outcome = model.ExecutionOutcome{Status: model.ExecutionStatusFailed, CompletedAt: completedAt}
	}
	if execErr != nil {
		execErr.ExecutionID = executionID
		outcome.Error = execErr.JSON()
	}

	storeCtx := context.WithoutCancel(ctx)
	completed, err := r.executions.Complete(storeCtx, executionID, outcome)
	if err != nil {
		logger.Error("更新执行记录失败", zap.Error(err))
	} else if !completed && outcome.Status != model.ExecutionStatusCancelled {
		// 调用结束前记录已被CancelExecution标记为取消
		execErr = model.NewExecutionError(model.ErrorKindCancelled, "执行已取消")
		execErr.ExecutionID = executionID
		outcome.Status = model.ExecutionStatusCancelled
	}

	switch outcome.Status {
	case model.ExecutionStatusCompleted:
		cb.RecordSuccess()
		r.recorder.record(statsUpdate{serviceID: service.ID, toolID: tool.ID, duration: duration, success: true, at: completedAt})
	case model.ExecutionStatusTimeout:
		cb.RecordFailure()
		r.recorder.record(statsUpdate{serviceID: service.ID, toolID: tool.ID, duration: timeout, success: false, at: completedAt})
	case model.ExecutionStatusFailed:
		cb.RecordFailure()
		r.recorder.record(statsUpdate{serviceID: service.ID, toolID: tool.ID, duration: duration, success: false, at: completedAt})
	}
	r.metrics.SetBreakerState(service.ID, int(cb.State()))
	r.metrics.ObserveExecution(tool.ID, string(outcome.Status), duration)

	if execErr != nil {
		logger.Warn("工具执行失败",
			zap.String("status", string(outcome.Status)),
			zap.Duration("duration", duration),
			zap.Error(execErr))
		return nil, execErr
	}

	logger.Debug("工具执行完成", zap.Duration("duration", duration))
	return &model.ExecuteResult{
		ExecutionID:   executionID,
		CorrelationID: correlationID,
		ServiceID:     service.ID,
		Result:        output,
		DurationMs:    duration.Milliseconds(),
	}, nil
}

// admit 申请执行名额；名额用尽时最多排队execution_queue_size个请求
func (r *Router) admit(ctx context.Context) (func(), error) {
	release := func() { r.limiter.Release(1) }
	if r.limiter.TryAcquire(1) {
		return release, nil
	}

	if r.waiting.Add(1) > int64(r.cfg.ExecutionQueueSize) {
		r.waiting.Add(-1)
		return nil, model.NewExecutionError(model.ErrorKindQueueFull, "执行队列已满")
	}
	err := r.limiter.Acquire(ctx, 1)
	r.waiting.Add(-1)
	if err != nil {
		return nil, model.NewExecutionError(model.ErrorKindCancelled, "等待执行名额时取消: %v", err)
	}
	return release, nil
}

func (r *Router) adjustLoad(ctx context.Context, serviceID string, delta int, logger config.Logger) {
	if err := r.registry.AdjustLoad(context.WithoutCancel(ctx), serviceID, delta); err != nil {
		logger.Warn("更新服务负载失败", zap.Int("delta", delta), zap.Error(err))
	}
}

// track 登记可取消的执行；关闭过程中登记的执行立即取消
func (r *Router) track(executionID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[executionID] = cancel
	if r.draining {
		cancel(errShutdown)
	}
}

func (r *Router) isDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

func (r *Router) untrack(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, executionID)
}

// CancelExecution 取消仍在进行中的执行。已结束或不存在的执行返回false
func (r *Router) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	r.mu.Lock()
	cancel, ok := r.active[executionID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	errData := model.NewExecutionError(model.ErrorKindCancelled, "执行已取消")
	errData.ExecutionID = executionID
	cancelled, err := r.executions.Complete(ctx, executionID, model.ExecutionOutcome{
		Status:      model.ExecutionStatusCancelled,
		Error:       errData.JSON(),
		CompletedAt: r.now(),
	})
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}

	cancel(errCancelledByRequest)
	r.logger.Info("执行已取消", zap.String("execution_id", executionID))
	return true, nil
}

// GetExecutionStatus 获取执行记录，不存在时返回nil
func (r *Router) GetExecutionStatus(ctx context.Context, executionID string) (*model.ToolExecution, error) {
	return r.executions.Get(ctx, executionID)
}

// ActiveExecutions 返回进行中的执行数量
func (r *Router) ActiveExecutions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Flush 等待已排队的统计更新全部写入
func (r *Router) Flush(ctx context.Context) error {
	return r.recorder.flush(ctx)
}

// Drain 拒绝新的执行并取消所有进行中的执行，统计写入不受影响
func (r *Router) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
	for _, cancel := range r.active {
		cancel(errShutdown)
	}
}

// Close 取消所有进行中的执行并写完剩余统计
func (r *Router) Close(ctx context.Context) error {
	r.Drain()
	return r.recorder.close(ctx)
}
