package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/tool-hub/internal/balancer"
	"github.com/hewenyu/tool-hub/internal/breaker"
	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/core/model"
	"github.com/hewenyu/tool-hub/internal/registry"
	executionStore "github.com/hewenyu/tool-hub/internal/store/execution"
	serviceStore "github.com/hewenyu/tool-hub/internal/store/service"
)

// spokeHandler 模拟spoke对tools/call的处理
type spokeHandler func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, *jsonrpc.Error)

func newSpoke(t *testing.T, handle spokeHandler) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		msg, err := jsonrpc.DecodeMessage(raw)
		require.NoError(t, err)
		req, ok := msg.(*jsonrpc.Request)
		require.True(t, ok)
		assert.Equal(t, "tools/call", req.Method)

		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &params))

		result, rpcErr := handle(r.Context(), params.Name, params.Arguments)
		resp := &jsonrpc.Response{ID: req.ID, Result: result}
		if rpcErr != nil {
			resp = &jsonrpc.Response{ID: req.ID, Error: rpcErr}
		}
		data, err := jsonrpc.EncodeMessage(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
}

func echoHandler(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	return json.RawMessage(`{"echo":` + string(args) + `}`), nil
}

func hangingHandler(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
	<-ctx.Done()
	return nil, &jsonrpc.Error{Code: -32603, Message: "aborted"}
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// countingInvoker 统计实际发出的调用次数
type countingInvoker struct {
	next  Invoker
	calls atomic.Int64
}

func (c *countingInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	c.calls.Add(1)
	return c.next.Invoke(ctx, inv)
}

type harness struct {
	registry   *registry.Registry
	executions *executionStore.MemoryExecutionStore
	services   *serviceStore.MemoryServiceStore
	breakers   *breaker.Set
	invoker    *countingInvoker
	router     *Router
}

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		ToolExecutionTimeoutSeconds: 300,
		MaxConcurrentExecutions:     8,
		ExecutionQueueSize:          16,
		LoadBalancerAlgorithm:       config.AlgorithmWeighted,
		InvokePath:                  "/mcp",
	}
}

func newHarness(t *testing.T, invoker Invoker, cfg config.ExecutionConfig, opts ...Option) *harness {
	t.Helper()
	services := serviceStore.NewMemoryServiceStore()
	reg := registry.New(services, config.RegistryConfig{
		ServiceTTLSeconds:         300,
		CleanupIntervalSeconds:    60,
		HealthCheckLoopSeconds:    10,
		HealthCheckTimeoutSeconds: 1,
		UnhealthyThreshold:        3,
		HealthCheckConcurrency:    1,
	}, config.NewNopLogger())

	h := &harness{
		registry:   reg,
		executions: executionStore.NewMemoryExecutionStore(),
		services:   services,
		breakers:   breaker.NewSet(breaker.Settings{FailureThreshold: 5, RecoveryTimeout: time.Minute}),
		invoker:    &countingInvoker{next: invoker},
	}
	h.router = NewRouter(reg, h.executions, h.breakers, balancer.NewSelector(cfg.LoadBalancerAlgorithm),
		h.invoker, cfg, config.NewNopLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.router.Close(ctx)
	})
	return h
}

func (h *harness) register(t *testing.T, serviceID, address string, port int, timeoutSeconds int) {
	t.Helper()
	_, err := h.registry.Register(context.Background(), &model.ServiceRegistrationRequest{
		ServiceID:   serviceID,
		ServiceName: "echo",
		Address:     address,
		Port:        port,
		Tools: []model.ToolSpec{{
			Name:           "t.echo",
			Description:    "echo",
			InputSchema:    json.RawMessage(`{"type":"object"}`),
			TimeoutSeconds: timeoutSeconds,
		}},
	})
	require.NoError(t, err)
}

func (h *harness) tool(t *testing.T, serviceID string) *model.Tool {
	t.Helper()
	require.NoError(t, h.router.Flush(context.Background()))
	tools, err := h.services.ListToolsByService(context.Background(), serviceID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	return tools[0]
}

func requireKind(t *testing.T, err error, kind model.ErrorKind) *model.ExecutionError {
	t.Helper()
	execErr, ok := model.AsExecutionError(err)
	require.True(t, ok, "期望ExecutionError，实际为 %v", err)
	require.Equal(t, kind, execErr.Kind)
	return execErr
}

func TestExecuteToolSuccess(t *testing.T) {
	spoke := newSpoke(t, echoHandler)
	defer spoke.Close()

	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())
	host, port := hostPort(t, spoke.URL)
	h.register(t, "svc-1", host, port, 5)

	result, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{
		ToolName:      "t.echo",
		Arguments:     json.RawMessage(`{"x":1}`),
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"x":1}}`, string(result.Result))
	assert.Equal(t, "svc-1", result.ServiceID)
	assert.Equal(t, "corr-1", result.CorrelationID)

	record, err := h.router.GetExecutionStatus(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, model.ExecutionStatusCompleted, record.Status)
	assert.JSONEq(t, `{"echo":{"x":1}}`, string(record.OutputData))
	assert.Nil(t, record.ErrorData)
	assert.Equal(t, record.CompletedAt.Sub(record.StartedAt).Milliseconds(), record.DurationMs)

	tool := h.tool(t, "svc-1")
	assert.Equal(t, int64(1), tool.TotalExecutions)
	assert.Equal(t, int64(1), tool.SuccessfulExecutions)

	service, err := h.services.GetService(context.Background(), "svc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, service.CurrentLoad)
	assert.Equal(t, breaker.StateClosed, h.breakers.Get("svc-1").State())
}

func TestExecuteToolNotFoundCreatesNoRecord(t *testing.T) {
	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())

	_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "missing"})
	requireKind(t, err, model.ErrorKindToolNotFound)
	assert.Equal(t, 0, h.executions.Count())
	assert.Equal(t, int64(0), h.invoker.calls.Load())
}

func TestExecuteToolNoServicesAvailable(t *testing.T) {
	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())
	h.register(t, "svc-1", "127.0.0.1", 1, 5)

	// 工具只在不健康的服务上时视为不存在
	_, err := h.services.UpdateService(context.Background(), "svc-1", func(s *model.Service) error {
		s.IsHealthy = false
		return nil
	})
	require.NoError(t, err)

	_, err = h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	requireKind(t, err, model.ErrorKindToolNotFound)
}

// staticRegistry 工具可解析但没有候选服务
type staticRegistry struct {
	tool     *model.Tool
	services []*model.Service
}

func (s *staticRegistry) ResolveTool(ctx context.Context, toolID string) (*model.Tool, error) {
	return s.tool, nil
}

func (s *staticRegistry) ServicesForTool(ctx context.Context, toolID string) ([]*model.Service, error) {
	return s.services, nil
}

func (s *staticRegistry) AdjustLoad(ctx context.Context, serviceID string, delta int) error {
	return nil
}

func (s *staticRegistry) RecordExecution(ctx context.Context, serviceID, toolID string, duration time.Duration, success bool, at time.Time) error {
	return nil
}

func TestExecuteToolRaceLeavesNoServices(t *testing.T) {
	reg := &staticRegistry{tool: &model.Tool{ID: "t.echo", TimeoutSeconds: 1}}
	store := executionStore.NewMemoryExecutionStore()
	router := NewRouter(reg, store, breaker.NewSet(breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}),
		balancer.NewSelector(config.AlgorithmWeighted), NewHTTPInvoker(nil, ""), testExecutionConfig(), config.NewNopLogger())
	defer router.Close(context.Background())

	_, err := router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	requireKind(t, err, model.ErrorKindNoServicesAvailable)
	assert.Equal(t, 0, store.Count())
}

func TestExecuteToolTimeout(t *testing.T) {
	spoke := newSpoke(t, hangingHandler)
	defer spoke.Close()

	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())
	host, port := hostPort(t, spoke.URL)
	h.register(t, "svc-1", host, port, 5)

	_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{
		ToolName:    "t.echo",
		ExecutionID: "exec-timeout",
		Timeout:     50 * time.Millisecond,
	})
	execErr := requireKind(t, err, model.ErrorKindTimeout)
	assert.Equal(t, "exec-timeout", execErr.ExecutionID)

	record, err := h.router.GetExecutionStatus(context.Background(), "exec-timeout")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, model.ExecutionStatusTimeout, record.Status)
	assert.Nil(t, record.OutputData)
	assert.NotNil(t, record.ErrorData)

	assert.Equal(t, 1, h.breakers.Get("svc-1").Failures())

	tool := h.tool(t, "svc-1")
	assert.Equal(t, int64(1), tool.TotalExecutions)
	assert.Equal(t, int64(0), tool.SuccessfulExecutions)
	assert.InDelta(t, 50.0, tool.AverageDurationMs, 1e-9)
}

func TestExecuteToolRemoteErrorIsInternal(t *testing.T) {
	spoke := newSpoke(t, func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: -32000, Message: "division by zero"}
	})
	defer spoke.Close()

	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())
	host, port := hostPort(t, spoke.URL)
	h.register(t, "svc-1", host, port, 5)

	_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo", ExecutionID: "exec-1"})
	execErr := requireKind(t, err, model.ErrorKindInternal)
	assert.Contains(t, execErr.Message, "division by zero")

	record, err := h.router.GetExecutionStatus(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, record.Status)
	assert.Equal(t, 1, h.breakers.Get("svc-1").Failures())
}

func TestCancelRunningExecution(t *testing.T) {
	spoke := newSpoke(t, hangingHandler)
	defer spoke.Close()

	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())
	host, port := hostPort(t, spoke.URL)
	h.register(t, "svc-1", host, port, 30)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo", ExecutionID: "exec-run"})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return h.router.ActiveExecutions() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancelled, err := h.router.CancelExecution(context.Background(), "exec-run")
	require.NoError(t, err)
	assert.True(t, cancelled)

	select {
	case err := <-errCh:
		requireKind(t, err, model.ErrorKindCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("取消后调用未返回")
	}

	record, err := h.router.GetExecutionStatus(context.Background(), "exec-run")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, record.Status)
	assert.Equal(t, 0, h.breakers.Get("svc-1").Failures(), "取消不计入熔断失败")

	cancelled, err = h.router.CancelExecution(context.Background(), "exec-run")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelCompletedExecution(t *testing.T) {
	spoke := newSpoke(t, echoHandler)
	defer spoke.Close()

	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())
	host, port := hostPort(t, spoke.URL)
	h.register(t, "svc-1", host, port, 5)

	result, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	require.NoError(t, err)

	before, err := h.router.GetExecutionStatus(context.Background(), result.ExecutionID)
	require.NoError(t, err)

	cancelled, err := h.router.CancelExecution(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	after, err := h.router.GetExecutionStatus(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	cancelled, err = h.router.CancelExecution(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

// scriptedInvoker 按顺序推进时钟并返回预设结果
type scriptedInvoker struct {
	mu    sync.Mutex
	clock *manualClock
	steps []scriptedStep
}

type scriptedStep struct {
	duration time.Duration
	err      error
}

func (s *scriptedInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	s.mu.Lock()
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	s.clock.Advance(step.duration)
	if step.err != nil {
		return nil, step.err
	}
	return json.RawMessage(`{}`), nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestToolStatsFollowCallOrder(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	steps := []scriptedStep{
		{duration: 100 * time.Millisecond},
		{duration: 300 * time.Millisecond, err: errors.New("boom")},
		{duration: 50 * time.Millisecond},
		{duration: 200 * time.Millisecond},
	}
	invoker := &scriptedInvoker{clock: clock, steps: append([]scriptedStep(nil), steps...)}

	h := newHarness(t, invoker, testExecutionConfig(), WithClock(clock.Now))
	h.register(t, "svc-1", "127.0.0.1", 9000, 5)

	expectedAvg := 0.0
	successes := int64(0)
	for i, step := range steps {
		_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
		if step.err != nil {
			assert.Error(t, err)
		} else {
			require.NoError(t, err)
			successes++
		}

		ms := float64(step.duration.Milliseconds())
		if i == 0 {
			expectedAvg = ms
		} else {
			expectedAvg = 0.1*ms + 0.9*expectedAvg
		}
	}

	tool := h.tool(t, "svc-1")
	assert.Equal(t, int64(len(steps)), tool.TotalExecutions)
	assert.Equal(t, successes, tool.SuccessfulExecutions)
	assert.InDelta(t, expectedAvg, tool.AverageDurationMs, 1e-9)
	assert.Equal(t, clock.Now(), tool.LastExecuted)
}

func TestCircuitBreakerOpensAfterSpokeStops(t *testing.T) {
	spoke := newSpoke(t, echoHandler)

	h := newHarness(t, NewHTTPInvoker(nil, "/mcp"), testExecutionConfig())
	host, port := hostPort(t, spoke.URL)
	h.register(t, "svc-1", host, port, 5)

	_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.tool(t, "svc-1").SuccessfulExecutions)

	spoke.Close()

	for i := 0; i < 5; i++ {
		_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
		requireKind(t, err, model.ErrorKindInternal)
	}
	assert.Equal(t, breaker.StateOpen, h.breakers.Get("svc-1").State())

	calls := h.invoker.calls.Load()
	_, err = h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	requireKind(t, err, model.ErrorKindCircuitBreakerOpen)
	assert.Equal(t, calls, h.invoker.calls.Load(), "熔断打开时不应发起调用")
}

// blockingInvoker 阻塞直到被释放或取消
type blockingInvoker struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return json.RawMessage(`{}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestExecuteToolQueueFull(t *testing.T) {
	invoker := &blockingInvoker{started: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := testExecutionConfig()
	cfg.MaxConcurrentExecutions = 1
	cfg.ExecutionQueueSize = 0

	h := newHarness(t, invoker, cfg)
	h.register(t, "svc-1", "127.0.0.1", 9000, 5)

	done := make(chan error, 1)
	go func() {
		_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
		done <- err
	}()
	<-invoker.started

	_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	requireKind(t, err, model.ErrorKindQueueFull)

	close(invoker.release)
	require.NoError(t, <-done)
}

func TestCloseCancelsInflight(t *testing.T) {
	invoker := &blockingInvoker{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, invoker, testExecutionConfig())
	h.register(t, "svc-1", "127.0.0.1", 9000, 5)

	done := make(chan error, 1)
	go func() {
		_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
		done <- err
	}()
	<-invoker.started

	require.NoError(t, h.router.Close(context.Background()))
	requireKind(t, <-done, model.ErrorKindCancelled)
}

func TestDrainCancelsInflightAndRejectsNewExecutions(t *testing.T) {
	invoker := &blockingInvoker{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, invoker, testExecutionConfig())
	h.register(t, "svc-1", "127.0.0.1", 9000, 300)

	done := make(chan error, 1)
	go func() {
		_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo", ExecutionID: "exec-1"})
		done <- err
	}()
	<-invoker.started

	h.router.Drain()
	select {
	case err := <-done:
		requireKind(t, err, model.ErrorKindCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("关闭时进行中的执行未被取消")
	}

	record, err := h.router.GetExecutionStatus(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCancelled, record.Status)

	_, err = h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	requireKind(t, err, model.ErrorKindCancelled)
	assert.Equal(t, int64(1), h.invoker.calls.Load())
	assert.Equal(t, 1, h.executions.Count())

	// 统计写入在Close之前仍然可用
	require.NoError(t, h.router.Flush(context.Background()))
	assert.Equal(t, 0, h.router.ActiveExecutions())
}

// deadlineInvoker 记录调用收到的截止时间
type deadlineInvoker struct {
	mu        sync.Mutex
	remaining []time.Duration
	services  []string
}

func (d *deadlineInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		d.remaining = append(d.remaining, time.Until(deadline))
	}
	d.services = append(d.services, inv.Service.ID)
	return json.RawMessage(`{}`), nil
}

func TestExecuteToolUsesConfiguredTimeoutWhenToolDeclaresNone(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.ToolExecutionTimeoutSeconds = 2
	invoker := &deadlineInvoker{}
	h := newHarness(t, invoker, cfg)
	h.register(t, "svc-1", "127.0.0.1", 1, 0)

	_, err := h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	require.NoError(t, err)

	// 声明了超时的工具使用自身的值
	h.register(t, "svc-1", "127.0.0.1", 1, 5)
	_, err = h.router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	require.NoError(t, err)

	require.Len(t, invoker.remaining, 2)
	assert.LessOrEqual(t, invoker.remaining[0], 2*time.Second)
	assert.Greater(t, invoker.remaining[0], time.Second)
	assert.LessOrEqual(t, invoker.remaining[1], 5*time.Second)
	assert.Greater(t, invoker.remaining[1], 4*time.Second)
}

// nilSelector 模拟候选列表在选择时已被清空
type nilSelector struct{}

func (nilSelector) Select(toolID string, candidates []*model.Service) *model.Service {
	return nil
}

func TestExecuteToolLoadBalancerError(t *testing.T) {
	reg := &staticRegistry{
		tool:     &model.Tool{ID: "t.echo", TimeoutSeconds: 1},
		services: []*model.Service{{ID: "svc-1", Weight: 100, IsActive: true, IsHealthy: true}},
	}
	store := executionStore.NewMemoryExecutionStore()
	invoker := &countingInvoker{next: &deadlineInvoker{}}
	router := NewRouter(reg, store, breaker.NewSet(breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}),
		nilSelector{}, invoker, testExecutionConfig(), config.NewNopLogger())
	defer router.Close(context.Background())

	_, err := router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
	requireKind(t, err, model.ErrorKindLoadBalancer)
	assert.Equal(t, 0, store.Count())
	assert.Equal(t, int64(0), invoker.calls.Load())
}

func TestExecuteToolRoundRobinRotatesServices(t *testing.T) {
	reg := &staticRegistry{
		tool: &model.Tool{ID: "t.echo", TimeoutSeconds: 1},
		services: []*model.Service{
			{ID: "svc-b", Weight: 100, IsActive: true, IsHealthy: true},
			{ID: "svc-a", Weight: 200, IsActive: true, IsHealthy: true},
		},
	}
	cfg := testExecutionConfig()
	cfg.LoadBalancerAlgorithm = config.AlgorithmRoundRobin
	invoker := &deadlineInvoker{}
	router := NewRouter(reg, executionStore.NewMemoryExecutionStore(),
		breaker.NewSet(breaker.Settings{FailureThreshold: 1, RecoveryTimeout: time.Minute}),
		balancer.NewSelector(cfg.LoadBalancerAlgorithm), invoker, cfg, config.NewNopLogger())
	defer router.Close(context.Background())

	for i := 0; i < 3; i++ {
		result, err := router.ExecuteTool(context.Background(), model.ExecuteRequest{ToolName: "t.echo"})
		require.NoError(t, err)
		assert.Equal(t, invoker.services[i], result.ServiceID)
	}
	assert.Equal(t, []string{"svc-a", "svc-b", "svc-a"}, invoker.services)
}
