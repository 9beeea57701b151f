package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hewenyu/tool-hub/internal/breaker"
	"github.com/hewenyu/tool-hub/internal/core/model"
	"github.com/hewenyu/tool-hub/internal/execution"
	"github.com/hewenyu/tool-hub/internal/registry"
)

// 协议请求体大小上限
const maxProtocolBody = 4 << 20

// ServiceRegistry HTTP层使用的注册中心能力
type ServiceRegistry interface {
	Register(ctx context.Context, req *model.ServiceRegistrationRequest) (*model.ServiceRegistrationResponse, error)
	Deregister(ctx context.Context, serviceID string) error
	Heartbeat(ctx context.Context, serviceID string) (*model.Service, error)
	Discover(ctx context.Context, filter model.DiscoveryFilter) ([]*model.ServiceInstance, error)
	ListTools(ctx context.Context) ([]*model.Tool, error)
}

// ToolExecutor HTTP层使用的执行能力
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error)
	CancelExecution(ctx context.Context, executionID string) (bool, error)
	GetExecutionStatus(ctx context.Context, executionID string) (*model.ToolExecution, error)
}

// ProtocolHandler 处理一条JSON-RPC消息
type ProtocolHandler interface {
	Handle(ctx context.Context, raw []byte) []byte
}

// Handler 处理工具中心的HTTP请求
type Handler struct {
	registry ServiceRegistry
	executor ToolExecutor
	protocol ProtocolHandler
	breakers *breaker.Set
	gatherer prometheus.Gatherer
}

// NewHandler 创建HTTP处理器；gatherer为nil时使用默认注册表
func NewHandler(registry ServiceRegistry, executor ToolExecutor, protocol ProtocolHandler, breakers *breaker.Set, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		registry: registry,
		executor: executor,
		protocol: protocol,
		breakers: breakers,
		gatherer: gatherer,
	}
}

// RegisterRoutes 注册API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	e.POST("/mcp", h.handleProtocol)

	api := e.Group("/api/v1")

	// 服务注册与发现
	api.POST("/services", h.registerService)
	api.GET("/services", h.discoverServices)
	api.DELETE("/services/:serviceId", h.deregisterService)
	api.PUT("/services/:serviceId/heartbeat", h.heartbeat)

	// 工具
	api.GET("/tools", h.listTools)
	api.POST("/tools/:name/execute", h.executeTool)

	// 执行记录
	api.GET("/executions/:executionId", h.getExecution)
	api.DELETE("/executions/:executionId", h.cancelExecution)

	api.GET("/breakers", h.listBreakers)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "tool-hub",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// registerService 处理服务注册请求
func (h *Handler) registerService(c echo.Context) error {
	req := new(model.ServiceRegistrationRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	resp, err := h.registry.Register(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidRegistration) {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注册成功", resp))
}

// deregisterService 处理服务注销请求
func (h *Handler) deregisterService(c echo.Context) error {
	serviceID := c.Param("serviceId")

	if err := h.registry.Deregister(c.Request().Context(), serviceID); err != nil {
		if errors.Is(err, model.ErrServiceNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在"))
		}
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注销成功", nil))
}

// heartbeat 处理服务心跳请求
func (h *Handler) heartbeat(c echo.Context) error {
	serviceID := c.Param("serviceId")

	service, err := h.registry.Heartbeat(c.Request().Context(), serviceID)
	switch {
	case errors.Is(err, model.ErrServiceNotFound):
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在"))
	case errors.Is(err, registry.ErrServiceInactive):
		return c.JSON(http.StatusGone, errorResponse(http.StatusGone, "服务已失效，请重新注册"))
	case err != nil:
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "心跳更新成功", map[string]interface{}{
		"service_id": service.ID,
		"last_seen":  service.LastSeen,
	}))
}

// discoverServices 处理服务发现请求，healthy_only默认为true
func (h *Handler) discoverServices(c echo.Context) error {
	filter := model.DiscoveryFilter{
		ServiceName: c.QueryParam("service_name"),
		HealthyOnly: true,
	}
	if raw := c.QueryParam("healthy_only"); raw != "" {
		healthyOnly, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "healthy_only参数无效"))
		}
		filter.HealthyOnly = healthyOnly
	}
	if raw := c.QueryParam("tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				filter.Tags = append(filter.Tags, tag)
			}
		}
	}

	instances, err := h.registry.Discover(c.Request().Context(), filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"services": instances,
		"total":    len(instances),
	}))
}

// listTools 返回当前可执行的工具
func (h *Handler) listTools(c echo.Context) error {
	tools, err := h.registry.ListTools(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", map[string]interface{}{
		"tools": tools,
		"total": len(tools),
	}))
}

type executeBody struct {
	Arguments      json.RawMessage `json:"arguments"`
	CorrelationID  string          `json:"correlation_id"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// executeTool 处理REST方式的工具调用
func (h *Handler) executeTool(c echo.Context) error {
	body := new(executeBody)
	if c.Request().ContentLength != 0 {
		if err := c.Bind(body); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
		}
	}
	if body.TimeoutSeconds < 0 {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "timeout_seconds不能为负数"))
	}

	correlationID := body.CorrelationID
	if correlationID == "" {
		correlationID = c.Request().Header.Get(execution.HeaderCorrelationID)
	}

	result, err := h.executor.ExecuteTool(c.Request().Context(), model.ExecuteRequest{
		ToolName:      c.Param("name"),
		Arguments:     body.Arguments,
		CorrelationID: correlationID,
		Timeout:       time.Duration(body.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		execErr, ok := model.AsExecutionError(err)
		if !ok {
			return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
		}
		status := statusForKind(execErr.Kind)
		return c.JSON(status, &model.ApiResponse{Code: status, Message: execErr.Message, Data: execErr})
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "执行成功", result))
}

// statusForKind 将执行错误类型映射为HTTP状态码
func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.ErrorKindToolNotFound:
		return http.StatusNotFound
	case model.ErrorKindNoServicesAvailable, model.ErrorKindLoadBalancer, model.ErrorKindCircuitBreakerOpen:
		return http.StatusServiceUnavailable
	case model.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	case model.ErrorKindQueueFull:
		return http.StatusTooManyRequests
	case model.ErrorKindCancelled:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// getExecution 查询执行记录
func (h *Handler) getExecution(c echo.Context) error {
	record, err := h.executor.GetExecutionStatus(c.Request().Context(), c.Param("executionId"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}
	if record == nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "执行记录不存在"))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", record))
}

// cancelExecution 取消进行中的执行
func (h *Handler) cancelExecution(c echo.Context) error {
	cancelled, err := h.executor.CancelExecution(c.Request().Context(), c.Param("executionId"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "处理成功", map[string]bool{"cancelled": cancelled}))
}

// listBreakers 返回各服务熔断器状态
func (h *Handler) listBreakers(c echo.Context) error {
	states := make(map[string]string)
	if h.breakers != nil {
		for serviceID, state := range h.breakers.Snapshot() {
			states[serviceID] = state.String()
		}
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", states))
}

// handleProtocol 处理JSON-RPC消息，通知返回204
func (h *Handler) handleProtocol(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxProtocolBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "读取请求失败"))
	}

	out := h.protocol.Handle(c.Request().Context(), raw)
	if out == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSONBlob(http.StatusOK, out)
}
