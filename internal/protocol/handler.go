package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/core/model"
)

// ProtocolVersion 服务端支持的协议版本
const ProtocolVersion = "2024-11-05"

// 错误码
const (
	CodeParseError       int64 = -32700
	CodeInvalidRequest   int64 = -32600
	CodeMethodNotFound   int64 = -32601
	CodeInvalidParams    int64 = -32602
	CodeInternalError    int64 = -32603
	CodeResourceNotFound int64 = -32002
)

// 支持的方法
const (
	MethodInitialize        = "initialize"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	MethodPing              = "ping"
	MethodResourcesList     = "resources/list"
	MethodResourcesRead     = "resources/read"
	MethodNotifyInitialized = "notifications/initialized"
	MethodNotifyCancelled   = "notifications/cancelled"
)

// Error 协议层错误
type Error struct {
	Code    int64
	Message string
}

// Error 实现error接口
func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

func newError(code int64, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ToolLister 列出当前可执行的工具
type ToolLister interface {
	ListTools(ctx context.Context) ([]*model.Tool, error)
}

// Executor 执行与取消工具调用
type Executor interface {
	ExecuteTool(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error)
	CancelExecution(ctx context.Context, executionID string) (bool, error)
}

// Option 协议处理器的可选参数
type Option func(*Handler)

// WithServerInfo 设置对外报告的服务名称与版本
func WithServerInfo(name, version string) Option {
	return func(h *Handler) {
		h.name = name
		h.version = version
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler JSON-RPC方法分发器
type Handler struct {
	tools    ToolLister
	executor Executor
	logger   config.Logger
	name     string
	version  string
	now      func() time.Time

	// 请求ID到执行ID的映射，供notifications/cancelled使用
	mu       sync.Mutex
	inflight map[string]string
}

// NewHandler 创建协议处理器
func NewHandler(tools ToolLister, executor Executor, logger config.Logger, opts ...Option) *Handler {
	h := &Handler{
		tools:    tools,
		executor: executor,
		logger:   logger,
		name:     "tool-hub",
		version:  "1.0.0",
		now:      time.Now,
		inflight: make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

const jsonrpcVersion = "2.0"

type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Handle 处理一条消息并返回编码后的响应；通知消息返回nil
func (h *Handler) Handle(ctx context.Context, raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return encodeNullIDError(newError(CodeInvalidRequest, "不支持批量请求"))
	}

	if !json.Valid(trimmed) {
		return encodeNullIDError(newError(CodeParseError, "解析请求失败: 不是合法的JSON"))
	}
	if trimmed[0] != '{' {
		return encodeNullIDError(newError(CodeInvalidRequest, "请求必须是JSON对象"))
	}

	var msg inboundMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return encodeNullIDError(newError(CodeInvalidRequest, "无效的请求: %v", err))
	}

	id, err := decodeID(msg.ID)
	if err != nil {
		return encodeNullIDError(newError(CodeInvalidRequest, "无效的请求ID: %v", err))
	}
	if msg.JSONRPC != jsonrpcVersion {
		if !id.IsValid() {
			return encodeNullIDError(newError(CodeInvalidRequest, "不支持的jsonrpc版本: %q", msg.JSONRPC))
		}
		return encodeResponse(id, nil, newError(CodeInvalidRequest, "不支持的jsonrpc版本: %q", msg.JSONRPC))
	}
	if msg.Method == "" {
		if !id.IsValid() {
			return encodeNullIDError(newError(CodeInvalidRequest, "缺少method"))
		}
		return encodeResponse(id, nil, newError(CodeInvalidRequest, "缺少method"))
	}

	result, rpcErr := h.dispatch(ctx, id, msg.Method, msg.Params)
	if !id.IsValid() {
		if rpcErr != nil {
			h.logger.Debug("通知处理失败", zap.String("method", msg.Method), zap.Error(rpcErr))
		}
		return nil
	}
	return encodeResponse(id, result, rpcErr)
}

// dispatch 调用具体方法，方法内的panic转换为内部错误
func (h *Handler) dispatch(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (result interface{}, rpcErr *Error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("处理请求时发生异常", zap.String("method", method), zap.Any("panic", p))
			result = nil
			rpcErr = newError(CodeInternalError, "内部错误: %v", p)
		}
	}()

	switch method {
	case MethodInitialize:
		return h.initialize(params)
	case MethodToolsList:
		return h.listTools(ctx)
	case MethodToolsCall:
		return h.callTool(ctx, id, params)
	case MethodPing:
		return h.ping(), nil
	case MethodResourcesList:
		return map[string]interface{}{"resources": []interface{}{}}, nil
	case MethodResourcesRead:
		return h.readResource(params)
	case MethodNotifyInitialized:
		h.logger.Debug("客户端初始化完成")
		return nil, nil
	case MethodNotifyCancelled:
		return nil, h.cancelled(ctx, params)
	default:
		return nil, newError(CodeMethodNotFound, "方法不存在: %s", method)
	}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (h *Handler) initialize(params json.RawMessage) (interface{}, *Error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, newError(CodeInvalidParams, "解析initialize参数失败: %v", err)
		}
	}
	if p.ProtocolVersion != ProtocolVersion {
		h.logger.Warn("客户端协议版本不一致",
			zap.String("client_version", p.ProtocolVersion),
			zap.String("server_version", ProtocolVersion))
	}
	h.logger.Info("客户端初始化",
		zap.String("client", p.ClientInfo.Name),
		zap.String("client_version", p.ClientInfo.Version))

	return map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": false},
			"resources": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    h.name,
			"version": h.version,
		},
	}, nil
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

func (h *Handler) listTools(ctx context.Context) (interface{}, *Error) {
	tools, err := h.tools.ListTools(ctx)
	if err != nil {
		return nil, newError(CodeInternalError, "获取工具列表失败: %v", err)
	}

	descriptors := make([]toolDescriptor, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		descriptors = append(descriptors, toolDescriptor{
			Name:        t.ID,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return map[string]interface{}{"tools": descriptors}, nil
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Meta      struct {
		CorrelationID string `json:"correlationId"`
	} `json:"_meta"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content     []textContent `json:"content"`
	IsError     bool          `json:"isError"`
	ExecutionID string        `json:"executionId,omitempty"`
}

func (h *Handler) callTool(ctx context.Context, id jsonrpc.ID, params json.RawMessage) (interface{}, *Error) {
	var p callParams
	if len(params) == 0 {
		return nil, newError(CodeInvalidParams, "缺少params")
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, newError(CodeInvalidParams, "解析tools/call参数失败: %v", err)
	}
	if p.Name == "" {
		return nil, newError(CodeInvalidParams, "缺少工具名称")
	}

	executionID := uuid.NewString()
	if id.IsValid() {
		key := idKey(id)
		h.mu.Lock()
		h.inflight[key] = executionID
		h.mu.Unlock()
		defer func() {
			h.mu.Lock()
			delete(h.inflight, key)
			h.mu.Unlock()
		}()
	}

	result, err := h.executor.ExecuteTool(ctx, model.ExecuteRequest{
		ToolName:      p.Name,
		Arguments:     p.Arguments,
		CorrelationID: p.Meta.CorrelationID,
		ExecutionID:   executionID,
	})
	if err != nil {
		text := err.Error()
		if execErr, ok := model.AsExecutionError(err); ok {
			text = fmt.Sprintf("%s: %s", execErr.Kind, execErr.Message)
		}
		return callResult{
			Content:     []textContent{{Type: "text", Text: text}},
			IsError:     true,
			ExecutionID: executionID,
		}, nil
	}

	text := string(result.Result)
	// 字符串结果直接展示
	var s string
	if json.Unmarshal(result.Result, &s) == nil {
		text = s
	}
	return callResult{
		Content:     []textContent{{Type: "text", Text: text}},
		IsError:     false,
		ExecutionID: result.ExecutionID,
	}, nil
}

func (h *Handler) ping() interface{} {
	return map[string]interface{}{
		"status":    "ok",
		"server":    h.name,
		"version":   h.version,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	}
}

func (h *Handler) readResource(params json.RawMessage) (interface{}, *Error) {
	var p struct {
		URI string `json:"uri"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	return nil, newError(CodeResourceNotFound, "资源不存在: %s", p.URI)
}

type cancelledParams struct {
	RequestID   json.RawMessage `json:"requestId"`
	ExecutionID string          `json:"executionId"`
	Reason      string          `json:"reason"`
}

func (h *Handler) cancelled(ctx context.Context, params json.RawMessage) *Error {
	var p cancelledParams
	if len(params) == 0 {
		return newError(CodeInvalidParams, "缺少params")
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return newError(CodeInvalidParams, "解析取消参数失败: %v", err)
	}

	executionID := p.ExecutionID
	if executionID == "" && len(p.RequestID) > 0 {
		id, err := decodeID(p.RequestID)
		if err != nil || !id.IsValid() {
			return newError(CodeInvalidParams, "无效的requestId")
		}
		h.mu.Lock()
		executionID = h.inflight[idKey(id)]
		h.mu.Unlock()
	}
	if executionID == "" {
		h.logger.Debug("取消通知未匹配到执行")
		return nil
	}

	cancelled, err := h.executor.CancelExecution(ctx, executionID)
	if err != nil {
		return newError(CodeInternalError, "取消执行失败: %v", err)
	}
	h.logger.Info("收到取消通知",
		zap.String("execution_id", executionID),
		zap.String("reason", p.Reason),
		zap.Bool("cancelled", cancelled))
	return nil
}

// decodeID 解析消息ID；缺失或为null时返回无效ID
func decodeID(raw json.RawMessage) (jsonrpc.ID, error) {
	if len(raw) == 0 {
		return jsonrpc.ID{}, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return jsonrpc.ID{}, err
	}
	return jsonrpc.MakeID(v)
}

func idKey(id jsonrpc.ID) string {
	return fmt.Sprintf("%T:%v", id.Raw(), id.Raw())
}

func encodeResponse(id jsonrpc.ID, result interface{}, rpcErr *Error) []byte {
	resp := &jsonrpc.Response{ID: id}
	if rpcErr != nil {
		resp.Error = &jsonrpc.Error{Code: rpcErr.Code, Message: rpcErr.Message}
	} else {
		if result == nil {
			result = map[string]interface{}{}
		}
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = &jsonrpc.Error{Code: CodeInternalError, Message: fmt.Sprintf("序列化结果失败: %v", err)}
		} else {
			resp.Result = data
		}
	}

	data, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		return encodeNullIDError(newError(CodeInternalError, "编码响应失败: %v", err))
	}
	return data
}

// encodeNullIDError 无法确定请求ID时以null作为响应ID
func encodeNullIDError(rpcErr *Error) []byte {
	data, _ := json.Marshal(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Error   struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{
		JSONRPC: "2.0",
		Error: struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		}{Code: rpcErr.Code, Message: rpcErr.Message},
	})
	return data
}
