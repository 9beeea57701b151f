package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// spoke侧JSON-RPC错误码
const (
	codeInvalidRequest int64 = -32600
	codeMethodNotFound int64 = -32601
	codeInvalidParams  int64 = -32602
	codeToolError      int64 = -32000
)

// 工具中心转发的追踪请求头
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderExecutionID   = "X-Execution-ID"
)

// ToolFunc 工具实现，返回值会被序列化为JSON结果
type ToolFunc func(ctx context.Context, call ToolCall) (interface{}, error)

// ToolCall 一次来自工具中心的调用
type ToolCall struct {
	Name          string
	Arguments     json.RawMessage
	CorrelationID string
	ExecutionID   string
}

// Bind 将参数解析到v
func (c ToolCall) Bind(v interface{}) error {
	if len(c.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(c.Arguments, v)
}

// ToolServer 实现工具中心调用spoke的tools/call协议
type ToolServer struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewToolServer 创建工具服务
func NewToolServer() *ToolServer {
	return &ToolServer{tools: make(map[string]ToolFunc)}
}

// Handle 注册工具实现
func (s *ToolServer) Handle(name string, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = fn
}

// ServeHTTP 实现http.Handler
func (s *ToolServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		writeRPC(w, &jsonrpc.Response{Error: &jsonrpc.Error{Code: codeInvalidRequest, Message: err.Error()}})
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		writeRPC(w, &jsonrpc.Response{Error: &jsonrpc.Error{Code: codeInvalidRequest, Message: "需要请求消息"}})
		return
	}

	result, rpcErr := s.call(r, req)
	resp := &jsonrpc.Response{ID: req.ID, Result: result}
	if rpcErr != nil {
		resp.Result = nil
		resp.Error = rpcErr
	}
	writeRPC(w, resp)
}

func (s *ToolServer) call(r *http.Request, req *jsonrpc.Request) (json.RawMessage, *jsonrpc.Error) {
	if req.Method != "tools/call" {
		return nil, &jsonrpc.Error{Code: codeMethodNotFound, Message: "方法不存在: " + req.Method}
	}

	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &jsonrpc.Error{Code: codeInvalidParams, Message: err.Error()}
	}

	s.mu.RLock()
	fn, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &jsonrpc.Error{Code: codeMethodNotFound, Message: "工具不存在: " + params.Name}
	}

	out, err := fn(r.Context(), ToolCall{
		Name:          params.Name,
		Arguments:     params.Arguments,
		CorrelationID: r.Header.Get(HeaderCorrelationID),
		ExecutionID:   r.Header.Get(HeaderExecutionID),
	})
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, &jsonrpc.Error{Code: codeToolError, Message: err.Error()}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, &jsonrpc.Error{Code: codeToolError, Message: fmt.Sprintf("序列化结果失败: %v", err)}
	}
	return data, nil
}

func writeRPC(w http.ResponseWriter, resp *jsonrpc.Response) {
	data, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
