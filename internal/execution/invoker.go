package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/hewenyu/tool-hub/internal/core/model"
)

// 转发给spoke的追踪请求头
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderExecutionID   = "X-Execution-ID"
)

// MetaInvokePath 服务元数据中覆盖调用路径的键
const MetaInvokePath = "invoke_path"

// 响应体大小上限
const maxResponseBytes = 16 << 20

// Invocation 一次对spoke的工具调用
type Invocation struct {
	Service       *model.Service
	ToolID        string
	Arguments     json.RawMessage
	CorrelationID string
	ExecutionID   string
}

// Invoker 调用spoke上的工具
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// RemoteError spoke返回的JSON-RPC错误
type RemoteError struct {
	Code    int64
	Message string
}

// Error 实现error接口
func (e *RemoteError) Error() string {
	return fmt.Sprintf("spoke返回错误 %d: %s", e.Code, e.Message)
}

// HTTPInvoker 通过HTTP POST发送JSON-RPC tools/call请求
type HTTPInvoker struct {
	client     *http.Client
	invokePath string
}

// NewHTTPInvoker 创建HTTP调用器，超时由调用方的context控制
func NewHTTPInvoker(client *http.Client, invokePath string) *HTTPInvoker {
	if client == nil {
		client = &http.Client{}
	}
	if invokePath == "" {
		invokePath = "/mcp"
	}
	return &HTTPInvoker{client: client, invokePath: invokePath}
}

// Endpoint 返回服务的工具调用地址
func (h *HTTPInvoker) Endpoint(service *model.Service) string {
	path := h.invokePath
	if p := service.Meta[MetaInvokePath]; p != "" {
		path = p
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", service.Address, service.Port, path)
}

// Invoke 实现Invoker接口
func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	body, err := encodeToolCall(inv)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint(inv.Service), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("创建调用请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderCorrelationID, inv.CorrelationID)
	req.Header.Set(HeaderExecutionID, inv.ExecutionID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用spoke失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("读取spoke响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("spoke返回HTTP状态码 %d", resp.StatusCode)
	}

	return decodeToolResult(raw)
}

func encodeToolCall(inv Invocation) ([]byte, error) {
	id, err := jsonrpc.MakeID(inv.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("生成请求ID失败: %w", err)
	}

	arguments := inv.Arguments
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	params, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: inv.ToolID, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("序列化调用参数失败: %w", err)
	}

	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: "tools/call",
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("编码调用请求失败: %w", err)
	}
	return data, nil
}

func decodeToolResult(raw []byte) (json.RawMessage, error) {
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("解析spoke响应失败: %w", err)
	}

	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, errors.New("spoke响应不是JSON-RPC响应")
	}

	if resp.Error != nil {
		var wireErr *jsonrpc.Error
		if errors.As(resp.Error, &wireErr) {
			return nil, &RemoteError{Code: wireErr.Code, Message: wireErr.Message}
		}
		return nil, &RemoteError{Code: -32603, Message: resp.Error.Error()}
	}

	if len(resp.Result) == 0 {
		return json.RawMessage(`null`), nil
	}
	return resp.Result, nil
}
