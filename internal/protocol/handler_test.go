package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/core/model"
)

type fakeTools struct {
	tools []*model.Tool
	err   error
}

func (f *fakeTools) ListTools(ctx context.Context) ([]*model.Tool, error) {
	return f.tools, f.err
}

type fakeExecutor struct {
	mu        sync.Mutex
	requests  []model.ExecuteRequest
	cancelled []string
	execute   func(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error)
}

func (f *fakeExecutor) ExecuteTool(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.execute(ctx, req)
}

func (f *fakeExecutor) CancelExecution(ctx context.Context, executionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return true, nil
}

func (f *fakeExecutor) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeReply(t *testing.T, data []byte) reply {
	t.Helper()
	require.NotNil(t, data)
	var r reply
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, "2.0", r.JSONRPC)
	return r
}

func newTestHandler(tools *fakeTools, executor *fakeExecutor) *Handler {
	clock := func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	return NewHandler(tools, executor, config.NewNopLogger(), WithServerInfo("tool-hub", "1.2.3"), WithClock(clock))
}

func echoExecutor() *fakeExecutor {
	return &fakeExecutor{execute: func(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error) {
		return &model.ExecuteResult{ExecutionID: req.ExecutionID, Result: json.RawMessage(`{"value":42}`)}, nil
	}}
}

func TestInitialize(t *testing.T) {
	h := newTestHandler(&fakeTools{}, echoExecutor())

	for _, version := range []string{ProtocolVersion, "1999-01-01"} {
		r := decodeReply(t, h.Handle(context.Background(),
			[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"`+version+`","clientInfo":{"name":"cli"}}}`)))
		require.Nil(t, r.Error, "协议版本不一致只记录日志")
		assert.EqualValues(t, 1, r.ID)

		var result struct {
			ProtocolVersion string `json:"protocolVersion"`
			Capabilities    struct {
				Tools struct {
					ListChanged bool `json:"listChanged"`
				} `json:"tools"`
			} `json:"capabilities"`
			ServerInfo struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		}
		require.NoError(t, json.Unmarshal(r.Result, &result))
		assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
		assert.Equal(t, "tool-hub", result.ServerInfo.Name)
		assert.Equal(t, "1.2.3", result.ServerInfo.Version)
	}
}

func TestToolsList(t *testing.T) {
	tools := &fakeTools{tools: []*model.Tool{
		{ID: "t.echo", Name: "Echo", Description: "echo input", InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}}}`)},
		{ID: "t.noschema", Description: "no schema"},
	}}
	h := newTestHandler(tools, echoExecutor())

	r := decodeReply(t, h.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`)))
	require.Nil(t, r.Error)
	assert.Equal(t, "a", r.ID)
	assert.JSONEq(t, `{"tools":[
		{"name":"t.echo","description":"echo input","inputSchema":{"type":"object","properties":{"x":{"type":"number"}}}},
		{"name":"t.noschema","description":"no schema","inputSchema":{"type":"object"}}
	]}`, string(r.Result))
}

func TestToolsListFailure(t *testing.T) {
	h := newTestHandler(&fakeTools{err: errors.New("etcd down")}, echoExecutor())

	r := decodeReply(t, h.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInternalError, r.Error.Code)
}

func TestToolsCallSuccess(t *testing.T) {
	executor := echoExecutor()
	h := newTestHandler(&fakeTools{}, executor)

	r := decodeReply(t, h.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"t.echo","arguments":{"x":1},"_meta":{"correlationId":"corr-9"}}}`)))
	require.Nil(t, r.Error)

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError     bool   `json:"isError"`
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.JSONEq(t, `{"value":42}`, result.Content[0].Text)
	assert.NotEmpty(t, result.ExecutionID)

	require.Len(t, executor.requests, 1)
	assert.Equal(t, "t.echo", executor.requests[0].ToolName)
	assert.JSONEq(t, `{"x":1}`, string(executor.requests[0].Arguments))
	assert.Equal(t, "corr-9", executor.requests[0].CorrelationID)
	assert.Equal(t, result.ExecutionID, executor.requests[0].ExecutionID)
}

func TestToolsCallFailureIsErrorResult(t *testing.T) {
	executor := &fakeExecutor{execute: func(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error) {
		return nil, model.NewExecutionError(model.ErrorKindCircuitBreakerOpen, "服务 svc-1 的熔断器已打开")
	}}
	h := newTestHandler(&fakeTools{}, executor)

	r := decodeReply(t, h.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"t.echo"}}`)))
	require.Nil(t, r.Error, "执行失败以结果形式返回")

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &result))
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "CIRCUIT_BREAKER_OPEN")
}

func TestToolsCallInvalidParams(t *testing.T) {
	h := newTestHandler(&fakeTools{}, echoExecutor())

	for _, msg := range []string{
		`{"jsonrpc":"2.0","id":5,"method":"tools/call"}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"arguments":{}}}`,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":"bad"}`,
	} {
		r := decodeReply(t, h.Handle(context.Background(), []byte(msg)))
		require.NotNil(t, r.Error, msg)
		assert.Equal(t, CodeInvalidParams, r.Error.Code)
	}
}

func TestPing(t *testing.T) {
	h := newTestHandler(&fakeTools{}, echoExecutor())

	r := decodeReply(t, h.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":6,"method":"ping"}`)))
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"status":"ok","server":"tool-hub","version":"1.2.3","timestamp":"2026-01-01T12:00:00Z"}`, string(r.Result))
}

func TestResources(t *testing.T) {
	h := newTestHandler(&fakeTools{}, echoExecutor())

	r := decodeReply(t, h.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)))
	require.Nil(t, r.Error)
	assert.JSONEq(t, `{"resources":[]}`, string(r.Result))

	r = decodeReply(t, h.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":8,"method":"resources/read","params":{"uri":"file:///x"}}`)))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeResourceNotFound, r.Error.Code)
	assert.Contains(t, r.Error.Message, "file:///x")
}

func TestProtocolErrors(t *testing.T) {
	h := newTestHandler(&fakeTools{}, echoExecutor())

	tests := []struct {
		name string
		msg  string
		code int64
	}{
		{name: "parse error", msg: `{"jsonrpc":`, code: CodeParseError},
		{name: "number", msg: `123`, code: CodeInvalidRequest},
		{name: "string", msg: `"abc"`, code: CodeInvalidRequest},
		{name: "null", msg: `null`, code: CodeInvalidRequest},
		{name: "wrong version", msg: `{"jsonrpc":"1.0","id":3,"method":"ping"}`, code: CodeInvalidRequest},
		{name: "missing version", msg: `{"id":4,"method":"ping"}`, code: CodeInvalidRequest},
		{name: "method not a string", msg: `{"jsonrpc":"2.0","id":5,"method":7}`, code: CodeInvalidRequest},
		{name: "missing method", msg: `{"jsonrpc":"2.0","id":9}`, code: CodeInvalidRequest},
		{name: "batch", msg: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, code: CodeInvalidRequest},
		{name: "object id", msg: `{"jsonrpc":"2.0","id":{},"method":"ping"}`, code: CodeInvalidRequest},
		{name: "unknown method", msg: `{"jsonrpc":"2.0","id":10,"method":"tools/delete"}`, code: CodeMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := decodeReply(t, h.Handle(context.Background(), []byte(tt.msg)))
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.code, r.Error.Code)
			assert.NotEmpty(t, r.Error.Message)
		})
	}
}

func TestHandlerRecoversFromPanic(t *testing.T) {
	executor := &fakeExecutor{execute: func(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error) {
		panic("boom")
	}}
	h := newTestHandler(&fakeTools{}, executor)

	r := decodeReply(t, h.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"t.echo"}}`)))
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInternalError, r.Error.Code)
}

func TestNotificationsProduceNoReply(t *testing.T) {
	h := newTestHandler(&fakeTools{}, echoExecutor())

	assert.Nil(t, h.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Nil(t, h.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/unknown"}`)))
}

func TestCancelledNotificationByExecutionID(t *testing.T) {
	executor := echoExecutor()
	h := newTestHandler(&fakeTools{}, executor)

	out := h.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"executionId":"exec-1","reason":"user"}}`))
	assert.Nil(t, out)
	assert.Equal(t, []string{"exec-1"}, executor.Cancelled())
}

func TestCancelledNotificationByRequestID(t *testing.T) {
	started := make(chan string, 1)
	executor := &fakeExecutor{execute: func(ctx context.Context, req model.ExecuteRequest) (*model.ExecuteResult, error) {
		started <- req.ExecutionID
		<-ctx.Done()
		return nil, model.NewExecutionError(model.ErrorKindCancelled, "执行已取消")
	}}
	h := newTestHandler(&fakeTools{}, executor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan []byte, 1)
	go func() {
		done <- h.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"t.slow"}}`))
	}()
	executionID := <-started

	out := h.Handle(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42}}`))
	assert.Nil(t, out)
	assert.Equal(t, []string{executionID}, executor.Cancelled())

	cancel()
	r := decodeReply(t, <-done)
	require.Nil(t, r.Error)
	assert.Contains(t, string(r.Result), `"isError":true`)
}
