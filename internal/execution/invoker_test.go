package execution

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/tool-hub/internal/core/model"
)

func TestHTTPInvokerSendsToolCall(t *testing.T) {
	var (
		gotPath    string
		gotHeaders http.Header
		gotRequest *jsonrpc.Request
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		msg, err := jsonrpc.DecodeMessage(raw)
		if err == nil {
			gotRequest, _ = msg.(*jsonrpc.Request)
		}
		data, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: gotRequest.ID, Result: json.RawMessage(`{"ok":true}`)})
		_, _ = w.Write(data)
	}))
	defer server.Close()

	host, port := hostPort(t, server.URL)
	invoker := NewHTTPInvoker(nil, "/mcp")

	result, err := invoker.Invoke(context.Background(), Invocation{
		Service:       &model.Service{ID: "svc-1", Address: host, Port: port, Meta: map[string]string{MetaInvokePath: "/rpc"}},
		ToolID:        "t.echo",
		Arguments:     json.RawMessage(`{"a":1}`),
		CorrelationID: "corr-1",
		ExecutionID:   "exec-1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	assert.Equal(t, "/rpc", gotPath)
	assert.Equal(t, "corr-1", gotHeaders.Get(HeaderCorrelationID))
	assert.Equal(t, "exec-1", gotHeaders.Get(HeaderExecutionID))
	require.NotNil(t, gotRequest)
	assert.Equal(t, "tools/call", gotRequest.Method)
	assert.Equal(t, "exec-1", gotRequest.ID.Raw())
	assert.JSONEq(t, `{"name":"t.echo","arguments":{"a":1}}`, string(gotRequest.Params))
}

func TestHTTPInvokerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "rpc error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				id, _ := jsonrpc.MakeID("exec-1")
				data, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: id, Error: &jsonrpc.Error{Code: -32602, Message: "bad args"}})
				_, _ = w.Write(data)
			},
			want: "bad args",
		},
		{
			name: "http status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: "502",
		},
		{
			name: "invalid body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			want: "解析spoke响应失败",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			host, port := hostPort(t, server.URL)
			_, err := NewHTTPInvoker(nil, "").Invoke(context.Background(), Invocation{
				Service:     &model.Service{Address: host, Port: port},
				ToolID:      "t.echo",
				ExecutionID: "exec-1",
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHTTPInvokerEndpoint(t *testing.T) {
	invoker := NewHTTPInvoker(nil, "")
	service := &model.Service{Address: "10.0.0.2", Port: 8080}
	assert.Equal(t, "http://10.0.0.2:8080/mcp", invoker.Endpoint(service))

	service.Meta = map[string]string{MetaInvokePath: "tools/invoke"}
	assert.Equal(t, "http://10.0.0.2:8080/tools/invoke", invoker.Endpoint(service))
}
