package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/tool-hub/internal/config"
	sdk "github.com/hewenyu/tool-hub/sdk/go"
)

func main() {
	hubAddr := flag.String("hub", "localhost:8000", "工具中心地址")
	listen := flag.String("listen", "127.0.0.1:9100", "本地监听地址")
	port := flag.Int("port", 9100, "对外注册的端口")
	flag.Parse()

	logger, err := config.NewLogger("info", true)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// 实现工具
	tools := sdk.NewToolServer()
	tools.Handle("text.upper", func(ctx context.Context, call sdk.ToolCall) (interface{}, error) {
		var args struct {
			Text string `json:"text"`
		}
		if err := call.Bind(&args); err != nil {
			return nil, err
		}
		return map[string]string{"text": strings.ToUpper(args.Text)}, nil
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", tools)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("spoke服务启动失败", zap.Error(err))
		}
	}()

	// 配置SDK客户端
	client, err := sdk.NewClient(&sdk.Config{
		HubAddr:     *hubAddr,
		ServiceName: "text-service",
		Address:     "127.0.0.1",
		Port:        *port,
		Version:     "1.0.0",
		Tags:        []string{"example", "text"},
		HealthCheck: &sdk.HealthCheckSpec{HTTP: "/health"},
		Tools: []sdk.ToolSpec{{
			Name:        "text.upper",
			Description: "将文本转换为大写",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		}},
		HeartbeatInterval: 30 * time.Second,
		Timeout:           5 * time.Second,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("创建SDK客户端失败", zap.Error(err))
	}

	ctx := context.Background()
	if err := client.Register(ctx); err != nil {
		logger.Fatal("注册服务失败", zap.Error(err))
	}
	logger.Info("服务注册成功", zap.String("service_id", client.GetServiceID()))

	client.StartHeartbeat()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		logger.Error("注销服务失败", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭spoke服务失败", zap.Error(err))
	}
}
