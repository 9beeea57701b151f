package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/tool-hub/internal/balancer"
	"github.com/hewenyu/tool-hub/internal/breaker"
	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/execution"
	"github.com/hewenyu/tool-hub/internal/hub"
	"github.com/hewenyu/tool-hub/internal/metrics"
	"github.com/hewenyu/tool-hub/internal/protocol"
	"github.com/hewenyu/tool-hub/internal/registry"
	"github.com/hewenyu/tool-hub/internal/store/etcd"
	executionStore "github.com/hewenyu/tool-hub/internal/store/execution"
	serviceStore "github.com/hewenyu/tool-hub/internal/store/service"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "0.1.0"

var configFile string

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err := config.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Tool Hub Starting...",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("port", cfg.Server.Port),
		zap.String("load_balancer", cfg.Execution.LoadBalancerAlgorithm),
	)

	// 初始化存储
	services, executions, closeStore, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatal("初始化存储失败", zap.Error(err))
	}
	defer closeStore()

	m := metrics.New(nil)

	reg := registry.New(services, cfg.Registry, logger.With(zap.String("component", "registry")),
		registry.WithMetrics(m), registry.WithExecutionPruner(executions))

	breakers := breaker.NewSet(breaker.Settings{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout(),
	})

	router := execution.NewRouter(
		reg,
		executions,
		breakers,
		balancer.NewSelector(cfg.Execution.LoadBalancerAlgorithm),
		execution.NewHTTPInvoker(nil, cfg.Execution.InvokePath),
		cfg.Execution,
		logger.With(zap.String("component", "router")),
		execution.WithMetrics(m),
	)

	protocolHandler := protocol.NewHandler(reg, router, logger.With(zap.String("component", "protocol")),
		protocol.WithServerInfo("tool-hub", version))

	server := hub.NewServer(hub.NewHandler(reg, router, protocolHandler, breakers, nil), cfg, logger)

	// 启动后台任务与HTTP服务
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	reg.Start(rootCtx)
	serverErr := server.Start()

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("接收到关闭信号，正在优雅关闭...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP服务异常退出", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// 先取消进行中的执行，阻塞在工具调用上的请求才能及时返回
	router.Drain()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭HTTP服务失败", zap.Error(err))
	}
	reg.Stop()
	if err := router.Close(shutdownCtx); err != nil {
		logger.Error("关闭执行路由失败", zap.Error(err))
	}

	logger.Info("Tool Hub 已停止")
}

// openStores 根据配置的驱动创建服务与执行记录存储
func openStores(cfg *config.Config, logger config.Logger) (serviceStore.ServiceStore, executionStore.ExecutionStore, func(), error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		logger.Warn("使用内存存储，重启后注册信息将丢失")
		return serviceStore.NewMemoryServiceStore(), executionStore.NewMemoryExecutionStore(), func() {}, nil
	default:
		client, err := etcd.NewClient(&cfg.Etcd)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("连接etcd失败: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Etcd.DialTimeout)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("etcd健康检查失败: %w", err)
		}
		logger.Info("etcd连接成功并通过健康检查", zap.Strings("endpoints", cfg.Etcd.Endpoints))

		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Error("关闭etcd客户端失败", zap.Error(err))
			}
		}
		return serviceStore.NewEtcdServiceStore(client), executionStore.NewEtcdExecutionStore(client), closeFn, nil
	}
}
