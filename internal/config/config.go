package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 负载均衡算法
const (
	AlgorithmRoundRobin       = "round_robin"
	AlgorithmLeastConnections = "least_connections"
	AlgorithmWeighted         = "weighted"
)

// 存储驱动
const (
	StorageDriverEtcd   = "etcd"
	StorageDriverMemory = "memory"
)

// Config 应用程序配置结构
type Config struct {
	// HTTP服务配置
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	// 存储配置
	Storage struct {
		Driver string `mapstructure:"driver"` // "etcd" 或 "memory"
	} `mapstructure:"storage"`

	// etcd配置
	Etcd EtcdConfig `mapstructure:"etcd"`

	// 注册中心配置
	Registry RegistryConfig `mapstructure:"registry"`

	// 工具执行配置
	Execution ExecutionConfig `mapstructure:"execution"`

	// 熔断器配置
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// EtcdConfig etcd配置
type EtcdConfig struct {
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Prefix         string        `mapstructure:"prefix"`
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	ServiceTTLSeconds         int `mapstructure:"service_ttl_seconds"`
	CleanupIntervalSeconds    int `mapstructure:"cleanup_interval_seconds"`
	HealthCheckLoopSeconds    int `mapstructure:"health_check_loop_seconds"`
	HealthCheckTimeoutSeconds int `mapstructure:"health_check_timeout_seconds"`
	UnhealthyThreshold        int `mapstructure:"unhealthy_threshold"`
	HealthCheckConcurrency    int `mapstructure:"health_check_concurrency"`
	// 已结束执行记录的保留时间，0表示不清理
	ExecutionRetentionSeconds int `mapstructure:"execution_retention_seconds"`
}

// ExecutionConfig 工具执行配置
type ExecutionConfig struct {
	ToolExecutionTimeoutSeconds int    `mapstructure:"tool_execution_timeout_seconds"`
	MaxConcurrentExecutions     int    `mapstructure:"max_concurrent_executions"`
	ExecutionQueueSize          int    `mapstructure:"execution_queue_size"`
	LoadBalancerAlgorithm       string `mapstructure:"load_balancer_algorithm"`
	InvokePath                  string `mapstructure:"invoke_path"`
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds"`
}

// ServiceTTL 返回服务注册的默认TTL
func (c RegistryConfig) ServiceTTL() time.Duration {
	return time.Duration(c.ServiceTTLSeconds) * time.Second
}

// CleanupInterval 返回过期清理的间隔
func (c RegistryConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// HealthCheckLoopInterval 返回健康检查循环的间隔
func (c RegistryConfig) HealthCheckLoopInterval() time.Duration {
	return time.Duration(c.HealthCheckLoopSeconds) * time.Second
}

// HealthCheckTimeout 返回单次健康探测的超时时间
func (c RegistryConfig) HealthCheckTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeoutSeconds) * time.Second
}

// ExecutionRetention 返回已结束执行记录的保留时间
func (c RegistryConfig) ExecutionRetention() time.Duration {
	return time.Duration(c.ExecutionRetentionSeconds) * time.Second
}

// ToolExecutionTimeout 返回工具执行的默认超时时间
func (c ExecutionConfig) ToolExecutionTimeout() time.Duration {
	return time.Duration(c.ToolExecutionTimeoutSeconds) * time.Second
}

// RecoveryTimeout 返回熔断器从OPEN进入HALF_OPEN的等待时间
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.tool-hub")
		v.AddConfigPath("/etc/tool-hub")
	}
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 找不到默认配置文件时使用默认值；显式指定的文件必须存在
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("TOOL_HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("storage.driver", StorageDriverEtcd)

	// etcd默认配置
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.request_timeout", "3s")
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.prefix", "/tool-hub")

	// 注册中心默认配置
	v.SetDefault("registry.service_ttl_seconds", 300)
	v.SetDefault("registry.cleanup_interval_seconds", 60)
	v.SetDefault("registry.health_check_loop_seconds", 10)
	v.SetDefault("registry.health_check_timeout_seconds", 5)
	v.SetDefault("registry.unhealthy_threshold", 3)
	v.SetDefault("registry.health_check_concurrency", 16)
	v.SetDefault("registry.execution_retention_seconds", 3600)

	// 工具执行默认配置
	v.SetDefault("execution.tool_execution_timeout_seconds", 300)
	v.SetDefault("execution.max_concurrent_executions", 100)
	v.SetDefault("execution.execution_queue_size", 1000)
	v.SetDefault("execution.load_balancer_algorithm", AlgorithmWeighted)
	v.SetDefault("execution.invoke_path", "/mcp")

	// 熔断器默认配置
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout_seconds", 60)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate 校验配置有效性
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP端口配置无效: %d", c.Server.Port)
	}

	switch c.Storage.Driver {
	case StorageDriverEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("etcd端点不能为空")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}

	if c.Registry.ServiceTTLSeconds <= 0 {
		return fmt.Errorf("服务TTL必须大于0")
	}
	if c.Registry.CleanupIntervalSeconds <= 0 || c.Registry.HealthCheckLoopSeconds <= 0 {
		return fmt.Errorf("后台任务间隔必须大于0")
	}
	if c.Registry.HealthCheckTimeoutSeconds <= 0 {
		return fmt.Errorf("健康检查超时时间必须大于0")
	}
	if c.Registry.UnhealthyThreshold <= 0 {
		return fmt.Errorf("不健康阈值必须大于0")
	}
	if c.Registry.ExecutionRetentionSeconds < 0 {
		return fmt.Errorf("执行记录保留时间不能为负数")
	}

	if c.Execution.ToolExecutionTimeoutSeconds <= 0 {
		return fmt.Errorf("工具执行超时时间必须大于0")
	}
	if c.Execution.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("最大并发执行数必须大于0")
	}
	if c.Execution.ExecutionQueueSize < 0 {
		return fmt.Errorf("执行队列长度不能为负数")
	}
	switch c.Execution.LoadBalancerAlgorithm {
	case AlgorithmRoundRobin, AlgorithmLeastConnections, AlgorithmWeighted:
	default:
		return fmt.Errorf("未知的负载均衡算法: %s", c.Execution.LoadBalancerAlgorithm)
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("熔断失败阈值必须大于0")
	}
	if c.CircuitBreaker.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("熔断恢复时间必须大于0")
	}

	return nil
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.tool-hub/config.yaml",
		"/etc/tool-hub/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
