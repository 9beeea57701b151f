package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/tool-hub/internal/balancer"
	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/core/model"
	"github.com/hewenyu/tool-hub/internal/metrics"
	serviceStore "github.com/hewenyu/tool-hub/internal/store/service"
)

var (
	// ErrInvalidRegistration 注册请求校验失败
	ErrInvalidRegistration = errors.New("无效的注册请求")
	// ErrServiceInactive 服务已被注销或过期，需要重新注册
	ErrServiceInactive = errors.New("服务已失效")
)

// Option 注册中心的可选参数
type Option func(*Registry)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithProber 注入健康探测器
func WithProber(prober Prober) Option {
	return func(r *Registry) { r.prober = prober }
}

// WithMetrics 注入指标收集器
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// ExecutionPruner 删除过期的执行记录
type ExecutionPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// WithExecutionPruner 由清理循环按保留时间删除已结束的执行记录
func WithExecutionPruner(pruner ExecutionPruner) Option {
	return func(r *Registry) { r.pruner = pruner }
}

// Registry 管理已注册的服务与工具，并负责健康检查与过期清理
type Registry struct {
	store   serviceStore.ServiceStore
	cfg     config.RegistryConfig
	logger  config.Logger
	prober  Prober
	metrics *metrics.Metrics
	pruner  ExecutionPruner
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建注册中心
func New(store serviceStore.ServiceStore, cfg config.RegistryConfig, logger config.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.prober == nil {
		r.prober = NewHTTPProber(cfg.HealthCheckTimeout())
	}
	return r
}

// Register 注册或更新服务，并整体替换其工具列表
func (r *Registry) Register(ctx context.Context, req *model.ServiceRegistrationRequest) (*model.ServiceRegistrationResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	serviceID := req.ServiceID
	if serviceID == "" {
		serviceID = uuid.NewString()
	}

	interval := model.DefaultHealthCheckInterval
	healthURL := ""
	if req.HealthCheck != nil {
		healthURL = req.HealthCheck.HTTP
		if req.HealthCheck.Interval != "" {
			// 已在Validate中校验过格式
			interval, _ = time.ParseDuration(req.HealthCheck.Interval)
		}
	}

	weight := req.Weight
	if weight == 0 {
		weight = model.DefaultWeight
	}

	now := r.now()
	merge := func(existing *model.Service) (*model.Service, error) {
		service := existing
		if service == nil {
			service = &model.Service{
				ID:           serviceID,
				RegisteredAt: now,
				TTLSeconds:   r.cfg.ServiceTTLSeconds,
			}
		}
		service.Name = req.ServiceName
		service.Address = req.Address
		service.Port = req.Port
		service.Version = req.Version
		service.Tags = req.Tags
		service.Meta = req.Meta
		service.Weight = weight
		service.HealthCheckURL = resolveHealthURL(healthURL, req.Address, req.Port)
		service.HealthCheckInterval = interval
		service.LastSeen = now
		service.ConsecutiveFailures = 0
		service.IsHealthy = true
		service.IsActive = true
		return service, nil
	}

	tools := buildTools(serviceID, req.Tools)
	service, err := r.store.Register(ctx, serviceID, merge, tools)
	if err != nil {
		return nil, fmt.Errorf("注册服务失败: %w", err)
	}

	r.logger.Info("服务已注册",
		zap.String("service_id", service.ID),
		zap.String("service_name", service.Name),
		zap.String("address", fmt.Sprintf("%s:%d", service.Address, service.Port)),
		zap.Int("tools", len(tools)))

	return &model.ServiceRegistrationResponse{
		ServiceID:    service.ID,
		RegisteredAt: service.RegisteredAt,
		ToolCount:    len(tools),
	}, nil
}

// buildTools 将注册请求中的工具声明转换为工具记录并补全默认值
func buildTools(serviceID string, specs []model.ToolSpec) []*model.Tool {
	tools := make([]*model.Tool, 0, len(specs))
	for _, spec := range specs {
		tool := &model.Tool{
			ID:             spec.Name,
			ServiceID:      serviceID,
			Name:           spec.Name,
			Description:    spec.Description,
			Category:       spec.Category,
			Version:        spec.Version,
			Tags:           spec.Tags,
			InputSchema:    spec.InputSchema,
			OutputSchema:   spec.OutputSchema,
			TimeoutSeconds: spec.TimeoutSeconds,
			RetryAttempts:  spec.RetryAttempts,
			IsEnabled:      true,
		}
		if spec.DisplayName != "" {
			tool.Name = spec.DisplayName
		}
		if tool.Category == "" {
			tool.Category = model.DefaultToolCategory
		}
		if tool.Version == "" {
			tool.Version = model.DefaultToolVersion
		}
		// 未声明超时时保留0，由执行路由使用全局配置
		if tool.TimeoutSeconds < 0 {
			tool.TimeoutSeconds = 0
		}
		if tool.RetryAttempts <= 0 {
			tool.RetryAttempts = model.DefaultToolRetryAttempts
		}
		tools = append(tools, tool)
	}
	return tools
}

// resolveHealthURL 以"/"开头的健康检查地址视为服务自身的路径
func resolveHealthURL(raw, address string, port int) string {
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return raw
	}
	return fmt.Sprintf("http://%s:%d%s", address, port, raw)
}

// Deregister 注销服务，仅标记为非活跃，保留记录
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	_, err := r.store.UpdateService(ctx, serviceID, func(s *model.Service) error {
		if !s.IsActive {
			return serviceStore.ErrSkipUpdate
		}
		s.IsActive = false
		return nil
	})
	if err != nil {
		return fmt.Errorf("注销服务失败: %w", err)
	}

	r.logger.Info("服务已注销", zap.String("service_id", serviceID))
	return nil
}

// Heartbeat 刷新服务的last_seen；已失效的服务返回ErrServiceInactive
func (r *Registry) Heartbeat(ctx context.Context, serviceID string) (*model.Service, error) {
	now := r.now()
	service, err := r.store.UpdateService(ctx, serviceID, func(s *model.Service) error {
		if !s.IsAvailable(now) {
			return ErrServiceInactive
		}
		s.LastSeen = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("更新服务心跳失败: %w", err)
	}
	return service, nil
}

// GetService 获取服务信息（不做可用性过滤），不存在时返回nil
func (r *Registry) GetService(ctx context.Context, serviceID string) (*model.Service, error) {
	return r.store.GetService(ctx, serviceID)
}

// Discover 按条件发现活跃且未过期的服务，结果按服务名称、服务ID排序
func (r *Registry) Discover(ctx context.Context, filter model.DiscoveryFilter) ([]*model.ServiceInstance, error) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取服务列表失败: %w", err)
	}

	now := r.now()
	matched := make([]*model.Service, 0, len(services))
	for _, s := range services {
		if !s.IsAvailable(now) {
			continue
		}
		if filter.HealthyOnly && !s.IsHealthy {
			continue
		}
		if filter.ServiceName != "" && s.Name != filter.ServiceName {
			continue
		}
		if !s.HasAnyTag(filter.Tags) {
			continue
		}
		matched = append(matched, s)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].ID < matched[j].ID
	})

	instances := make([]*model.ServiceInstance, 0, len(matched))
	for _, s := range matched {
		tools, err := r.store.ListToolsByService(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("获取服务工具失败: %w", err)
		}
		instances = append(instances, &model.ServiceInstance{Service: s, Tools: tools})
	}
	return instances, nil
}

// candidate 可执行某个工具的服务及其工具记录
type candidate struct {
	service *model.Service
	tool    *model.Tool
}

// candidatesForTool 返回提供该工具且活跃、健康、已启用的服务，按负载均衡优先级排序
func (r *Registry) candidatesForTool(ctx context.Context, toolID string) ([]candidate, error) {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取服务列表失败: %w", err)
	}

	now := r.now()
	eligible := make([]*model.Service, 0, len(services))
	for _, s := range services {
		if s.IsAvailable(now) && s.IsHealthy {
			eligible = append(eligible, s)
		}
	}

	var candidates []candidate
	for _, s := range balancer.Order(eligible) {
		tools, err := r.store.ListToolsByService(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("获取服务工具失败: %w", err)
		}
		for _, t := range tools {
			if t.ID == toolID && t.IsEnabled {
				candidates = append(candidates, candidate{service: s, tool: t})
				break
			}
		}
	}
	return candidates, nil
}

// ResolveTool 解析可执行的工具，不存在时返回nil
func (r *Registry) ResolveTool(ctx context.Context, toolID string) (*model.Tool, error) {
	candidates, err := r.candidatesForTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0].tool, nil
}

// ServicesForTool 返回可执行该工具的服务，按权重降序、当前负载升序排列
func (r *Registry) ServicesForTool(ctx context.Context, toolID string) ([]*model.Service, error) {
	candidates, err := r.candidatesForTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	services := make([]*model.Service, 0, len(candidates))
	for _, c := range candidates {
		services = append(services, c.service)
	}
	return services, nil
}

// ListTools 返回当前可执行的工具，按工具ID排序；同一工具取发现顺序中第一个服务的记录
func (r *Registry) ListTools(ctx context.Context) ([]*model.Tool, error) {
	instances, err := r.Discover(ctx, model.DiscoveryFilter{HealthyOnly: true})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*model.Tool)
	for _, instance := range instances {
		for _, t := range instance.Tools {
			if !t.IsEnabled {
				continue
			}
			if _, ok := byID[t.ID]; !ok {
				byID[t.ID] = t
			}
		}
	}

	tools := make([]*model.Tool, 0, len(byID))
	for _, t := range byID {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools, nil
}

// AdjustLoad 调整服务的当前负载，结果不会小于0
func (r *Registry) AdjustLoad(ctx context.Context, serviceID string, delta int) error {
	_, err := r.store.UpdateService(ctx, serviceID, func(s *model.Service) error {
		s.CurrentLoad += delta
		if s.CurrentLoad < 0 {
			s.CurrentLoad = 0
		}
		return nil
	})
	return err
}

// RecordExecution 累加工具的执行统计
func (r *Registry) RecordExecution(ctx context.Context, serviceID, toolID string, duration time.Duration, success bool, at time.Time) error {
	_, err := r.store.UpdateTool(ctx, serviceID, toolID, func(t *model.Tool) error {
		t.RecordExecution(duration, success, at)
		return nil
	})
	return err
}
