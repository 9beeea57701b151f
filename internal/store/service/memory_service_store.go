package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hewenyu/tool-hub/internal/core/model"
)

// MemoryServiceStore 是基于内存的服务存储实现，主要用于测试和单机部署
type MemoryServiceStore struct {
	services map[string]*model.Service
	tools    map[string][]*model.Tool
	mutex    sync.RWMutex
}

// NewMemoryServiceStore 创建新的内存存储
func NewMemoryServiceStore() *MemoryServiceStore {
	return &MemoryServiceStore{
		services: make(map[string]*model.Service),
		tools:    make(map[string][]*model.Tool),
	}
}

// Register 原子地写入服务并整体替换该服务的工具列表
func (m *MemoryServiceStore) Register(ctx context.Context, serviceID string, merge MergeFunc, tools []*model.Tool) (*model.Service, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	service, err := merge(m.services[serviceID].Clone())
	if err != nil {
		return nil, err
	}

	replaced := make([]*model.Tool, 0, len(tools))
	for _, tool := range tools {
		replaced = append(replaced, tool.Clone())
	}
	sort.Slice(replaced, func(i, j int) bool { return replaced[i].ID < replaced[j].ID })

	m.services[serviceID] = service.Clone()
	m.tools[serviceID] = replaced
	return service, nil
}

// UpdateService 更新单个服务
func (m *MemoryServiceStore) UpdateService(ctx context.Context, serviceID string, update func(s *model.Service) error) (*model.Service, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, ok := m.services[serviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrServiceNotFound, serviceID)
	}

	service := current.Clone()
	if err := update(service); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return current.Clone(), nil
		}
		return nil, err
	}

	m.services[serviceID] = service.Clone()
	return service, nil
}

// GetService 获取服务信息
func (m *MemoryServiceStore) GetService(ctx context.Context, serviceID string) (*model.Service, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.services[serviceID].Clone(), nil
}

// ListServices 获取全部服务，按服务ID排序
func (m *MemoryServiceStore) ListServices(ctx context.Context) ([]*model.Service, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	services := make([]*model.Service, 0, len(m.services))
	for _, service := range m.services {
		services = append(services, service.Clone())
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })

	return services, nil
}

// ListTools 获取全部工具，按服务ID和工具ID排序
func (m *MemoryServiceStore) ListTools(ctx context.Context) ([]*model.Tool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	serviceIDs := make([]string, 0, len(m.tools))
	for id := range m.tools {
		serviceIDs = append(serviceIDs, id)
	}
	sort.Strings(serviceIDs)

	var tools []*model.Tool
	for _, id := range serviceIDs {
		for _, tool := range m.tools[id] {
			tools = append(tools, tool.Clone())
		}
	}

	return tools, nil
}

// ListToolsByService 获取指定服务的工具
func (m *MemoryServiceStore) ListToolsByService(ctx context.Context, serviceID string) ([]*model.Tool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	tools := make([]*model.Tool, 0, len(m.tools[serviceID]))
	for _, tool := range m.tools[serviceID] {
		tools = append(tools, tool.Clone())
	}

	return tools, nil
}

// UpdateTool 更新单个工具
func (m *MemoryServiceStore) UpdateTool(ctx context.Context, serviceID, toolID string, update func(t *model.Tool) error) (*model.Tool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, current := range m.tools[serviceID] {
		if current.ID != toolID {
			continue
		}

		tool := current.Clone()
		if err := update(tool); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return current.Clone(), nil
			}
			return nil, err
		}
		m.tools[serviceID][i] = tool.Clone()
		return tool, nil
	}

	return nil, fmt.Errorf("%w: %s/%s", ErrToolNotFound, serviceID, toolID)
}

var _ ServiceStore = (*MemoryServiceStore)(nil)
