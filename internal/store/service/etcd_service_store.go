package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hewenyu/tool-hub/internal/core/model"
	"github.com/hewenyu/tool-hub/internal/store/etcd"
)

const (
	// 服务存储的前缀
	servicesSegment = "services"
	// 工具存储的前缀，按服务ID分组
	toolsSegment = "tools"
)

// EtcdServiceStore 实现基于etcd的服务存储
type EtcdServiceStore struct {
	client *etcd.Client
}

// NewEtcdServiceStore 创建一个新的基于etcd的服务存储
func NewEtcdServiceStore(client *etcd.Client) *EtcdServiceStore {
	return &EtcdServiceStore{
		client: client,
	}
}

func (s *EtcdServiceStore) serviceKey(serviceID string) string {
	return s.client.Key(servicesSegment, serviceID)
}

func (s *EtcdServiceStore) toolKey(serviceID, toolID string) string {
	return s.client.Key(toolsSegment, serviceID, toolID)
}

func (s *EtcdServiceStore) toolPrefix(serviceID string) string {
	return s.client.Key(toolsSegment, serviceID, "")
}

// Register 原子地写入服务并整体替换该服务的工具列表
func (s *EtcdServiceStore) Register(ctx context.Context, serviceID string, merge MergeFunc, tools []*model.Tool) (*model.Service, error) {
	key := s.serviceKey(serviceID)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		existing, revision, err := s.getService(ctx, key)
		if err != nil {
			return nil, err
		}

		service, err := merge(existing)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(service)
		if err != nil {
			return nil, fmt.Errorf("序列化服务信息失败: %w", err)
		}

		// etcd事务中同一键不能既被删除又被写入，因此只删除新列表中不存在的旧工具
		oldTools, err := s.client.GetWithPrefix(ctx, s.toolPrefix(serviceID))
		if err != nil {
			return nil, fmt.Errorf("获取工具列表失败: %w", err)
		}

		ops := []clientv3.Op{clientv3.OpPut(key, string(data))}
		keep := make(map[string]struct{}, len(tools))
		for _, tool := range tools {
			toolData, err := json.Marshal(tool)
			if err != nil {
				return nil, fmt.Errorf("序列化工具信息失败: %w", err)
			}
			toolKey := s.toolKey(serviceID, tool.ID)
			keep[toolKey] = struct{}{}
			ops = append(ops, clientv3.OpPut(toolKey, string(toolData)))
		}
		for _, kv := range oldTools {
			if _, ok := keep[kv.Key]; !ok {
				ops = append(ops, clientv3.OpDelete(kv.Key))
			}
		}

		if len(ops) > maxTxnOps {
			return nil, fmt.Errorf("注册服务 %s 需要%d个事务操作，超过etcd上限%d", serviceID, len(ops), maxTxnOps)
		}

		ok, err := s.client.Commit(ctx,
			[]clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(key), "=", revision)},
			ops,
		)
		if err != nil {
			return nil, fmt.Errorf("存储服务信息失败: %w", err)
		}
		if ok {
			return service, nil
		}
	}

	return nil, fmt.Errorf("注册服务 %s 失败: %w", serviceID, model.ErrConflict)
}

// UpdateService 以比较并交换的方式更新单个服务
func (s *EtcdServiceStore) UpdateService(ctx context.Context, serviceID string, update func(s *model.Service) error) (*model.Service, error) {
	key := s.serviceKey(serviceID)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		service, revision, err := s.getService(ctx, key)
		if err != nil {
			return nil, err
		}
		if service == nil {
			return nil, fmt.Errorf("%w: %s", model.ErrServiceNotFound, serviceID)
		}

		if err := update(service); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return service, nil
			}
			return nil, err
		}

		data, err := json.Marshal(service)
		if err != nil {
			return nil, fmt.Errorf("序列化服务信息失败: %w", err)
		}

		ok, err := s.client.PutIfUnchanged(ctx, key, data, revision)
		if err != nil {
			return nil, fmt.Errorf("更新服务信息失败: %w", err)
		}
		if ok {
			return service, nil
		}
	}

	return nil, fmt.Errorf("更新服务 %s 失败: %w", serviceID, model.ErrConflict)
}

// GetService 获取服务信息
func (s *EtcdServiceStore) GetService(ctx context.Context, serviceID string) (*model.Service, error) {
	service, _, err := s.getService(ctx, s.serviceKey(serviceID))
	return service, err
}

func (s *EtcdServiceStore) getService(ctx context.Context, key string) (*model.Service, int64, error) {
	kv, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("获取服务信息失败: %w", err)
	}
	if kv == nil {
		return nil, 0, nil // 服务不存在
	}

	var service model.Service
	if err := json.Unmarshal(kv.Value, &service); err != nil {
		return nil, 0, fmt.Errorf("解析服务信息失败: %w", err)
	}

	return &service, kv.ModRevision, nil
}

// ListServices 获取全部服务
func (s *EtcdServiceStore) ListServices(ctx context.Context) ([]*model.Service, error) {
	kvs, err := s.client.GetWithPrefix(ctx, s.client.Key(servicesSegment, ""))
	if err != nil {
		return nil, fmt.Errorf("获取服务列表失败: %w", err)
	}

	services := make([]*model.Service, 0, len(kvs))
	for _, kv := range kvs {
		var service model.Service
		if err := json.Unmarshal(kv.Value, &service); err != nil {
			return nil, fmt.Errorf("解析服务信息失败 [%s]: %w", kv.Key, err)
		}
		services = append(services, &service)
	}

	return services, nil
}

// ListTools 获取全部工具
func (s *EtcdServiceStore) ListTools(ctx context.Context) ([]*model.Tool, error) {
	return s.listTools(ctx, s.client.Key(toolsSegment, ""))
}

// ListToolsByService 获取指定服务的工具
func (s *EtcdServiceStore) ListToolsByService(ctx context.Context, serviceID string) ([]*model.Tool, error) {
	return s.listTools(ctx, s.toolPrefix(serviceID))
}

func (s *EtcdServiceStore) listTools(ctx context.Context, prefix string) ([]*model.Tool, error) {
	kvs, err := s.client.GetWithPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("获取工具列表失败: %w", err)
	}

	tools := make([]*model.Tool, 0, len(kvs))
	for _, kv := range kvs {
		var tool model.Tool
		if err := json.Unmarshal(kv.Value, &tool); err != nil {
			return nil, fmt.Errorf("解析工具信息失败 [%s]: %w", kv.Key, err)
		}
		tools = append(tools, &tool)
	}

	return tools, nil
}

// UpdateTool 以比较并交换的方式更新单个工具
func (s *EtcdServiceStore) UpdateTool(ctx context.Context, serviceID, toolID string, update func(t *model.Tool) error) (*model.Tool, error) {
	key := s.toolKey(serviceID, toolID)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		kv, err := s.client.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("获取工具信息失败: %w", err)
		}
		if kv == nil {
			return nil, fmt.Errorf("%w: %s/%s", ErrToolNotFound, serviceID, toolID)
		}

		var tool model.Tool
		if err := json.Unmarshal(kv.Value, &tool); err != nil {
			return nil, fmt.Errorf("解析工具信息失败: %w", err)
		}

		if err := update(&tool); err != nil {
			if errors.Is(err, ErrSkipUpdate) {
				return &tool, nil
			}
			return nil, err
		}

		data, err := json.Marshal(&tool)
		if err != nil {
			return nil, fmt.Errorf("序列化工具信息失败: %w", err)
		}

		ok, err := s.client.PutIfUnchanged(ctx, key, data, kv.ModRevision)
		if err != nil {
			return nil, fmt.Errorf("更新工具信息失败: %w", err)
		}
		if ok {
			return &tool, nil
		}
	}

	return nil, fmt.Errorf("更新工具 %s/%s 失败: %w", serviceID, toolID, model.ErrConflict)
}

var _ ServiceStore = (*EtcdServiceStore)(nil)
