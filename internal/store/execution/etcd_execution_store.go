package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hewenyu/tool-hub/internal/core/model"
	"github.com/hewenyu/tool-hub/internal/store/etcd"
)

// 乐观并发更新的最大重试次数
const maxUpdateRetries = 16

const executionsSegment = "executions"

// EtcdExecutionStore 实现基于etcd的执行记录存储
type EtcdExecutionStore struct {
	client *etcd.Client
}

// NewEtcdExecutionStore 创建基于etcd的执行记录存储
func NewEtcdExecutionStore(client *etcd.Client) *EtcdExecutionStore {
	return &EtcdExecutionStore{client: client}
}

func (s *EtcdExecutionStore) key(executionID string) string {
	return s.client.Key(executionsSegment, executionID)
}

// Create 保存一条新的执行记录，ID已存在时返回错误
func (s *EtcdExecutionStore) Create(ctx context.Context, execution *model.ToolExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("序列化执行记录失败: %w", err)
	}

	ok, err := s.client.PutIfUnchanged(ctx, s.key(execution.ID), data, 0)
	if err != nil {
		return fmt.Errorf("保存执行记录失败: %w", err)
	}
	if !ok {
		return fmt.Errorf("执行记录已存在: %s", execution.ID)
	}
	return nil
}

// Get 获取执行记录
func (s *EtcdExecutionStore) Get(ctx context.Context, executionID string) (*model.ToolExecution, error) {
	kv, err := s.client.Get(ctx, s.key(executionID))
	if err != nil {
		return nil, fmt.Errorf("获取执行记录失败: %w", err)
	}
	if kv == nil {
		return nil, nil
	}

	var execution model.ToolExecution
	if err := json.Unmarshal(kv.Value, &execution); err != nil {
		return nil, fmt.Errorf("解析执行记录失败: %w", err)
	}
	return &execution, nil
}

// Complete 将执行记录推进到终态
func (s *EtcdExecutionStore) Complete(ctx context.Context, executionID string, outcome model.ExecutionOutcome) (bool, error) {
	key := s.key(executionID)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		kv, err := s.client.Get(ctx, key)
		if err != nil {
			return false, fmt.Errorf("获取执行记录失败: %w", err)
		}
		if kv == nil {
			return false, fmt.Errorf("执行记录不存在: %s", executionID)
		}

		var execution model.ToolExecution
		if err := json.Unmarshal(kv.Value, &execution); err != nil {
			return false, fmt.Errorf("解析执行记录失败: %w", err)
		}

		if !execution.Complete(outcome) {
			return false, nil
		}

		data, err := json.Marshal(&execution)
		if err != nil {
			return false, fmt.Errorf("序列化执行记录失败: %w", err)
		}

		ok, err := s.client.PutIfUnchanged(ctx, key, data, kv.ModRevision)
		if err != nil {
			return false, fmt.Errorf("更新执行记录失败: %w", err)
		}
		if ok {
			return true, nil
		}
	}

	return false, fmt.Errorf("更新执行记录 %s 失败: %w", executionID, model.ErrConflict)
}

// Prune 删除在before之前结束的终态记录。删除以版本号为条件，扫描期间被修改的记录留到下一轮
func (s *EtcdExecutionStore) Prune(ctx context.Context, before time.Time) (int, error) {
	kvs, err := s.client.GetWithPrefix(ctx, s.client.Key(executionsSegment, ""))
	if err != nil {
		return 0, fmt.Errorf("获取执行记录失败: %w", err)
	}

	removed := 0
	for _, kv := range kvs {
		var execution model.ToolExecution
		if err := json.Unmarshal(kv.Value, &execution); err != nil {
			return removed, fmt.Errorf("解析执行记录失败 [%s]: %w", kv.Key, err)
		}
		if !execution.Status.IsTerminal() || !execution.CompletedAt.Before(before) {
			continue
		}

		ok, err := s.client.DeleteIfUnchanged(ctx, kv.Key, kv.ModRevision)
		if err != nil {
			return removed, fmt.Errorf("删除执行记录失败: %w", err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

var _ ExecutionStore = (*EtcdExecutionStore)(nil)
