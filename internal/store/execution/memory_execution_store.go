package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hewenyu/tool-hub/internal/core/model"
)

// MemoryExecutionStore 是基于内存的执行记录存储
type MemoryExecutionStore struct {
	executions map[string]*model.ToolExecution
	mutex      sync.RWMutex
}

// NewMemoryExecutionStore 创建内存执行记录存储
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]*model.ToolExecution),
	}
}

// Create 保存一条新的执行记录
func (m *MemoryExecutionStore) Create(ctx context.Context, execution *model.ToolExecution) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.executions[execution.ID]; exists {
		return fmt.Errorf("执行记录已存在: %s", execution.ID)
	}
	m.executions[execution.ID] = execution.Clone()
	return nil
}

// Get 获取执行记录
func (m *MemoryExecutionStore) Get(ctx context.Context, executionID string) (*model.ToolExecution, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.executions[executionID].Clone(), nil
}

// Complete 将执行记录推进到终态
func (m *MemoryExecutionStore) Complete(ctx context.Context, executionID string, outcome model.ExecutionOutcome) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	execution, exists := m.executions[executionID]
	if !exists {
		return false, fmt.Errorf("执行记录不存在: %s", executionID)
	}
	return execution.Complete(outcome), nil
}

// Prune 删除在before之前结束的终态记录
func (m *MemoryExecutionStore) Prune(ctx context.Context, before time.Time) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for id, execution := range m.executions {
		if execution.Status.IsTerminal() && execution.CompletedAt.Before(before) {
			delete(m.executions, id)
			removed++
		}
	}
	return removed, nil
}

// Count 返回记录总数
func (m *MemoryExecutionStore) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.executions)
}

var _ ExecutionStore = (*MemoryExecutionStore)(nil)
