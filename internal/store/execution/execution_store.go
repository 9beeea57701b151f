package execution

import (
	"context"
	"time"

	"github.com/hewenyu/tool-hub/internal/core/model"
)

// ExecutionStore 表示工具执行记录的存储接口
type ExecutionStore interface {
	// Create 保存一条新的执行记录
	Create(ctx context.Context, execution *model.ToolExecution) error

	// Get 获取执行记录，不存在时返回nil
	Get(ctx context.Context, executionID string) (*model.ToolExecution, error)

	// Complete 将执行记录推进到终态。记录已处于终态时返回false且不做修改
	Complete(ctx context.Context, executionID string, outcome model.ExecutionOutcome) (bool, error)

	// Prune 删除在before之前结束的终态记录，返回删除数量；进行中的记录保留
	Prune(ctx context.Context, before time.Time) (int, error)
}
