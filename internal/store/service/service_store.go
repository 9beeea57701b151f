package service

import (
	"context"
	"errors"

	"github.com/hewenyu/tool-hub/internal/core/model"
)

// 乐观并发更新的最大重试次数
const maxUpdateRetries = 16

// etcd单个事务允许的操作数，对应服务端默认的--max-txn-ops
const maxTxnOps = 128

// ErrSkipUpdate 由更新函数返回，表示无需写入
var ErrSkipUpdate = errors.New("无需更新")

// MergeFunc 根据已存在的服务（可能为nil）构造要写入的服务
type MergeFunc func(existing *model.Service) (*model.Service, error)

// ServiceStore 表示服务与工具的存储接口
type ServiceStore interface {
	// Register 原子地写入服务并整体替换该服务的工具列表
	Register(ctx context.Context, serviceID string, merge MergeFunc, tools []*model.Tool) (*model.Service, error)

	// UpdateService 以比较并交换的方式更新单个服务，服务不存在时返回model.ErrServiceNotFound
	UpdateService(ctx context.Context, serviceID string, update func(s *model.Service) error) (*model.Service, error)

	// GetService 获取服务信息，不存在时返回nil
	GetService(ctx context.Context, serviceID string) (*model.Service, error)

	// ListServices 获取全部服务（包含非活跃服务）
	ListServices(ctx context.Context) ([]*model.Service, error)

	// ListTools 获取全部工具
	ListTools(ctx context.Context) ([]*model.Tool, error)

	// ListToolsByService 获取指定服务的工具
	ListToolsByService(ctx context.Context, serviceID string) ([]*model.Tool, error)

	// UpdateTool 以比较并交换的方式更新单个工具
	UpdateTool(ctx context.Context, serviceID, toolID string, update func(t *model.Tool) error) (*model.Tool, error)
}

// ErrToolNotFound 工具不存在
var ErrToolNotFound = errors.New("工具不存在")
