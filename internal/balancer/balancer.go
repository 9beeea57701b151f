package balancer

import (
	"sort"
	"sync"

	"github.com/hewenyu/tool-hub/internal/config"
	"github.com/hewenyu/tool-hub/internal/core/model"
)

// WeightedRoundRobin 按权重降序、当前负载升序选择第一个候选服务
func WeightedRoundRobin(candidates []*model.Service) *model.Service {
	if len(candidates) == 0 {
		return nil
	}
	ordered := Order(candidates)
	return ordered[0]
}

// LeastConnections 选择当前负载最小的候选服务，负载相同时取靠前者
func LeastConnections(candidates []*model.Service) *model.Service {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.CurrentLoad < best.CurrentLoad {
			best = candidate
		}
	}
	return best
}

// Order 返回按(权重降序, 当前负载升序, 服务ID升序)排序的候选列表副本
func Order(candidates []*model.Service) []*model.Service {
	ordered := append([]*model.Service(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		return a.ID < b.ID
	})
	return ordered
}

// Selector 根据配置的算法选择服务实例
type Selector struct {
	algorithm string

	mu       sync.Mutex
	counters map[string]uint64
}

// NewSelector 创建选择器，未知算法按weighted处理
func NewSelector(algorithm string) *Selector {
	return &Selector{
		algorithm: algorithm,
		counters:  make(map[string]uint64),
	}
}

// Algorithm 返回当前使用的算法
func (s *Selector) Algorithm() string {
	return s.algorithm
}

// Select 为指定工具从候选列表中选择一个服务，候选为空时返回nil
func (s *Selector) Select(toolID string, candidates []*model.Service) *model.Service {
	switch s.algorithm {
	case config.AlgorithmLeastConnections:
		return LeastConnections(candidates)
	case config.AlgorithmRoundRobin:
		return s.roundRobin(toolID, candidates)
	default:
		return WeightedRoundRobin(candidates)
	}
}

// roundRobin 在有序候选列表上按工具维度轮转
func (s *Selector) roundRobin(toolID string, candidates []*model.Service) *model.Service {
	if len(candidates) == 0 {
		return nil
	}
	ordered := Order(candidates)

	s.mu.Lock()
	n := s.counters[toolID]
	s.counters[toolID] = n + 1
	s.mu.Unlock()

	return ordered[n%uint64(len(ordered))]
}
