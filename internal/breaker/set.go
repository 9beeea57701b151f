package breaker

import (
	"sync"
)

// Set 按服务ID维护的熔断器集合，熔断器在首次使用时创建
type Set struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*CircuitBreaker
}

// NewSet 创建熔断器集合
func NewSet(settings Settings) *Set {
	return &Set{
		settings: settings,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get 获取或创建指定服务的熔断器
func (s *Set) Get(serviceID string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[serviceID]
	if !ok {
		cb = New(s.settings)
		s.breakers[serviceID] = cb
	}
	return cb
}

// Snapshot 返回各服务熔断器的当前状态
func (s *Set) Snapshot() map[string]State {
	s.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(s.breakers))
	for id, cb := range s.breakers {
		breakers[id] = cb
	}
	s.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for id, cb := range breakers {
		states[id] = cb.State()
	}
	return states
}
