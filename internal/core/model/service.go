package model

import (
	"time"
)

// 默认值
const (
	DefaultWeight              = 100
	DefaultServiceTTLSeconds   = 300
	DefaultHealthCheckInterval = 30 * time.Second
)

// Service 表示一个已注册的spoke服务实例
type Service struct {
	ID                  string            `json:"service_id"`
	Name                string            `json:"service_name"`
	Address             string            `json:"address"`
	Port                int               `json:"port"`
	Version             string            `json:"version,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	Meta                map[string]string `json:"meta,omitempty"`
	HealthCheckURL      string            `json:"health_check_url,omitempty"`
	HealthCheckInterval time.Duration     `json:"health_check_interval"`
	IsHealthy           bool              `json:"is_healthy"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastHealthCheck     time.Time         `json:"last_health_check,omitempty"`
	Weight              int               `json:"weight"`
	CurrentLoad         int               `json:"current_load"`
	RegisteredAt        time.Time         `json:"registered_at"`
	LastSeen            time.Time         `json:"last_seen"`
	TTLSeconds          int               `json:"ttl_seconds"`
	IsActive            bool              `json:"is_active"`
}

// IsExpired 判断服务是否已超过TTL未刷新
func (s *Service) IsExpired(now time.Time) bool {
	return now.After(s.LastSeen.Add(time.Duration(s.TTLSeconds) * time.Second))
}

// IsAvailable 判断服务是否可被发现（活跃且未过期）
func (s *Service) IsAvailable(now time.Time) bool {
	return s.IsActive && !s.IsExpired(now)
}

// NeedsHealthCheck 判断服务的上次健康检查是否已经过时
func (s *Service) NeedsHealthCheck(now time.Time) bool {
	if s.HealthCheckURL == "" {
		return false
	}
	interval := s.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	return s.LastHealthCheck.IsZero() || !now.Before(s.LastHealthCheck.Add(interval))
}

// HasAnyTag 判断服务是否包含任一给定标签；tags为空时恒为true
func (s *Service) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range s.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Clone 返回服务的深拷贝
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	c := *s
	if s.Tags != nil {
		c.Tags = append([]string(nil), s.Tags...)
	}
	if s.Meta != nil {
		c.Meta = make(map[string]string, len(s.Meta))
		for k, v := range s.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}

// DiscoveryFilter 服务发现过滤条件
type DiscoveryFilter struct {
	ServiceName string
	Tags        []string
	HealthyOnly bool
}

// ServiceInstance 服务发现结果，包含服务及其工具
type ServiceInstance struct {
	*Service
	Tools []*Tool `json:"tools"`
}
