package execution

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/tool-hub/internal/config"
)

// 单次统计写入的超时时间
const statsWriteTimeout = 5 * time.Second

type statsUpdate struct {
	serviceID string
	toolID    string
	duration  time.Duration
	success   bool
	at        time.Time
	// done非nil时表示刷新屏障
	done chan struct{}
}

// statsRecorder 由单个协程按调用完成顺序写入工具统计，不阻塞响应路径
type statsRecorder struct {
	registry ToolRegistry
	logger   config.Logger

	mu      sync.RWMutex
	closed  bool
	updates chan statsUpdate
	stopped chan struct{}
}

func newStatsRecorder(registry ToolRegistry, queueSize int, logger config.Logger) *statsRecorder {
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &statsRecorder{
		registry: registry,
		logger:   logger,
		updates:  make(chan statsUpdate, queueSize),
		stopped:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *statsRecorder) run() {
	defer close(s.stopped)
	for u := range s.updates {
		if u.done != nil {
			close(u.done)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), statsWriteTimeout)
		err := s.registry.RecordExecution(ctx, u.serviceID, u.toolID, u.duration, u.success, u.at)
		cancel()
		if err != nil {
			s.logger.Error("更新工具统计失败",
				zap.String("service_id", u.serviceID),
				zap.String("tool", u.toolID),
				zap.Error(err))
		}
	}
}

// record 队列满时阻塞等待，关闭后丢弃
func (s *statsRecorder) record(u statsUpdate) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.updates <- u
}

func (s *statsRecorder) flush(ctx context.Context) error {
	done := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.updates <- statsUpdate{done: done}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *statsRecorder) close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	s.mu.Unlock()

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
