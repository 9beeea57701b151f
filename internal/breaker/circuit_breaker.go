package breaker

import (
	"sync"
	"time"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常状态，允许调用
	StateClosed State = iota
	// StateOpen 熔断状态，直接拒绝调用
	StateOpen
	// StateHalfOpen 半开状态，只允许一次试探调用
	StateHalfOpen
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Settings 熔断器参数
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Now 可注入的时钟，默认为time.Now
	Now func() time.Time
}

// CircuitBreaker 单个下游服务的熔断器
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	state           State
	failureCount    int
	lastFailureTime time.Time
	// 半开状态下试探调用的开始时间，零值表示尚未放行
	trialStartedAt time.Time
}

// New 创建熔断器
func New(settings Settings) *CircuitBreaker {
	now := settings.Now
	if now == nil {
		now = time.Now
	}
	threshold := settings.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: threshold,
		recoveryTimeout:  settings.RecoveryTimeout,
		now:              now,
		state:            StateClosed,
	}
}

// CanExecute 判断当前是否允许调用。
// OPEN状态超过恢复时间后进入HALF_OPEN并放行一次试探调用，
// 试探结果记录之前的其他调用都会被拒绝。
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(cb.lastFailureTime) < cb.recoveryTimeout {
			return false
		}
		cb.state = StateHalfOpen
		cb.trialStartedAt = now
		return true
	case StateHalfOpen:
		// 试探调用被取消而没有记录结果时，超过恢复时间后允许重新试探
		if cb.trialStartedAt.IsZero() || now.Sub(cb.trialStartedAt) >= cb.recoveryTimeout {
			cb.trialStartedAt = now
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess 记录一次成功调用
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = StateClosed
	cb.trialStartedAt = time.Time{}
}

// RecordFailure 记录一次失败调用
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()
	cb.trialStartedAt = time.Time{}

	if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.state = StateOpen
	}
}

// State 返回当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Failures 返回连续失败次数
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.failureCount
}
