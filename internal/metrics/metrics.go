package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 工具中心的Prometheus指标。nil接收者上的方法均为空操作
type Metrics struct {
	executions         *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec
	breakerRejections  *prometheus.CounterVec
	healthChecks       *prometheus.CounterVec
	registeredServices *prometheus.GaugeVec
	inflight           prometheus.Gauge
}

// New 在给定的registerer上注册指标，registerer为nil时使用默认registerer
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolhub_tool_executions_total",
				Help: "Total number of tool executions by final status",
			},
			[]string{"tool", "status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolhub_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolhub_circuit_breaker_state",
				Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service_id"},
		),
		breakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolhub_circuit_breaker_rejections_total",
				Help: "Calls rejected because the service circuit breaker was open",
			},
			[]string{"service_id"},
		),
		healthChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolhub_health_checks_total",
				Help: "Health probes issued against registered services",
			},
			[]string{"result"},
		),
		registeredServices: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolhub_registered_services",
				Help: "Registered services by state",
			},
			[]string{"state"},
		),
		inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolhub_executions_in_flight",
				Help: "Tool executions currently waiting on a spoke",
			},
		),
	}
}

// ObserveExecution 记录一次执行的终态与耗时
func (m *Metrics) ObserveExecution(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(tool, status).Inc()
	m.executionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetBreakerState 记录熔断器状态
func (m *Metrics) SetBreakerState(serviceID string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(serviceID).Set(float64(state))
}

// IncBreakerRejection 记录一次熔断拒绝
func (m *Metrics) IncBreakerRejection(serviceID string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(serviceID).Inc()
}

// ObserveHealthCheck 记录一次健康探测结果
func (m *Metrics) ObserveHealthCheck(healthy bool) {
	if m == nil {
		return
	}
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.healthChecks.WithLabelValues(result).Inc()
}

// SetRegisteredServices 记录各状态的服务数量
func (m *Metrics) SetRegisteredServices(healthy, unhealthy, inactive int) {
	if m == nil {
		return
	}
	m.registeredServices.WithLabelValues("healthy").Set(float64(healthy))
	m.registeredServices.WithLabelValues("unhealthy").Set(float64(unhealthy))
	m.registeredServices.WithLabelValues("inactive").Set(float64(inactive))
}

// AddInflight 调整进行中的执行数
func (m *Metrics) AddInflight(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}
