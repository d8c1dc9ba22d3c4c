package call

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
	// Registerer реестр Prometheus; nil - реестр по умолчанию
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "videophone",
		Subsystem: "call",
	}
}

// Metrics собирает метрики жизненного цикла вызовов.
//
// Все методы безопасны при nil-получателе: автомат работает без метрик,
// если сборщик не сконфигурирован.
type Metrics struct {
	callsTotal     *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callDuration   prometheus.Histogram
	signalsDropped *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
}

// NewMetrics создает и регистрирует сборщик метрик
func NewMetrics(config MetricsConfig) *Metrics {
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sessions_total",
			Help:      "Количество сессий вызова по направлению и исходу",
		}, []string{"direction", "outcome"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "sessions_active",
			Help:      "Количество активных сессий (0 или 1)",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "duration_seconds",
			Help:      "Длительность завершенных вызовов",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "signals_dropped_total",
			Help:      "Входящие сигналы, отброшенные без обработки",
		}, []string{"type"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "errors_total",
			Help:      "Ошибки операций вызова по категориям",
		}, []string{"category"}),
	}
}

// SessionCreated учитывает создание сессии
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.callsActive.Set(1)
}

// SessionTerminated учитывает терминальный переход сессии
func (m *Metrics) SessionTerminated(outgoing bool, outcome State, duration time.Duration) {
	if m == nil {
		return
	}
	direction := "incoming"
	if outgoing {
		direction = "outgoing"
	}
	m.callsTotal.WithLabelValues(direction, outcome.String()).Inc()
	m.callsActive.Set(0)
	if duration > 0 {
		m.callDuration.Observe(duration.Seconds())
	}
}

// SignalDropped учитывает отброшенное входящее сообщение
func (m *Metrics) SignalDropped(signalType string) {
	if m == nil {
		return
	}
	m.signalsDropped.WithLabelValues(signalType).Inc()
}

// ErrorOccurred учитывает ошибку операции
func (m *Metrics) ErrorOccurred(category ErrorCategory) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(category.String()).Inc()
}
