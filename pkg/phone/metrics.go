package phone

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Исходы вызова для счетчика calls_total
const (
	outcomeIncoming = "incoming"
	outcomeAnswered = "answered"
	outcomeRejected = "rejected"
	outcomeBusy     = "busy"
	outcomeEnded    = "ended"
	outcomeError    = "error"
)

// Metrics prometheus метрики сессии. Нулевой указатель допустим:
// все методы становятся no-op.
type Metrics struct {
	registrationState    *prometheus.GaugeVec
	calls                *prometheus.CounterVec
	droppedNotifications prometheus.Counter
	forcedTransitions    *prometheus.CounterVec
}

// NewMetrics создает и регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "intercom"
	}

	m := &Metrics{
		registrationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "registration_state",
			Help:      "Текущее состояние регистрации (1 для активного состояния)",
		}, []string{"state"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "calls_total",
			Help:      "Вызовы по исходу",
		}, []string{"outcome"}),
		droppedNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "notifications_dropped_total",
			Help:      "Уведомления, вытесненные из переполненной очереди",
		}),
		forcedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "registration_forced_transitions_total",
			Help:      "Переходы регистрации вне ожидаемой матрицы",
		}, []string{"from", "to"}),
	}

	for _, c := range []prometheus.Collector{m.registrationState, m.calls, m.droppedNotifications, m.forcedTransitions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setRegistration(status RegistrationStatus) {
	if m == nil {
		return
	}
	for _, s := range []RegistrationStatus{StatusUnregistered, StatusRegistering, StatusRegistered, StatusFailed} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.registrationState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) callOutcome(outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) notificationDropped() {
	if m == nil {
		return
	}
	m.droppedNotifications.Inc()
}

func (m *Metrics) forcedTransition(from, to RegistrationStatus) {
	if m == nil {
		return
	}
	m.forcedTransitions.WithLabelValues(string(from), string(to)).Inc()
}
