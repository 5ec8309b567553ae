package engine

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/theam/plasmido/internal/runtime/models"
)

// Metrics exposes run and task statistics to Prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	runsStarted      prometheus.Counter
	tasksActive      *prometheus.GaugeVec
	taskFailures     *prometheus.CounterVec
	messagesProduced *prometheus.CounterVec
	batchSize        *prometheus.HistogramVec
	messagesConsumed *prometheus.CounterVec
	duplicateEvents  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newEngineCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plasmido",
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. They are registered on registerer, or
// the default registerer when nil, by Register.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plasmido",
			Subsystem: "engine",
			Name:      "runs_started_total",
			Help:      "Total number of workbook runs started",
		}),
		tasksActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plasmido",
			Subsystem: "engine",
			Name:      "tasks_active",
			Help:      "Producer and consumer tasks currently running",
		}, []string{"kind"}),
		taskFailures:     newEngineCounterVec("task_failures_total", "Tasks that stopped because of an error", []string{"kind"}),
		messagesProduced: newEngineCounterVec("messages_produced_total", "Messages sent by producer tasks", []string{"topic"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "plasmido",
			Subsystem: "engine",
			Name:      "batch_size",
			Help:      "Number of messages per producer flush",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"topic"}),
		messagesConsumed: newEngineCounterVec("messages_consumed_total", "Messages stored by consumer tasks", []string{"topic"}),
		duplicateEvents:  newEngineCounterVec("duplicate_events_total", "Redelivered messages dropped by the uniqueness constraint", []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.runsStarted,
		m.tasksActive,
		m.taskFailures,
		m.messagesProduced,
		m.batchSize,
		m.messagesConsumed,
		m.duplicateEvents,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

func (m *Metrics) taskStarted(kind models.ArtifactType) {
	if m == nil {
		return
	}
	m.tasksActive.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) taskFinished(kind models.ArtifactType, failed bool) {
	if m == nil {
		return
	}
	m.tasksActive.WithLabelValues(string(kind)).Dec()
	if failed {
		m.taskFailures.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) batchSent(topic string, size int) {
	if m == nil {
		return
	}
	m.messagesProduced.WithLabelValues(topic).Add(float64(size))
	m.batchSize.WithLabelValues(topic).Observe(float64(size))
}

func (m *Metrics) messageConsumed(topic string, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.duplicateEvents.WithLabelValues(topic).Inc()
		return
	}
	m.messagesConsumed.WithLabelValues(topic).Inc()
}
