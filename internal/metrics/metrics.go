package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Metrics groups the engine's collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	nodeDispatches     *prometheus.CounterVec
	nodeResults        *prometheus.CounterVec
	nodeDuration       *prometheus.HistogramVec
	executionsActive   prometheus.Gauge
	executionsFinished *prometheus.CounterVec
	eventsAppended     prometheus.Counter
	subscribersDropped prometheus.Counter
	storeRetries       *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		nodeDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dagengine_node_dispatches_total",
			Help: "Node attempts handed to the task executor, by node kind",
		}, []string{"kind"}),
		nodeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dagengine_node_results_total",
			Help: "Finished node attempts by kind and outcome",
		}, []string{"kind", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dagengine_node_duration_seconds",
			Help:    "Task executor call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"kind"}),
		executionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dagengine_executions_active",
			Help: "Executions with an attached run loop",
		}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dagengine_executions_finished_total",
			Help: "Executions that reached a terminal status",
		}, []string{"status"}),
		eventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagengine_events_appended_total",
			Help: "Execution events committed and published",
		}),
		subscribersDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dagengine_subscribers_dropped_total",
			Help: "Event subscribers dropped for falling behind",
		}),
		storeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dagengine_store_retries_total",
			Help: "Transient store failures that were retried, by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) NodeDispatched(kind string) {
	if m == nil {
		return
	}
	m.nodeDispatches.WithLabelValues(kind).Inc()
}

func (m *Metrics) NodeFinished(kind, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.nodeResults.WithLabelValues(kind, status).Inc()
	m.nodeDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) ExecutionAttached() {
	if m == nil {
		return
	}
	m.executionsActive.Inc()
}

func (m *Metrics) ExecutionDetached() {
	if m == nil {
		return
	}
	m.executionsActive.Dec()
}

func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) EventsAppended(n int) {
	if m == nil {
		return
	}
	m.eventsAppended.Add(float64(n))
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}

func (m *Metrics) StoreRetry(op string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(op).Inc()
}

func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(func() *Metrics {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			return New(reg)
		}),
	)
}
