// Package metrics exports bus activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/binaryjack/formular-dev-tools/pkg/bus"
	"github.com/binaryjack/formular-dev-tools/pkg/registry"
)

// Config configures the collector.
type Config struct {
	// Namespace is the metrics namespace (default: "formular_devtools").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for sampled operation durations,
	// in seconds. Default: a range suited to UI work, 1ms to 1s.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(r prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = r
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "formular_devtools",
		Buckets:   []float64{.001, .0025, .005, .01, .016, .025, .05, .1, .25, .5, 1},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector turns bus events into metrics. It also implements
// bus.DiagnosticSink so handler failures are counted.
type Collector struct {
	connectedSessions prometheus.Gauge
	transitions       *prometheus.CounterVec
	stateUpdates      *prometheus.CounterVec
	evictions         prometheus.Counter
	errors            *prometheus.CounterVec
	diagnostics       *prometheus.CounterVec
	requests          *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	handlerFailures   *prometheus.CounterVec
}

// New registers the collector's metrics.
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		connectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "connected_sessions",
			Help:        "Number of sessions currently connected",
			ConstLabels: config.ConstLabels,
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "connection_transitions_total",
			Help:        "Session state changes by target state",
			ConstLabels: config.ConstLabels,
		}, []string{"to"}),
		stateUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "state_updates_total",
			Help:        "Snapshots recorded by triggering kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "history_evictions_total",
			Help:        "History entries evicted to respect capacity",
			ConstLabels: config.ConstLabels,
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "errors_total",
			Help:        "Connection and remote errors by code",
			ConstLabels: config.ConstLabels,
		}, []string{"code"}),
		diagnostics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "dropped_envelopes_total",
			Help:        "Envelopes dropped or updates discarded, by code",
			ConstLabels: config.ConstLabels,
		}, []string{"code"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "requests_total",
			Help:        "Validate and submit requests received",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "operation_duration_seconds",
			Help:        "Sampled form operation durations",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"operation"}),
		handlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "handler_failures_total",
			Help:        "Event handlers that returned an error or panicked",
			ConstLabels: config.ConstLabels,
		}, []string{"topic"}),
	}
}

// Attach subscribes the collector to every topic of b.
func (c *Collector) Attach(b *bus.Bus) *bus.Subscription {
	return b.Subscribe(bus.TopicAll, c.Observe)
}

// Observe records one event.
func (c *Collector) Observe(ev bus.Event) error {
	switch p := ev.Payload.(type) {
	case registry.ConnectionEvent:
		if p.Removed {
			return nil
		}
		c.transitions.WithLabelValues(p.To.String()).Inc()
		if p.To == registry.StateConnected {
			c.connectedSessions.Inc()
		}
		if p.From == registry.StateConnected {
			c.connectedSessions.Dec()
		}
	case registry.StateUpdatedEvent:
		c.stateUpdates.WithLabelValues(p.Kind.String()).Inc()
	case registry.HistoryEvent:
		if p.Op == registry.HistoryEvicted {
			c.evictions.Inc()
		}
	case registry.ErrorEvent:
		c.errors.WithLabelValues(codeLabel(p.Code)).Inc()
	case registry.DiagnosticEvent:
		c.diagnostics.WithLabelValues(codeLabel(p.Code)).Inc()
	case registry.RequestEvent:
		c.requests.WithLabelValues(p.Kind.String()).Inc()
	case registry.PerformanceEvent:
		c.operationDuration.WithLabelValues(string(p.Sample.Operation)).Observe(p.Sample.DurationMs / 1000)
	}
	return nil
}

// HandlerFailed counts a failed handler.
func (c *Collector) HandlerFailed(_ *bus.Subscription, ev bus.Event, _ error) {
	c.handlerFailures.WithLabelValues(string(ev.Topic)).Inc()
}

func codeLabel(code string) string {
	if code == "" {
		return "unknown"
	}
	return code
}
