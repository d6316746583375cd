package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/marketpulse/internal/version"
)

const namespace = "marketpulse"

// Provider operations used as the op label.
const (
	OpMarkets = "markets"
	OpPrice   = "price"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	EventsPublished    prometheus.Counter
	PublishErrors      prometheus.Counter
	FetchCycles        prometheus.Counter
	FetchCyclesSkipped prometheus.Counter
	ProviderErrors     *prometheus.CounterVec
	MessagesConsumed   *prometheus.CounterVec
	FetchCycleDuration prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry carrying the Go runtime and process collectors,
// which the default registerer would otherwise provide.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Price events published to the exchange.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Price events that failed to publish.",
		}),
		FetchCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cycles_total",
			Help:      "Completed fetch cycles.",
		}),
		FetchCyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cycles_skipped_total",
			Help:      "Ticks skipped because the previous cycle was still running.",
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Failed provider calls by operation.",
		}, []string{"op"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Consumed messages by outcome.",
		}, []string{"outcome"}),
		FetchCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_cycle_duration_seconds",
			Help:      "Wall time of one fetch cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		gatherer: gatherer,
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build version and commit.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version.Version, version.ResolvedCommit()).Set(1)

	reg.MustRegister(
		m.EventsPublished,
		m.PublishErrors,
		m.FetchCycles,
		m.FetchCyclesSkipped,
		m.ProviderErrors,
		m.MessagesConsumed,
		m.FetchCycleDuration,
		buildInfo,
	)

	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Server returns an HTTP server exposing Handler at path on port.
func (m *Metrics) Server(port int, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
