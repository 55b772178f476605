package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharifemon/buspulse/pkg/logger"
)

// Collector owns the Prometheus registry for the ingestion and aggregation
// engine. It satisfies the small metrics interfaces the services accept.
type Collector struct {
	reg *prometheus.Registry

	samplesAccepted *prometheus.CounterVec // validated label: true|false
	samplesRejected *prometheus.CounterVec // reason label
	ingestDuration  prometheus.Histogram

	positionsComputed *prometheus.CounterVec // status label
	aggregateDuration prometheus.Histogram

	sessionsStarted prometheus.Counter
	sessionsEnded   *prometheus.CounterVec // forced label: true|false
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		samplesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buspulse_samples_accepted_total",
			Help: "Location samples stored, by validation outcome.",
		}, []string{"validated"}),
		samplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buspulse_samples_rejected_total",
			Help: "Submissions rejected before storage, by reason.",
		}, []string{"reason"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buspulse_ingest_duration_seconds",
			Help:    "Duration of the full ingestion pipeline per submission.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		positionsComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buspulse_positions_computed_total",
			Help: "Position recomputations, by resulting status.",
		}, []string{"status"}),
		aggregateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buspulse_aggregate_duration_seconds",
			Help:    "Duration of one bus position recomputation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buspulse_sessions_started_total",
			Help: "Tracking sessions opened.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buspulse_sessions_ended_total",
			Help: "Tracking sessions closed, by whether the sweep forced it.",
		}, []string{"forced"}),
	}

	reg.MustRegister(
		c.samplesAccepted, c.samplesRejected, c.ingestDuration,
		c.positionsComputed, c.aggregateDuration,
		c.sessionsStarted, c.sessionsEnded,
	)

	return c
}

func (c *Collector) SampleAccepted(validated bool) {
	c.samplesAccepted.WithLabelValues(boolLabel(validated)).Inc()
}

func (c *Collector) SampleRejected(reason string) {
	c.samplesRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) IngestObserve(d time.Duration) {
	c.ingestDuration.Observe(d.Seconds())
}

func (c *Collector) PositionComputed(status string) {
	c.positionsComputed.WithLabelValues(status).Inc()
}

func (c *Collector) AggregateObserve(d time.Duration) {
	c.aggregateDuration.Observe(d.Seconds())
}

func (c *Collector) SessionStarted() {
	c.sessionsStarted.Inc()
}

func (c *Collector) SessionEnded(forced bool) {
	c.sessionsEnded.WithLabelValues(boolLabel(forced)).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", map[string]any{"error": err.Error()})
		}
	}()
	logger.Info("Metrics listening", map[string]any{"addr": addr})
	return srv
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
