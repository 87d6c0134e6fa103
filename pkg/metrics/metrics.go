// Package metrics exposes download and sync counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tubecast/tubecast/pkg/model"
)

const namespace = "tubecast"

// Metrics is safe to use as a nil pointer, every method is a no-op then.
type Metrics struct {
	registry *prometheus.Registry

	downloads        *prometheus.CounterVec
	downloadDuration prometheus.Histogram
	rejected         prometheus.Counter
	reservations     *prometheus.CounterVec
	syncs            *prometheus.CounterVec
	episodesCreated  prometheus.Counter
	evicted          prometheus.Counter
	statuses         *prometheus.GaugeVec
	poolQueued       *prometheus.GaugeVec
	poolActive       *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Finished downloads by result.",
		}, []string{"result"}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time spent downloading a single episode.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_rejections_total",
			Help:      "Reserved episodes returned to pending because the pool was full.",
		}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Episode reservation attempts by result.",
		}, []string{"result"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_syncs_total",
			Help:      "Feed synchronizations by kind and result.",
		}, []string{"kind", "result"}),
		episodesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_created_total",
			Help:      "Episodes discovered by feed synchronization.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_evicted_total",
			Help:      "Episodes removed by retention cleanup.",
		}),
		statuses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "episodes",
			Help:      "Episodes by status as of the last admission pass.",
		}, []string{"status"}),
		poolQueued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queued_tasks",
			Help:      "Tasks waiting in a worker pool queue.",
		}, []string{"pool"}),
		poolActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_tasks",
			Help:      "Tasks being executed by a worker pool.",
		}, []string{"pool"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.downloads,
		m.downloadDuration,
		m.rejected,
		m.reservations,
		m.syncs,
		m.episodesCreated,
		m.evicted,
		m.statuses,
		m.poolQueued,
		m.poolActive,
	)

	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DownloadFinished(status model.EpisodeStatus, took time.Duration) {
	if m == nil {
		return
	}

	m.downloads.WithLabelValues(status.String()).Inc()
	m.downloadDuration.Observe(took.Seconds())
}

func (m *Metrics) DownloadRejected() {
	if m == nil {
		return
	}

	m.rejected.Inc()
}

// Reservation records a reservation outcome: "reserved", "skipped", "conflict" or "error".
func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}

	m.reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedSynced(kind model.Kind, err error) {
	if m == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	m.syncs.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) EpisodesCreated(n int) {
	if m == nil {
		return
	}

	m.episodesCreated.Add(float64(n))
}

func (m *Metrics) EpisodesEvicted(n int) {
	if m == nil {
		return
	}

	m.evicted.Add(float64(n))
}

func (m *Metrics) SetStatusCount(status model.EpisodeStatus, n int) {
	if m == nil {
		return
	}

	m.statuses.WithLabelValues(status.String()).Set(float64(n))
}

func (m *Metrics) SetPool(name string, active, queued int) {
	if m == nil {
		return
	}

	m.poolActive.WithLabelValues(name).Set(float64(active))
	m.poolQueued.WithLabelValues(name).Set(float64(queued))
}
