package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/delivery"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/deploy"
)

type deploySeries struct {
	uploads       prometheus.Counter
	uploadBytes   prometheus.Counter
	skips         prometheus.Counter
	deletes       prometheus.Counter
	failures      *prometheus.CounterVec
	retries       *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastSuccess   prometheus.Gauge
}

func newDeploySeries() deploySeries {
	return deploySeries{
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploy_uploads_total",
			Help: "Assets uploaded to the origin",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploy_upload_bytes_total",
			Help: "Bytes uploaded to the origin",
		}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploy_skipped_total",
			Help: "Assets skipped because the origin already held the same hash",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploy_deletes_total",
			Help: "Stale origin keys deleted",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_failures_total",
			Help: "Asset operations that failed after retries, by op",
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_retries_total",
			Help: "Retried asset operations, by op",
		}, []string{"op"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploy_invalidations_total",
			Help: "Edge invalidations by final status",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deploy_duration_seconds",
			Help:    "Wall time of a deploy, by outcome",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last deploy that finished without error",
		}),
	}
}

func (s deploySeries) register(reg prometheus.Registerer) {
	reg.MustRegister(
		s.uploads,
		s.uploadBytes,
		s.skips,
		s.deletes,
		s.failures,
		s.retries,
		s.invalidations,
		s.duration,
		s.lastSuccess,
	)
}

var _ deploy.Recorder = (*Metrics)(nil)

func (m *Metrics) Uploaded(bytes int64) {
	m.deploy.uploads.Inc()
	m.deploy.uploadBytes.Add(float64(bytes))
}

func (m *Metrics) Skipped(n int) { m.deploy.skips.Add(float64(n)) }

func (m *Metrics) Deleted(n int) { m.deploy.deletes.Add(float64(n)) }

func (m *Metrics) Failed(op deploy.Op) { m.deploy.failures.WithLabelValues(string(op)).Inc() }

func (m *Metrics) Retried(op deploy.Op) { m.deploy.retries.WithLabelValues(string(op)).Inc() }

func (m *Metrics) Invalidated(status delivery.InvalidationStatus) {
	m.deploy.invalidations.WithLabelValues(strings.ToLower(string(status))).Inc()
}

func (m *Metrics) Finished(d time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	} else {
		m.deploy.lastSuccess.SetToCurrentTime()
	}
	m.deploy.duration.WithLabelValues(outcome).Observe(d.Seconds())
}
