// Package metrics exposes Prometheus metrics for backup runs, uploads and
// retention cleanup.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the backup collectors. A nil *Metrics records nothing.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	DumpsTotal      *prometheus.CounterVec
	UploadsTotal    *prometheus.CounterVec
	UploadBytes     *prometheus.CounterVec
	CleanupRemoved  *prometheus.CounterVec
	LastSuccess     *prometheus.GaugeVec
	SchedulerNextAt prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbackup_runs_total",
			Help: "Backup runs by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinicbackup_run_duration_seconds",
			Help:    "Wall time of a backup run including uploads",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"trigger"}),
		DumpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbackup_dumps_total",
			Help: "Database dumps by candidate source and kind (full, placeholder, failed)",
		}, []string{"source", "kind"}),
		UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbackup_uploads_total",
			Help: "Archive uploads by destination and outcome",
		}, []string{"destination", "outcome"}),
		UploadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbackup_upload_bytes_total",
			Help: "Bytes uploaded per destination",
		}, []string{"destination"}),
		CleanupRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicbackup_cleanup_removed_total",
			Help: "Remote backups removed by retention cleanup",
		}, []string{"destination"}),
		LastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clinicbackup_last_success_timestamp_seconds",
			Help: "Unix time of the last successful upload per destination",
		}, []string{"destination"}),
		SchedulerNextAt: f.NewGauge(prometheus.GaugeOpts{
			Name: "clinicbackup_scheduler_next_run_timestamp_seconds",
			Help: "Unix time of the next scheduled run, 0 when the schedule is off",
		}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(trigger string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(trigger, outcome(ok)).Inc()
	m.RunDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// RecordDump counts a dump attempt outcome.
func (m *Metrics) RecordDump(source, kind string) {
	if m == nil {
		return
	}
	m.DumpsTotal.WithLabelValues(source, kind).Inc()
}

// RecordUpload counts an upload and, on success, its size and time.
func (m *Metrics) RecordUpload(destination string, ok bool, bytes int64, at time.Time) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(destination, outcome(ok)).Inc()
	if ok {
		m.UploadBytes.WithLabelValues(destination).Add(float64(bytes))
		m.LastSuccess.WithLabelValues(destination).Set(float64(at.Unix()))
	}
}

// RecordCleanup counts remote objects removed by retention.
func (m *Metrics) RecordCleanup(destination string, removed int) {
	if m == nil {
		return
	}
	m.CleanupRemoved.WithLabelValues(destination).Add(float64(removed))
}

// SetNextScheduledRun publishes the next fire time; the zero time clears it.
func (m *Metrics) SetNextScheduledRun(at time.Time) {
	if m == nil {
		return
	}
	if at.IsZero() {
		m.SchedulerNextAt.Set(0)
		return
	}
	m.SchedulerNextAt.Set(float64(at.Unix()))
}

// Handler serves the gathered metrics in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
