// Package metrics holds the prometheus collectors labkasten exports on /metrics.
// All methods are safe to call on a nil *Metrics, so components can run
// without metrics wired in (tests, the reconcile subcommand).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/p-arndt/labkasten/internal/runtime"
)

type Metrics struct {
	sessionsCreated *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	reaped          *prometheus.CounterVec
	admissionDenied *prometheus.CounterVec
	evictions       prometheus.Counter

	sessionCPU  *prometheus.GaugeVec
	sessionMem  *prometheus.GaugeVec
	sessionDisk *prometheus.GaugeVec
	hostMemUsed prometheus.Gauge
	hostCPU     prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labkasten_sessions_created_total",
			Help: "Session create attempts by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labkasten_session_transitions_total",
			Help: "Committed session status transitions by target status.",
		}, []string{"to"}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labkasten_sessions_reaped_total",
			Help: "Sessions stopped by the reaper by reason.",
		}, []string{"reason"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labkasten_admission_denied_total",
			Help: "Create requests rejected by admission control by limit.",
		}, []string{"limit"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labkasten_sessions_evicted_total",
			Help: "Sessions stopped by the resource monitor.",
		}),
		sessionCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labkasten_session_cpu_percent",
			Help: "Last sampled CPU usage of a session container.",
		}, []string{"session_id"}),
		sessionMem: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labkasten_session_memory_bytes",
			Help: "Last sampled memory usage of a session container.",
		}, []string{"session_id"}),
		sessionDisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labkasten_session_disk_bytes",
			Help: "Last sampled writable-layer size of a session container.",
		}, []string{"session_id"}),
		hostMemUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labkasten_host_memory_used_percent",
			Help: "Host memory in use.",
		}),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labkasten_host_cpu_percent",
			Help: "Host CPU utilisation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sessionsCreated, m.transitions, m.reaped, m.admissionDenied, m.evictions,
			m.sessionCPU, m.sessionMem, m.sessionDisk, m.hostMemUsed, m.hostCPU,
		)
	}
	return m
}

func (m *Metrics) SessionCreated(result string) {
	if m == nil {
		return
	}
	m.sessionsCreated.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.With(prometheus.Labels{"to": to}).Inc()
}

func (m *Metrics) Reaped(reason string) {
	if m == nil {
		return
	}
	m.reaped.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m *Metrics) AdmissionDenied(limit string) {
	if m == nil {
		return
	}
	m.admissionDenied.With(prometheus.Labels{"limit": limit}).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// ObserveUsage publishes the latest sample for a session.
func (m *Metrics) ObserveUsage(sessionID string, u *runtime.Usage) {
	if m == nil || u == nil {
		return
	}
	m.sessionCPU.WithLabelValues(sessionID).Set(u.CPUPercent)
	m.sessionMem.WithLabelValues(sessionID).Set(float64(u.MemBytes))
	m.sessionDisk.WithLabelValues(sessionID).Set(float64(u.DiskBytes))
}

// ForgetSession drops the per-session series once a session is no longer sampled.
func (m *Metrics) ForgetSession(sessionID string) {
	if m == nil {
		return
	}
	m.sessionCPU.DeleteLabelValues(sessionID)
	m.sessionMem.DeleteLabelValues(sessionID)
	m.sessionDisk.DeleteLabelValues(sessionID)
}

func (m *Metrics) ObserveHost(memUsedPercent, cpuPercent float64) {
	if m == nil {
		return
	}
	m.hostMemUsed.Set(memUsedPercent)
	m.hostCPU.Set(cpuPercent)
}
