package status

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NodePath81/rmbt/internal/engine"
	"github.com/NodePath81/rmbt/internal/results"
)

var phases = []engine.Phase{
	engine.PhaseWait,
	engine.PhaseInit,
	engine.PhasePing,
	engine.PhaseDown,
	engine.PhaseInitUp,
	engine.PhaseUp,
	engine.PhaseEnd,
	engine.PhaseError,
	engine.PhaseAborted,
}

// Metrics exports live run state and the last finished result. It
// implements engine.StatusSink so phase changes land without polling.
type Metrics struct {
	registry *prometheus.Registry

	phase        *prometheus.GaugeVec
	fallback     prometheus.Gauge
	throughput   prometheus.Gauge
	workerBytes  *prometheus.GaugeVec
	diagnostics  prometheus.Counter
	runs         *prometheus.CounterVec
	lastDownBps  prometheus.Gauge
	lastUpBps    prometheus.Gauge
	lastPingSecs prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}
	f := promauto.With(reg)
	m.phase = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rmbt_phase",
		Help: "1 for the current test phase, 0 otherwise",
	}, []string{"phase"})
	m.fallback = f.NewGauge(prometheus.GaugeOpts{
		Name: "rmbt_fallback",
		Help: "1 when the run fell back to a single connection",
	})
	m.throughput = f.NewGauge(prometheus.GaugeOpts{
		Name: "rmbt_throughput_bps",
		Help: "Current combined throughput of all workers in bits per second",
	})
	m.workerBytes = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rmbt_worker_bytes",
		Help: "Bytes transferred by a worker in the current phase",
	}, []string{"worker"})
	m.diagnostics = f.NewCounter(prometheus.CounterOpts{
		Name: "rmbt_diagnostics_total",
		Help: "Diagnostic messages emitted by workers",
	})
	m.runs = f.NewCounterVec(prometheus.CounterOpts{
		Name: "rmbt_runs_total",
		Help: "Finished runs by outcome",
	}, []string{"outcome"})
	m.lastDownBps = f.NewGauge(prometheus.GaugeOpts{
		Name: "rmbt_last_download_bps",
		Help: "Download speed of the last completed run",
	})
	m.lastUpBps = f.NewGauge(prometheus.GaugeOpts{
		Name: "rmbt_last_upload_bps",
		Help: "Upload speed of the last completed run",
	})
	m.lastPingSecs = f.NewGauge(prometheus.GaugeOpts{
		Name: "rmbt_last_ping_seconds",
		Help: "Shortest ping of the last completed run",
	})
	m.setPhase(engine.PhaseWait)
	return m
}

func (m *Metrics) setPhase(current engine.Phase) {
	for _, p := range phases {
		v := 0.0
		if p == current {
			v = 1
		}
		m.phase.WithLabelValues(p.String()).Set(v)
	}
}

func (m *Metrics) PhaseChanged(phase engine.Phase) {
	m.setPhase(phase)
}

func (m *Metrics) Diagnostic(int, string) {
	m.diagnostics.Inc()
}

func (m *Metrics) Aborted(error) {
	m.runs.WithLabelValues("aborted").Inc()
}

// Update copies a live snapshot into the gauges.
func (m *Metrics) Update(st engine.Status) {
	m.setPhase(st.Phase)
	if st.Fallback {
		m.fallback.Set(1)
	} else {
		m.fallback.Set(0)
	}
	m.throughput.Set(st.Bps)
	for i, w := range st.Workers {
		m.workerBytes.WithLabelValues(strconv.Itoa(i)).Set(float64(w.Bytes))
	}
}

// Finished records a completed run.
func (m *Metrics) Finished(res results.TestResult) {
	m.runs.WithLabelValues("completed").Inc()
	m.lastDownBps.Set(res.Down.Bps)
	m.lastUpBps.Set(res.Up.Bps)
	m.lastPingSecs.Set(res.ShortestPing.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
