package observe

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"agentchan/internal/engine"
	"agentchan/internal/models"
)

const namespace = "agentchan"

// Metrics records scheduler, pipeline and retirement activity. It satisfies
// engine.Recorder.
type Metrics struct {
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	dispatched    prometheus.Counter
	skipped       *prometheus.CounterVec
	actions       *prometheus.CounterVec
	integrity     *prometheus.CounterVec
	retirements   *prometheus.CounterVec
	agentsRetired prometheus.Counter
	statesRetired prometheus.Counter
	lastEligible  prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration conflict other than an identical collector already present.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks completed.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of a scheduler tick including dispatched actions.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Agents acquired and handed to the posting pipeline.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Agents not dispatched, by reason.",
		}, []string{"reason"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "actions_total",
			Help:      "Finished agent actions by outcome and board.",
		}, []string{"outcome", "board"}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "integrity_violations_total",
			Help:      "Integrity violations detected and repaired.",
		}, []string{"kind"}),
		retirements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "retirements_total",
			Help:      "Retirement requests by result.",
		}, []string{"result"}),
		agentsRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "agents_retired_total",
			Help:      "Agents removed by retirement.",
		}),
		statesRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "roster",
			Name:      "states_retired_total",
			Help:      "Agent states removed by retirement.",
		}),
		lastEligible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_tick_eligible",
			Help:      "Eligible agents seen by the most recent tick.",
		}),
	}

	m.ticks = register(reg, m.ticks)
	m.tickDuration = register(reg, m.tickDuration)
	m.dispatched = register(reg, m.dispatched)
	m.skipped = register(reg, m.skipped)
	m.actions = register(reg, m.actions)
	m.integrity = register(reg, m.integrity)
	m.retirements = register(reg, m.retirements)
	m.agentsRetired = register(reg, m.agentsRetired)
	m.statesRetired = register(reg, m.statesRetired)
	m.lastEligible = register(reg, m.lastEligible)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) TickCompleted(report engine.TickReport) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(report.Duration.Seconds())
	m.dispatched.Add(float64(report.Dispatched))
	m.lastEligible.Set(float64(report.Eligible))
	for reason, n := range report.Skipped {
		m.skipped.WithLabelValues(string(reason)).Add(float64(n))
	}
}

func (m *Metrics) ActionFinished(result engine.Result) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(string(result.Outcome), result.Board).Inc()
}

func (m *Metrics) IntegrityViolation(kind string) {
	if m == nil {
		return
	}
	m.integrity.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retired(result models.RetireResult) {
	if m == nil {
		return
	}
	if result.AgentsRemoved == 0 {
		m.retirements.WithLabelValues("noop").Inc()
		return
	}
	m.retirements.WithLabelValues("removed").Inc()
	m.agentsRetired.Add(float64(result.AgentsRemoved))
	m.statesRetired.Add(float64(result.StatesRemoved))
}

func (m *Metrics) RetireFailed() {
	if m == nil {
		return
	}
	m.retirements.WithLabelValues("error").Inc()
}

var _ engine.Recorder = (*Metrics)(nil)
