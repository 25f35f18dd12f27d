// Package metrics defines the sink the decision core reports into, with a
// Prometheus implementation and a no-op for tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives operational events from the pipeline, action engine, and
// audit trail.
type Sink interface {
	DecisionRecorded(groupType, verdict, threat string)
	ProcessingTime(stage string, d time.Duration)
	LLMCall(outcome string, d time.Duration)
	ActionExecuted(actionType, outcome string)
	RateLimited(scope string)
	Degraded(breakerName string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) DecisionRecorded(string, string, string) {}
func (Nop) ProcessingTime(string, time.Duration)    {}
func (Nop) LLMCall(string, time.Duration)           {}
func (Nop) ActionExecuted(string, string)           {}
func (Nop) RateLimited(string)                      {}
func (Nop) Degraded(string)                         {}

// Prometheus is the production sink.
type Prometheus struct {
	decisions  *prometheus.CounterVec
	processing *prometheus.HistogramVec
	llmCalls   *prometheus.CounterVec
	llmLatency *prometheus.HistogramVec
	actions    *prometheus.CounterVec
	rateLimits *prometheus.CounterVec
	degraded   *prometheus.CounterVec
}

// NewPrometheus creates and registers all metrics on the default registerer.
func NewPrometheus() *Prometheus {
	return newPrometheus(prometheus.DefaultRegisterer)
}

// NewPrometheusWith registers on an explicit registerer, used by tests.
func NewPrometheusWith(reg prometheus.Registerer) *Prometheus {
	return newPrometheus(reg)
}

func newPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saqshy_decisions_total",
				Help: "Decisions recorded, by group type, verdict, and threat type",
			},
			[]string{"group_type", "verdict", "threat"},
		),
		processing: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saqshy_processing_seconds",
				Help:    "Per-stage processing latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		llmCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saqshy_llm_calls_total",
				Help: "Gray-zone adjudication calls, by outcome",
			},
			[]string{"outcome"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saqshy_llm_latency_seconds",
				Help:    "Adjudication call latency",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 12},
			},
			[]string{"outcome"},
		),
		actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saqshy_actions_total",
				Help: "Platform actions attempted, by type and outcome",
			},
			[]string{"action", "outcome"},
		),
		rateLimits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saqshy_rate_limited_total",
				Help: "Messages short-circuited by rate limiting, by scope",
			},
			[]string{"scope"},
		),
		degraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saqshy_degraded_decisions_total",
				Help: "Decisions made while a dependency breaker was open",
			},
			[]string{"breaker"},
		),
	}
}

func (p *Prometheus) DecisionRecorded(groupType, verdict, threat string) {
	p.decisions.WithLabelValues(groupType, verdict, threat).Inc()
}

func (p *Prometheus) ProcessingTime(stage string, d time.Duration) {
	p.processing.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Prometheus) LLMCall(outcome string, d time.Duration) {
	p.llmCalls.WithLabelValues(outcome).Inc()
	p.llmLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *Prometheus) ActionExecuted(actionType, outcome string) {
	p.actions.WithLabelValues(actionType, outcome).Inc()
}

func (p *Prometheus) RateLimited(scope string) {
	p.rateLimits.WithLabelValues(scope).Inc()
}

func (p *Prometheus) Degraded(breakerName string) {
	p.degraded.WithLabelValues(breakerName).Inc()
}
