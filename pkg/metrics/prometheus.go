package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	stepsTotal      *prometheus.CounterVec
	toolsTotal      *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runTurns        prometheus.Histogram
	runRetries      prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appbuilder_steps_total",
				Help: "Durable steps by step name and outcome (executed, replayed, failed)",
			},
			[]string{"step", "outcome"},
		),
		toolsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appbuilder_tool_invocations_total",
				Help: "Tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appbuilder_runs_total",
				Help: "Finished runs by status",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appbuilder_run_duration_seconds",
				Help:    "Wall time of finished runs",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10),
			},
			[]string{"status"},
		),
		runTurns: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "appbuilder_run_turns",
				Help:    "Coding agent turns per run",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
		),
		runRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "appbuilder_run_retries_total",
				Help: "Host-level retries of whole runs",
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, agent, and status",
			},
			[]string{"model", "agent", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "agent", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "agent"},
		),
		throttleTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_throttle_total",
				Help: "Total number of LLM throttling events",
			},
			[]string{"model", "reason"},
		),
	}
}

func (p *PrometheusRecorder) ObserveStep(step, outcome string) {
	p.stepsTotal.WithLabelValues(step, outcome).Inc()
}

func (p *PrometheusRecorder) ObserveTool(tool, outcome string) {
	p.toolsTotal.WithLabelValues(tool, outcome).Inc()
}

func (p *PrometheusRecorder) ObserveRun(status string, duration time.Duration, turns int) {
	p.runsTotal.WithLabelValues(status).Inc()
	p.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	p.runTurns.Observe(float64(turns))
}

func (p *PrometheusRecorder) IncRunRetry() {
	p.runRetries.Inc()
}

func (p *PrometheusRecorder) ObserveLLMRequest(
	model, agent string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(model, agent, status, errorType).Inc()
	if success {
		p.tokensTotal.WithLabelValues(model, agent, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, agent, "completion").Add(float64(completionTokens))
	}
	p.requestDuration.WithLabelValues(model, agent).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncThrottle(model, reason string) {
	p.throttleTotal.WithLabelValues(model, reason).Inc()
}
