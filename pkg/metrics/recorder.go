// Package metrics records service metrics for runs, durable steps, tools and LLM calls.
package metrics

import "time"

// Step outcomes.
const (
	StepExecuted = "executed"
	StepReplayed = "replayed"
	StepFailed   = "failed"
)

// Tool outcomes.
const (
	ToolOK      = "ok"
	ToolError   = "error"
	ToolInvalid = "invalid"
	ToolDenied  = "denied"
)

// Recorder receives observations from the orchestration core.
type Recorder interface {
	// ObserveStep records one durable step resolution.
	ObserveStep(step, outcome string)

	// ObserveTool records one tool invocation.
	ObserveTool(tool, outcome string)

	// ObserveRun records a finished run.
	ObserveRun(status string, duration time.Duration, turns int)

	// IncRunRetry counts a host-level retry of a whole run.
	IncRunRetry()

	// ObserveLLMRequest records a completed model request.
	ObserveLLMRequest(model, agent string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)

	// IncThrottle counts a rate limiter wait.
	IncThrottle(model, reason string)
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveStep(_, _ string)                     {}
func (n *NoopRecorder) ObserveTool(_, _ string)                     {}
func (n *NoopRecorder) ObserveRun(_ string, _ time.Duration, _ int) {}
func (n *NoopRecorder) IncRunRetry()                                {}
func (n *NoopRecorder) ObserveLLMRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {
}
func (n *NoopRecorder) IncThrottle(_, _ string) {}
