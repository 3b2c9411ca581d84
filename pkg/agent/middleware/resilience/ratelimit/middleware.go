package ratelimit

import (
	"context"

	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/metrics"
)

// Middleware returns a middleware that acquires the estimated prompt tokens plus the
// request's output budget from limiter before each request.
func Middleware(limiter *TokenBucketLimiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				totalTokens := estimator.EstimatePrompt(req) + req.MaxTokens

				release, waited, err := limiter.Acquire(ctx, totalTokens)
				if waited {
					recorder.IncThrottle(next.GetModelName(), "rate_limit")
				}
				if err != nil {
					return llm.CompletionResponse{}, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()

				return next.Complete(ctx, req) //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
