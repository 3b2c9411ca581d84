package agent

import (
	"context"
	"fmt"

	"appbuilder/pkg/agent/internal/llmimpl/anthropic"
	"appbuilder/pkg/agent/internal/llmimpl/google"
	"appbuilder/pkg/agent/internal/llmimpl/ollama"
	"appbuilder/pkg/agent/internal/llmimpl/openaiofficial"
	"appbuilder/pkg/agent/llm"
	llmmetrics "appbuilder/pkg/agent/middleware/metrics"
	"appbuilder/pkg/agent/middleware/resilience/ratelimit"
	"appbuilder/pkg/agent/middleware/resilience/retry"
	"appbuilder/pkg/config"
	"appbuilder/pkg/logx"
	"appbuilder/pkg/metrics"
)

// LLMClientFactory creates LLM clients with properly configured middleware chains.
type LLMClientFactory struct {
	model    config.ModelConfig
	keyName  string
	recorder metrics.Recorder
	limiter  *ratelimit.TokenBucketLimiter // nil when tokens_per_minute is 0
	logger   *logx.Logger
}

// NewLLMClientFactory creates a factory for the model section of cfg.
func NewLLMClientFactory(cfg *config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	f := &LLMClientFactory{
		model:    cfg.Model,
		keyName:  cfg.APIKeyName(),
		recorder: recorder,
		logger:   logx.NewLogger("llm-factory"),
	}
	if cfg.Model.TokensPerMinute > 0 {
		f.limiter = ratelimit.NewTokenBucketLimiter(cfg.Model.Name, ratelimit.Config{
			TokensPerMinute: cfg.Model.TokensPerMinute,
		})
	}
	return f
}

// Start runs the rate limiter refill loop until ctx is cancelled.
func (f *LLMClientFactory) Start(ctx context.Context) {
	if f.limiter != nil {
		f.limiter.Start(ctx)
	}
}

// CreateClient builds the raw provider client for the configured model and wraps it.
// The API key is resolved through the secrets store, then the environment.
func (f *LLMClientFactory) CreateClient() (llm.LLMClient, error) {
	var apiKey string
	if f.keyName != "" {
		key, err := config.GetSecret(f.keyName)
		if err != nil {
			return nil, fmt.Errorf("failed to get API key for provider %s: %w", f.model.Provider, err)
		}
		apiKey = key
	}

	cfg := llm.LLMConfig{
		APIKey:      apiKey,
		ModelName:   f.model.Name,
		BaseURL:     f.model.BaseURL,
		MaxTokens:   f.model.MaxTokens,
		Temperature: float32(f.model.Temperature),
	}
	if err := cfg.Validate(f.keyName != ""); err != nil {
		return nil, fmt.Errorf("invalid model configuration: %w", err)
	}

	var raw llm.LLMClient
	switch f.model.Provider {
	case config.ProviderGoogle:
		raw = google.NewGeminiClientWithModel(cfg.APIKey, cfg.ModelName)
	case config.ProviderAnthropic:
		raw = anthropic.NewClaudeClientWithModel(cfg.APIKey, cfg.ModelName, cfg.BaseURL)
	case config.ProviderOpenAI:
		raw = openaiofficial.NewOfficialClientWithModel(cfg.APIKey, cfg.ModelName, cfg.BaseURL)
	case config.ProviderOllama:
		raw = ollama.NewOllamaClientWithModel(cfg.BaseURL, cfg.ModelName)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", f.model.Provider)
	}

	f.logger.Info("Created %s client for model %s", f.model.Provider, cfg.ModelName)
	return f.Wrap(raw), nil
}

// Wrap applies the middleware chain to a raw client:
// Metrics -> Retry -> RateLimit -> raw client.
// Metrics sit outermost so one logical request is counted once, whatever the retries.
func (f *LLMClientFactory) Wrap(raw llm.LLMClient) llm.LLMClient {
	middlewares := []llm.Middleware{
		llmmetrics.Middleware(f.recorder, nil, f.logger),
		retry.Middleware(retry.NewPolicy(retry.ConfigFrom(f.model.Retry), nil)),
	}
	if f.limiter != nil {
		middlewares = append(middlewares, ratelimit.Middleware(f.limiter, nil, f.recorder))
	}
	return llm.Chain(raw, middlewares...)
}
