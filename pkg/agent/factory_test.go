package agent

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/internal/mocks"
	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/agent/llmerrors"
	"appbuilder/pkg/config"
	"appbuilder/pkg/metrics"
)

func testConfig(provider string) *config.Config {
	cfg := config.Default()
	cfg.Model.Provider = provider
	cfg.Model.Retry.InitialDelay = config.Duration(time.Millisecond)
	cfg.Model.Retry.MaxDelay = config.Duration(time.Millisecond)
	return cfg
}

func TestCreateClientRequiresAPIKey(t *testing.T) {
	t.Setenv("GOOGLE_GENAI_API_KEY", "")
	_, err := NewLLMClientFactory(testConfig(config.ProviderGoogle), nil).CreateClient()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrSecretNotFound)
}

func TestCreateClientPerProvider(t *testing.T) {
	t.Setenv("GOOGLE_GENAI_API_KEY", "g-key")
	t.Setenv("ANTHROPIC_API_KEY", "a-key")
	t.Setenv("OPENAI_API_KEY", "o-key")

	for _, provider := range []string{config.ProviderGoogle, config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderOllama} {
		t.Run(provider, func(t *testing.T) {
			cfg := testConfig(provider)
			cfg.Model.Name = provider + "-model"
			client, err := NewLLMClientFactory(cfg, nil).CreateClient()
			require.NoError(t, err)
			assert.Equal(t, provider+"-model", client.GetModelName())
		})
	}
}

func TestWrapRecordsMetricsOncePerLogicalRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)
	factory := NewLLMClientFactory(testConfig(config.ProviderOllama), recorder)

	raw := mocks.NewMockLLMClient()
	attempts := 0
	raw.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		attempts++
		if attempts == 1 {
			return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeTransient, "502 bad gateway")
		}
		return llm.CompletionResponse{Content: "ok", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 2}}, nil
	}

	client := factory.Wrap(raw)
	ctx := llm.WithAgentName(context.Background(), "coding-agent")
	resp, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, attempts)

	count, err := testutil.GatherAndCount(reg, "llm_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWrapSurfacesExhaustedRetries(t *testing.T) {
	factory := NewLLMClientFactory(testConfig(config.ProviderOllama), nil)
	raw := mocks.NewMockLLMClient()
	raw.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "429")
	}

	_, err := factory.Wrap(raw).Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.True(t, llmerrors.IsServiceUnavailable(err))
	assert.Len(t, raw.Calls(), config.DefaultRetryAttempts)
}
