package llm

import (
	"context"
	"strings"
	"testing"
)

type recordingClient struct {
	calls []string
}

func (r *recordingClient) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	r.calls = append(r.calls, "base")
	return CompletionResponse{Content: "ok"}, nil
}

func (r *recordingClient) GetModelName() string { return "base-model" }

func tag(name string, log *[]string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				*log = append(*log, name)
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}

func TestChainOrder(t *testing.T) {
	var log []string
	base := &recordingClient{}
	client := Chain(base, tag("outer", &log), tag("inner", &log))

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("hi")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("expected 'ok', got %q", resp.Content)
	}
	if got := strings.Join(log, ","); got != "outer,inner" {
		t.Errorf("expected outer,inner got %s", got)
	}
	if client.GetModelName() != "base-model" {
		t.Errorf("model name not delegated: %s", client.GetModelName())
	}
}

func TestChainWithoutMiddleware(t *testing.T) {
	base := &recordingClient{}
	if Chain(base) != LLMClient(base) {
		t.Error("Chain without middleware should return the base client")
	}
}

func TestAgentName(t *testing.T) {
	ctx := context.Background()
	if got := AgentNameFrom(ctx); got != "unknown" {
		t.Errorf("expected unknown, got %s", got)
	}
	if got := AgentNameFrom(WithAgentName(ctx, "coding-agent")); got != "coding-agent" {
		t.Errorf("expected coding-agent, got %s", got)
	}
}

func TestLLMConfigValidate(t *testing.T) {
	cfg := LLMConfig{ModelName: "gemini-2.5-flash", MaxTokens: 100, Temperature: 0.1}
	if err := cfg.Validate(true); err == nil {
		t.Error("expected missing key error")
	}
	if err := cfg.Validate(false); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	cfg.Temperature = 3
	if err := cfg.Validate(false); err == nil {
		t.Error("expected temperature error")
	}
}
