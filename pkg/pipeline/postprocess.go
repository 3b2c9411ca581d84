package pipeline

import (
	"context"
	"strings"

	"appbuilder/pkg/agent"
	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/durable"
	"appbuilder/pkg/proto"
)

// Agent names of the single-shot post-processing calls.
const (
	TitleAgentName    = "fragment-title-generator"
	ResponseAgentName = "response-generator"
)

// PostProcess derives the fragment title and the user-facing response from summary with
// one model call each. Empty output falls back to proto.DefaultTitle and
// proto.DefaultResponse. Without a summary no calls are made.
func PostProcess(ctx context.Context, ex *durable.Executor, titleAgent, responseAgent *agent.Agent, summary string) (title, response string, err error) {
	if strings.TrimSpace(summary) == "" {
		return proto.DefaultTitle, proto.DefaultResponse, nil
	}

	title, err = singleShot(ctx, ex, titleAgent, summary, proto.DefaultTitle)
	if err != nil {
		return "", "", err
	}
	response, err = singleShot(ctx, ex, responseAgent, summary, proto.DefaultResponse)
	if err != nil {
		return "", "", err
	}
	return title, response, nil
}

func singleShot(ctx context.Context, ex *durable.Executor, a *agent.Agent, input, fallback string) (string, error) {
	res, err := a.Run(ctx, ex, []llm.CompletionMessage{llm.NewUserMessage(input)})
	if err != nil {
		return "", err
	}
	return textOrDefault(res.Output, fallback), nil
}

func textOrDefault(text, fallback string) string {
	if text = strings.TrimSpace(text); text == "" {
		return fallback
	}
	return text
}
