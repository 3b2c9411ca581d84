package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appbuilder/internal/mocks"
	"appbuilder/pkg/agent"
	"appbuilder/pkg/durable"
	"appbuilder/pkg/proto"
)

func newSingleShot(t *testing.T, name, output string) (*agent.Agent, *mocks.MockLLMClient) {
	t.Helper()
	client := mocks.NewMockLLMClient()
	client.Script(mocks.Text(output))
	a, err := agent.New(agent.Config{Name: name, SystemPrompt: name, Client: client, MaxToolRounds: 1})
	require.NoError(t, err)
	return a, client
}

func TestPostProcessUsesModelText(t *testing.T) {
	titleAgent, _ := newSingleShot(t, TitleAgentName, "  Todo App \n")
	responseAgent, _ := newSingleShot(t, ResponseAgentName, "Your todo app is ready!")
	ex, err := durable.NewExecutor(context.Background(), "run-1", durable.NewMemoryJournal())
	require.NoError(t, err)

	title, response, err := PostProcess(context.Background(), ex, titleAgent, responseAgent, "Built a todo app")
	require.NoError(t, err)
	assert.Equal(t, "Todo App", title)
	assert.Equal(t, "Your todo app is ready!", response)
}

func TestPostProcessFallsBackOnEmptyOutput(t *testing.T) {
	titleAgent, _ := newSingleShot(t, TitleAgentName, "   ")
	responseAgent, _ := newSingleShot(t, ResponseAgentName, "")
	ex, err := durable.NewExecutor(context.Background(), "run-1", durable.NewMemoryJournal())
	require.NoError(t, err)

	title, response, err := PostProcess(context.Background(), ex, titleAgent, responseAgent, "Built a todo app")
	require.NoError(t, err)
	assert.Equal(t, proto.DefaultTitle, title)
	assert.Equal(t, proto.DefaultResponse, response)
}

func TestPostProcessSkipsModelWithoutSummary(t *testing.T) {
	titleAgent, titleClient := newSingleShot(t, TitleAgentName, "ignored")
	responseAgent, responseClient := newSingleShot(t, ResponseAgentName, "ignored")
	ex, err := durable.NewExecutor(context.Background(), "run-1", durable.NewMemoryJournal())
	require.NoError(t, err)

	title, response, err := PostProcess(context.Background(), ex, titleAgent, responseAgent, "")
	require.NoError(t, err)
	assert.Equal(t, proto.DefaultTitle, title)
	assert.Equal(t, proto.DefaultResponse, response)
	assert.Empty(t, titleClient.Calls())
	assert.Empty(t, responseClient.Calls())
}
