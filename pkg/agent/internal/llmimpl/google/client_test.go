package google

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"appbuilder/pkg/agent/llm"
	"appbuilder/pkg/tools"
)

func TestGetModelName(t *testing.T) {
	client := NewGeminiClientWithModel("test-key", "gemini-2.5-flash")
	assert.Equal(t, "gemini-2.5-flash", client.GetModelName())
}

func TestConvertMessagesToGemini(t *testing.T) {
	tests := []struct {
		name             string
		messages         []llm.CompletionMessage
		expectSystem     string
		expectContentLen int
		errContains      string
	}{
		{
			name:        "empty messages",
			errContains: "message list cannot be empty",
		},
		{
			name:        "system only",
			messages:    []llm.CompletionMessage{llm.NewSystemMessage("You are helpful")},
			errContains: "no user or assistant content",
		},
		{
			name: "multiple system messages concatenated",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are helpful"},
				{Role: llm.RoleSystem, Content: "And concise"},
				{Role: llm.RoleUser, Content: "Hello"},
			},
			expectSystem:     "You are helpful\n\nAnd concise",
			expectContentLen: 1,
		},
		{
			name: "tool round trip",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleUser, Content: "Build a counter"},
				{
					Role: llm.RoleAssistant,
					ToolCalls: []llm.ToolCall{
						{ID: "call_1", Name: "terminal", Parameters: map[string]any{"command": "ls"}},
					},
				},
				{
					Role:        llm.RoleUser,
					ToolResults: []llm.ToolResult{{ToolCallID: "call_1", Name: "terminal", Content: "app"}},
				},
			},
			expectContentLen: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contents, system, err := convertMessagesToGemini(tt.messages)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectSystem, system)
			assert.Len(t, contents, tt.expectContentLen)
		})
	}
}

func TestToolResultsUseToolName(t *testing.T) {
	contents, _, err := convertMessagesToGemini([]llm.CompletionMessage{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "readFiles"}}},
		{Role: llm.RoleUser, ToolResults: []llm.ToolResult{{ToolCallID: "c1", Name: "readFiles", Content: "[]", IsError: false}}},
	})
	require.NoError(t, err)
	require.Len(t, contents, 2)

	assert.Equal(t, "model", contents[0].Role)
	resp := contents[1].Parts[0].FunctionResponse
	require.NotNil(t, resp)
	assert.Equal(t, "readFiles", resp.Name)
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "[]", resp.Response["content"])
}

func TestConvertToolsToGemini(t *testing.T) {
	def := tools.ToolDefinition{
		Name:        "createOrUpdateFiles",
		Description: "Write files",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"files": {
					Type: "array",
					Items: &tools.Property{
						Type: "object",
						Properties: map[string]tools.Property{
							"path": {Type: "string"},
						},
						Required: []string{"path"},
					},
				},
			},
			Required: []string{"files"},
		},
	}

	result := convertToolsToGemini([]tools.ToolDefinition{def})
	require.Len(t, result, 1)
	assert.Equal(t, "createOrUpdateFiles", result[0].Name)
	assert.Equal(t, genai.TypeObject, result[0].Parameters.Type)

	files := result[0].Parameters.Properties["files"]
	assert.Equal(t, genai.TypeArray, files.Type)
	assert.Equal(t, genai.TypeObject, files.Items.Type)
	assert.Equal(t, []string{"path"}, files.Items.Required)
	assert.Equal(t, genai.TypeString, files.Items.Properties["path"].Type)
}

func TestConvertFunctionCallsFromGemini(t *testing.T) {
	calls := []*genai.FunctionCall{
		{ID: "call_123", Name: "terminal", Args: map[string]any{"command": "ls"}},
		{Name: "terminal", Args: map[string]any{"command": "pwd"}},
	}

	result := convertFunctionCallsFromGemini(calls)
	require.Len(t, result, 2)
	assert.Equal(t, "call_123", result[0].ID)
	assert.Equal(t, "terminal_1", result[1].ID)
	assert.Equal(t, "pwd", result[1].Parameters["command"])
}

func TestToolMode(t *testing.T) {
	assert.Equal(t, genai.FunctionCallingConfigModeAuto, toolMode(""))
	assert.Equal(t, genai.FunctionCallingConfigModeAny, toolMode(llm.ToolChoiceAny))
	assert.Equal(t, genai.FunctionCallingConfigModeNone, toolMode(llm.ToolChoiceNone))
}

func TestGetStopReason(t *testing.T) {
	assert.Equal(t, "unknown", getStopReason(&genai.GenerateContentResponse{}))
	assert.Equal(t, "max_tokens", getStopReason(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}},
	}))
	assert.Equal(t, "end_turn", getStopReason(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonStop, Content: &genai.Content{Parts: []*genai.Part{{Text: "done"}}}}},
	}))
}
