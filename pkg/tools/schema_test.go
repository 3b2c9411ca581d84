package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequired(t *testing.T) {
	err := terminalMeta.InputSchema.Validate(ToolTerminal, map[string]any{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "command", verr.Field)
	assert.Equal(t, "invalid arguments for terminal: command is required", err.Error())
}

func TestValidateTypes(t *testing.T) {
	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"wrong scalar", map[string]any{"files": "index.html"}, "files"},
		{"missing nested", map[string]any{"files": []any{map[string]any{"path": "a"}}}, "files[0].content"},
		{"wrong nested", map[string]any{"files": []any{map[string]any{"path": 1.0, "content": "x"}}}, "files[0].path"},
		{"item not object", map[string]any{"files": []any{"a"}}, "files[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := writeFilesMeta.InputSchema.Validate(ToolCreateOrUpdateFiles, tt.args)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	args := map[string]any{"files": []any{
		map[string]any{"path": "app/page.tsx", "content": "x"},
	}}
	assert.NoError(t, writeFilesMeta.InputSchema.Validate(ToolCreateOrUpdateFiles, args))
	assert.NoError(t, readFilesMeta.InputSchema.Validate(ToolReadFiles, map[string]any{"files": []any{}}))
}

func TestValidateInteger(t *testing.T) {
	schema := InputSchema{
		Type:       "object",
		Properties: map[string]Property{"n": {Type: "integer"}},
	}
	assert.NoError(t, schema.Validate("t", map[string]any{"n": 3.0}))
	assert.Error(t, schema.Validate("t", map[string]any{"n": 3.5}))
}

func TestJSONSchemaNested(t *testing.T) {
	out := writeFilesMeta.InputSchema.JSONSchema()
	assert.Equal(t, "object", out["type"])
	assert.Equal(t, []string{"files"}, out["required"])

	files := out["properties"].(map[string]any)["files"].(map[string]any)
	assert.Equal(t, "array", files["type"])
	item := files["items"].(map[string]any)
	assert.Equal(t, "object", item["type"])
	assert.Contains(t, item["properties"], "path")
	assert.Contains(t, item["properties"], "content")
}
