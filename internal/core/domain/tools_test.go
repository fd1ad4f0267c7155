package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its input",
		Parameters: ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"text": map[string]interface{}{"type": "string"},
			},
			Required: []string{"text"},
		},
		Execute: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
			return params["text"], nil
		},
	}
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("echo")))

	out, err := reg.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestRegistryRejectsInvalidNames(t *testing.T) {
	reg := NewToolRegistry()
	for _, name := range []string{"", "Echo", "9tool", "has space", "has-dash"} {
		err := reg.Register(echoTool(name))
		assert.Error(t, err, "name %q should be rejected", name)
	}
}

func TestRegistryRejectsNilExecutor(t *testing.T) {
	reg := NewToolRegistry()
	tool := echoTool("echo")
	tool.Execute = nil
	assert.Error(t, reg.Register(tool))
}

func TestRegistryRejectsUnknownRequiredParam(t *testing.T) {
	reg := NewToolRegistry()
	tool := echoTool("echo")
	tool.Parameters.Required = []string{"missing"}
	assert.Error(t, reg.Register(tool))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("echo")))
	assert.Error(t, reg.Register(echoTool("echo")))
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("echo")))

	_, err := reg.Execute(context.Background(), "eco", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTool)

	// Exact match only: near-misses are never corrected.
	_, err = reg.Execute(context.Background(), "Echo", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("zeta")))
	require.NoError(t, reg.Register(echoTool("alpha")))
	require.NoError(t, reg.Register(echoTool("mid")))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
}

func TestRegistryFilterByNames(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("alpha")))
	require.NoError(t, reg.Register(echoTool("beta")))

	filtered := reg.FilterByNames([]string{"beta", "gamma"})
	assert.False(t, filtered.Has("alpha"))
	assert.True(t, filtered.Has("beta"))
	assert.False(t, filtered.Has("gamma"))
}

func TestFormatToolsForPromptStable(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("beta")))
	require.NoError(t, reg.Register(echoTool("alpha")))

	first := reg.FormatToolsForPrompt()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, reg.FormatToolsForPrompt())
	}
	assert.Contains(t, first, "- alpha: echoes its input")
	assert.Contains(t, first, "params: {text:string}")
	assert.Contains(t, first, "required: text")
}
