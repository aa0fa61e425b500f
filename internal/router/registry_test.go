package router

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcptasks/mcptasks/internal/config"
)

func TestToolRegistryValidateArgumentsNoSchemaIsNoop(t *testing.T) {
	r := NewToolRegistry()
	r.Register(ToolEntry{Name: "echo", Handler: handlerFor("hi", false)})
	assert.NoError(t, r.ValidateArguments("echo", map[string]interface{}{"anything": 1}))
}

func TestToolRegistryValidateArgumentsEnforcesSchema(t *testing.T) {
	r := NewToolRegistry()
	r.Register(ToolEntry{
		Name:    "greet",
		Handler: handlerFor("hi", false),
		InputSchema: []byte(`{
			"type": "object",
			"properties": {"name": {"type": "string"}},
			"required": ["name"],
			"additionalProperties": false
		}`),
	})

	assert.NoError(t, r.ValidateArguments("greet", map[string]interface{}{"name": "Ada"}))
	assert.Error(t, r.ValidateArguments("greet", map[string]interface{}{}))
	assert.Error(t, r.ValidateArguments("greet", map[string]interface{}{"name": "Ada", "extra": true}))
}

func TestToolRegistryValidateArgumentsUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	assert.Error(t, r.ValidateArguments("missing", map[string]interface{}{}))
}

func TestRegisterInvalidSchemaPanics(t *testing.T) {
	r := NewToolRegistry()
	assert.Panics(t, func() {
		r.Register(ToolEntry{Name: "bad", InputSchema: []byte(`{not json`)})
	})
}

func TestToolsCallRejectsArgumentsFailingSchema(t *testing.T) {
	router, tools, _ := testRouter(t, config.RouterConfig{AllowAnonymous: true})
	tools.Register(ToolEntry{
		Name:        "greet",
		TaskSupport: TaskSupportForbidden,
		Handler:     handlerFor("hi", false),
		InputSchema: []byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`),
	})

	resp := router.Dispatch(context.Background(), &JSONRPCRequest{
		ID:     "1",
		Method: "tools/call",
		Params: mustParams(t, map[string]interface{}{"name": "greet", "arguments": map[string]interface{}{}}),
	})
	errResp, ok := resp.(*JSONRPCErrorResponse)
	require.True(t, ok)
	assert.Equal(t, InvalidParams, errResp.Error.Code)
}

func TestToolsCallAcceptsArgumentsSatisfyingSchema(t *testing.T) {
	router, tools, _ := testRouter(t, config.RouterConfig{AllowAnonymous: true})
	tools.Register(ToolEntry{
		Name:        "greet",
		TaskSupport: TaskSupportForbidden,
		Handler:     handlerFor("hi there", false),
		InputSchema: []byte(`{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`),
	})

	resp := router.Dispatch(context.Background(), &JSONRPCRequest{
		ID:     "1",
		Method: "tools/call",
		Params: mustParams(t, map[string]interface{}{"name": "greet", "arguments": map[string]interface{}{"name": "Ada"}}),
	})
	success, ok := resp.(*JSONRPCResponse)
	require.True(t, ok)
	result := success.Result.(*mcp.CallToolResult)
	assert.False(t, result.IsError)
}
