package main

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcptasks/mcptasks/internal/middleware"
	"github.com/mcptasks/mcptasks/internal/router"
	"github.com/mcptasks/mcptasks/internal/workflow"
)

// registerBuiltinTools populates tools with the small demonstration
// surface this daemon ships with: two inline tools composed into a
// workflow prompt, plus one tool that always runs as a task so
// required task-augmentation has a concrete exercise path. None of
// this is spec-mandated business logic -- it exists so a fresh
// checkout has something to call through tools/call, tasks/get, and
// GetPrompt without a separate integration harness.
func registerBuiltinTools(tools *router.ToolRegistry) {
	tools.Register(router.ToolEntry{
		Name:        "fetch_weather",
		Description: "Looks up a deterministic canned forecast for a city.",
		TaskSupport: router.TaskSupportForbidden,
		InputSchema: []byte(`{
			"type": "object",
			"required": ["city"],
			"properties": {"city": {"type": "string", "minLength": 1}},
			"additionalProperties": false
		}`),
		Handler: fetchWeatherHandler,
	})

	tools.Register(router.ToolEntry{
		Name:        "summarize",
		Description: "Turns a fetch_weather report into one sentence.",
		TaskSupport: router.TaskSupportForbidden,
		InputSchema: []byte(`{
			"type": "object",
			"required": ["report"],
			"properties": {"report": {}},
			"additionalProperties": false
		}`),
		Handler: summarizeHandler,
	})

	tools.Register(router.ToolEntry{
		Name:        "backfill_report",
		Description: "Simulates a slow report job; always runs as a durable task.",
		TaskSupport: router.TaskSupportRequired,
		InputSchema: []byte(`{
			"type": "object",
			"required": ["city"],
			"properties": {"city": {"type": "string", "minLength": 1}},
			"additionalProperties": false
		}`),
		Handler: backfillReportHandler,
	})
}

// registerBuiltinPrompts wires the weather_report workflow prompt:
// fetch_weather feeds its output into summarize, the two-step chain
// exercised throughout internal/router's own test suite.
func registerBuiltinPrompts(r *router.Router) {
	wf, err := workflow.New("weather_report", []string{"city"}, []workflow.Step{
		{
			Name: "fetch", Tool: "fetch_weather", Binding: "weather",
			Args: []workflow.ArgEntry{{Param: "city", Source: workflow.PromptArg("city")}},
		},
		{
			Name: "summarize", Tool: "summarize", Binding: "summary",
			Args: []workflow.ArgEntry{{Param: "report", Source: workflow.FromStep("weather")}},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("builtin workflow failed validation: %v", err))
	}
	r.RegisterPrompt(router.Prompt{Name: "weather_report", Workflow: wf})
}

var canned = map[string]float64{
	"boston":        58,
	"san francisco": 61,
	"austin":        89,
}

func fetchWeatherHandler(_ context.Context, args map[string]interface{}, _ *middleware.Extra) (*mcp.CallToolResult, error) {
	city, _ := args["city"].(string)
	tempF, ok := canned[normalizeCity(city)]
	if !ok {
		tempF = 70
	}
	return &mcp.CallToolResult{
		StructuredContent: map[string]interface{}{"city": city, "tempF": tempF},
		Content:           []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(`{"city":%q,"tempF":%v}`, city, tempF)}},
	}, nil
}

func summarizeHandler(_ context.Context, args map[string]interface{}, _ *middleware.Extra) (*mcp.CallToolResult, error) {
	report, ok := args["report"].(map[string]interface{})
	if !ok {
		return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: "summarize: report argument was not an object"}}}, nil
	}
	city, _ := report["city"].(string)
	tempF, _ := report["tempF"].(float64)
	summary := fmt.Sprintf("%s is %.0f°F.", city, tempF)
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: summary}}}, nil
}

func backfillReportHandler(ctx context.Context, args map[string]interface{}, _ *middleware.Extra) (*mcp.CallToolResult, error) {
	city, _ := args["city"].(string)
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	summary := fmt.Sprintf("Backfilled report for %s.", city)
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: summary}}}, nil
}

func normalizeCity(city string) string {
	out := make([]byte, 0, len(city))
	for i := 0; i < len(city); i++ {
		c := city[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
