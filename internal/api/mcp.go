package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service *Service
	// Principal is who stdio tool calls act for.
	Principal authz.Principal
}

// NewMCPServer creates an MCP server exposing aggregate queries and run
// control.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"ledger-insights",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("ledger-insights: aggregated transcript analysis for persons, groups, organizations and the platform."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_aggregate",
			mcp.WithDescription("Return the current aggregate (themes, quotes, scores) of one scope."),
			mcp.WithString("level", mcp.Description("person, group, organization or platform"), mcp.Required()),
			mcp.WithString("scope_id", mcp.Description("Scope id; omit for the platform")),
		),
		mcpGetAggregate(deps),
	)

	s.AddTool(
		mcp.NewTool("trigger_run",
			mcp.WithDescription("Start a pipeline run in the background and return its id."),
			mcp.WithBoolean("dry_run", mcp.Description("Compute without persisting analyses or aggregates")),
			mcp.WithString("organization_id", mcp.Description("Restrict the run to one organization")),
			mcp.WithBoolean("fresh", mcp.Description("Start from the first stage even after a failed run")),
		),
		mcpTriggerRun(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run_status",
			mcp.WithDescription("Return the status, stage progress and unit failures of a run."),
			mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
		),
		mcpGetRunStatus(deps),
	)

	return s
}

func mcpGetAggregate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		level, err := req.RequireString("level")
		if err != nil {
			return mcpError("level is required"), nil
		}
		view, err := deps.Service.Aggregate(deps.Principal, level, req.GetString("scope_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("get_aggregate failed: %v", err)), nil
		}
		return mcpJSON(view)
	}
}

func mcpTriggerRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := deps.Service.TriggerRun(ctx, deps.Principal, pipeline.Options{
			DryRun:         req.GetBool("dry_run", false),
			OrganizationID: req.GetString("organization_id", ""),
			Fresh:          req.GetBool("fresh", false),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("trigger_run failed: %v", err)), nil
		}
		return mcpText(runID), nil
	}
}

func mcpGetRunStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		run, err := deps.Service.RunStatus(deps.Principal, runID)
		if err != nil {
			return mcpError(fmt.Sprintf("get_run_status failed: %v", err)), nil
		}
		return mcpJSON(run)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
