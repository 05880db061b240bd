package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/hostrd/internal/scheduler"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs       JobRunner
	Classifier MessageClassifier // optional; classify_message is omitted when nil
}

// NewMCPServer exposes job status, manual runs and classification as MCP tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"hostrd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("hostrd: background jobs and guest message classification for hotel tenants."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the last execution result of a background job, or of every job when name is omitted."),
			mcp.WithString("name", mcp.Description("Job name, e.g. embeddings or ratings")),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("run_job",
			mcp.WithDescription("Run a background job now and return its result. Fails if the job is already running."),
			mcp.WithString("name", mcp.Description("Job name"), mcp.Required()),
		),
		mcpRunJob(deps),
	)

	if deps.Classifier != nil {
		s.AddTool(
			mcp.NewTool("classify_message",
				mcp.WithDescription("Classify a guest message into an intent with a confidence score."),
				mcp.WithString("tenant_id", mcp.Description("Tenant the message belongs to"), mcp.Required()),
				mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
			),
			mcpClassify(deps),
		)
	}

	s.AddResource(
		mcp.NewResource(
			"jobs://status",
			"Job Status",
			mcp.WithResourceDescription("Registered jobs with schedules and last results"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJobs(deps),
	)

	return s
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := req.GetString("name", "")
		if name == "" {
			return mcpJSON(deps.Jobs.Jobs())
		}
		run, ok := deps.Jobs.LastRun(name)
		if !ok {
			return mcpError(fmt.Sprintf("no recorded run for %q", name)), nil
		}
		return mcpJSON(run)
	}
}

func mcpRunJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		run, err := deps.Jobs.Trigger(ctx, name)
		switch {
		case errors.Is(err, scheduler.ErrUnknownJob):
			return mcpError(fmt.Sprintf("unknown job %q", name)), nil
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			return mcpError(fmt.Sprintf("job %q is already running", name)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("run failed: %v", err)), nil
		}
		return mcpJSON(run)
	}
}

func mcpClassify(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenantID, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		return mcpJSON(deps.Classifier.Classify(ctx, tenantID, text))
	}
}

func mcpResourceJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Jobs.Jobs())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
