package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/geniusboywonder/bmad/internal/domain/approval"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.requestApprovalTool(),
		s.getApprovalStatusTool(),
		s.getBudgetStatusTool(),
		s.triggerEmergencyStopTool(),
	)
}

func (s *Server) requestApprovalTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("request_approval",
		mcplib.WithDescription("Request human approval before executing a gated action. Returns the approval request; poll get_approval_status until it resolves."),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("Project the task belongs to"),
		),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("Task being gated"),
		),
		mcplib.WithString("agent_type",
			mcplib.Required(),
			mcplib.Description("Agent role requesting approval (e.g. coder, tester)"),
		),
		mcplib.WithString("kind",
			mcplib.Description("Gate kind: pre_execution (default) or response_review"),
		),
		mcplib.WithNumber("estimated_tokens",
			mcplib.Description("Tokens the gated action is expected to spend"),
		),
		mcplib.WithNumber("estimated_cost_usd",
			mcplib.Description("Dollar cost the gated action is expected to spend"),
		),
		mcplib.WithString("request_data",
			mcplib.Description("JSON payload describing the action for the human reviewer"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleRequestApproval,
	}
}

func (s *Server) getApprovalStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_approval_status",
		mcplib.WithDescription("Get the current status of an approval request by ID"),
		mcplib.WithString("request_id",
			mcplib.Required(),
			mcplib.Description("The approval request ID to check"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetApprovalStatus,
	}
}

func (s *Server) getBudgetStatusTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_budget_status",
		mcplib.WithDescription("Get remaining token and cost budget for a project/agent pair"),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("Project to check"),
		),
		mcplib.WithString("agent_type",
			mcplib.Required(),
			mcplib.Description("Agent role to check"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetBudgetStatus,
	}
}

func (s *Server) triggerEmergencyStopTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("trigger_emergency_stop",
		mcplib.WithDescription("Halt all new agent work for a project, or one agent role within it"),
		mcplib.WithString("project_id",
			mcplib.Required(),
			mcplib.Description("Project to stop"),
		),
		mcplib.WithString("agent_type",
			mcplib.Description("Agent role to stop; omit for a project-wide stop"),
		),
		mcplib.WithString("reason",
			mcplib.Required(),
			mcplib.Description("Why the stop is being triggered"),
		),
		mcplib.WithString("triggered_by",
			mcplib.Required(),
			mcplib.Description("Who or what is triggering the stop"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleTriggerEmergencyStop,
	}
}

func (s *Server) handleRequestApproval(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Approvals == nil {
		return mcplib.NewToolResultError("approval service not configured"), nil
	}
	args := req.GetArguments()

	create := approval.CreateRequest{
		ProjectID: stringArg(args, "project_id"),
		TaskID:    stringArg(args, "task_id"),
		AgentType: stringArg(args, "agent_type"),
		Kind:      approval.Kind(stringArg(args, "kind")),
	}
	if create.Kind == "" {
		create.Kind = approval.KindPreExecution
	}
	if tokens, ok := args["estimated_tokens"].(float64); ok {
		create.EstimatedTokens = int64(tokens)
	}
	if cost, ok := args["estimated_cost_usd"].(float64); ok {
		create.EstimatedCost = cost
	}
	if data := stringArg(args, "request_data"); data != "" {
		create.RequestData = json.RawMessage(data)
	}

	created, err := s.deps.Approvals.CreateRequest(ctx, create)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("approval request denied", err), nil
	}
	return marshalResult(created)
}

func (s *Server) handleGetApprovalStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Approvals == nil {
		return mcplib.NewToolResultError("approval service not configured"), nil
	}
	requestID := stringArg(req.GetArguments(), "request_id")
	if requestID == "" {
		return mcplib.NewToolResultError("request_id is required"), nil
	}

	found, err := s.deps.Approvals.Get(ctx, requestID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get approval request %s", requestID), err,
		), nil
	}
	return marshalResult(found)
}

func (s *Server) handleGetBudgetStatus(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Budgets == nil {
		return mcplib.NewToolResultError("budget service not configured"), nil
	}
	args := req.GetArguments()
	projectID := stringArg(args, "project_id")
	agentType := stringArg(args, "agent_type")
	if projectID == "" || agentType == "" {
		return mcplib.NewToolResultError("project_id and agent_type are required"), nil
	}

	counter, err := s.deps.Budgets.GetCounter(ctx, projectID, agentType)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get budget counter", err), nil
	}
	check, err := s.deps.Budgets.CheckLimits(ctx, projectID, agentType, 0, 0)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to check limits", err), nil
	}
	return marshalResult(map[string]any{"counter": counter, "check": check})
}

func (s *Server) handleTriggerEmergencyStop(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Stops == nil {
		return mcplib.NewToolResultError("stop service not configured"), nil
	}
	args := req.GetArguments()

	st, err := s.deps.Stops.Trigger(ctx,
		stringArg(args, "project_id"),
		stringArg(args, "agent_type"),
		stringArg(args, "reason"),
		stringArg(args, "triggered_by"),
	)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to trigger emergency stop", err), nil
	}
	return marshalResult(st)
}

func stringArg(args map[string]any, name string) string {
	v, _ := args[name].(string)
	return v
}

func marshalResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
