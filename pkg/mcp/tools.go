package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

const defaultRunsLimit = 50

// handleTrigger runs a workflow synchronously through the invoker.
func (s *Server) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	ev := schema.TriggerEvent{
		WorkflowID:     workflowID,
		CorrelationID:  req.GetString("correlation_id", ""),
		InitialContext: mcp.ParseStringMap(req, "context", nil),
	}

	result, runErr := s.invoker.Invoke(ctx, ev)
	if runErr != nil {
		s.logger.WarnContext(logging.WithWorkflowID(ctx, workflowID), "mcp trigger failed", slog.String("error", runErr.Error()))
		msg := fmt.Sprintf("run failed: %v", runErr)
		if result != nil && result.RunID != "" {
			msg = fmt.Sprintf("run %s failed: %v", result.RunID, runErr)
		}
		return mcp.NewToolResultError(msg), nil
	}
	if result.Skipped {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s not found", workflowID)), nil
	}
	return marshalResult(result)
}

// handleRun returns one run together with its events.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		var nfErr *schema.NodeflowError
		if errors.As(err, &nfErr) && nfErr.Code == schema.ErrCodeNotFound {
			return mcp.NewToolResultError(fmt.Sprintf("run %s not found", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get run: %v", err)), nil
	}
	events, err := s.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get run events: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"run": run, "events": events})
}

// handleRuns lists runs matching the optional filters.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      req.GetInt("limit", defaultRunsLimit),
	}
	if v := req.GetString("status", ""); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*schema.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// marshalResult marshals v to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
