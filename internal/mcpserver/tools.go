// Package mcpserver registers MCP tools that expose the connection
// manager and the sync queue for diagnostics.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/ride-sync/internal/models"
	"github.com/alexjbarnes/ride-sync/internal/realtime"
	"github.com/alexjbarnes/ride-sync/internal/syncengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Connection is the read side of realtime.Manager.
type Connection interface {
	Status() realtime.Status
}

// Queue is the subset of syncengine.Engine the tools operate on.
type Queue interface {
	PendingActionCount(ctx context.Context) (int, error)
	FailedActionCount(ctx context.Context) (int, error)
	FailedActions(ctx context.Context) ([]models.SyncAction, error)
	PurgeFailedActions(ctx context.Context) (int, error)
	RetryFailed(ctx context.Context, id uint64) error
	RunSyncPass(ctx context.Context) (syncengine.PassResult, error)
}

// RegisterTools adds all diagnostics tools to the given MCP server.
func RegisterTools(server *mcp.Server, conn Connection, q Queue) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "connection_status",
		Description: "Current state of the realtime channel, the number of outbound messages queued while not authenticated, and the reconnect attempt count.",
	}, connectionStatusHandler(conn))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Number of offline actions waiting for delivery and number that exhausted their retries.",
	}, syncStatusHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_failed_actions",
		Description: "List actions that failed delivery three times, oldest first, with their last error.",
	}, listFailedHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "purge_failed_actions",
		Description: "Delete every failed action. This cannot be undone.",
	}, purgeFailedHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "retry_failed_action",
		Description: "Move one failed action back to pending with a fresh retry budget. It is delivered on the next sync pass.",
	}, retryFailedHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_sync_pass",
		Description: "Run one sync pass now. Reports skipped if a pass is already running, unreachable if the network is down.",
	}, runSyncPassHandler(q))
}

// --- Input types ---

// EmptyInput has no parameters.
type EmptyInput struct{}

// RetryInput holds parameters for retry_failed_action.
type RetryInput struct {
	ID uint64 `json:"id" jsonschema:"required,id of the failed action"`
}

// --- Output types ---

// ConnectionStatusResult is the output of connection_status.
type ConnectionStatusResult struct {
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	Attempts int    `json:"attempts"`
}

// SyncStatusResult is the output of sync_status.
type SyncStatusResult struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// FailedAction is one row of list_failed_actions.
type FailedAction struct {
	ID         uint64 `json:"id"`
	Type       string `json:"type"`
	Data       string `json:"data"`
	Timestamp  string `json:"timestamp"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// FailedActionsResult is the output of list_failed_actions.
type FailedActionsResult struct {
	Count   int            `json:"count"`
	Actions []FailedAction `json:"actions"`
}

// PurgeResult is the output of purge_failed_actions.
type PurgeResult struct {
	Deleted int `json:"deleted"`
}

// RetryResult is the output of retry_failed_action.
type RetryResult struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

// --- Handlers ---

func connectionStatusHandler(conn Connection) mcp.ToolHandlerFor[EmptyInput, *ConnectionStatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ConnectionStatusResult, error) {
		st := conn.Status()
		result := &ConnectionStatusResult{
			State:    st.State.String(),
			Pending:  st.Pending,
			Attempts: st.Attempts,
		}
		return textResult(result), result, nil
	}
}

func syncStatusHandler(q Queue) mcp.ToolHandlerFor[EmptyInput, *SyncStatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *SyncStatusResult, error) {
		pending, err := q.PendingActionCount(ctx)
		if err != nil {
			return nil, nil, err
		}
		failed, err := q.FailedActionCount(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &SyncStatusResult{Pending: pending, Failed: failed}
		return textResult(result), result, nil
	}
}

func listFailedHandler(q Queue) mcp.ToolHandlerFor[EmptyInput, *FailedActionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *FailedActionsResult, error) {
		rows, err := q.FailedActions(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &FailedActionsResult{Count: len(rows), Actions: make([]FailedAction, 0, len(rows))}
		for _, a := range rows {
			result.Actions = append(result.Actions, FailedAction{
				ID:         a.ID,
				Type:       string(a.Type),
				Data:       a.Data,
				Timestamp:  a.Timestamp.UTC().Format(time.RFC3339),
				RetryCount: a.RetryCount,
				LastError:  a.LastError,
			})
		}
		return textResult(result), result, nil
	}
}

func purgeFailedHandler(q Queue) mcp.ToolHandlerFor[EmptyInput, *PurgeResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *PurgeResult, error) {
		n, err := q.PurgeFailedActions(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &PurgeResult{Deleted: n}
		return textResult(result), result, nil
	}
}

func retryFailedHandler(q Queue) mcp.ToolHandlerFor[RetryInput, *RetryResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RetryInput) (*mcp.CallToolResult, *RetryResult, error) {
		if input.ID == 0 {
			return nil, nil, fmt.Errorf("id is required")
		}
		if err := q.RetryFailed(ctx, input.ID); err != nil {
			return nil, nil, err
		}
		result := &RetryResult{ID: input.ID, Status: string(models.StatusPending)}
		return textResult(result), result, nil
	}
}

func runSyncPassHandler(q Queue) mcp.ToolHandlerFor[EmptyInput, *syncengine.PassResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *syncengine.PassResult, error) {
		result, err := q.RunSyncPass(ctx)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), &result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills in the structured output alongside it.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
