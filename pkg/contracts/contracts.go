// Package contracts defines the service interfaces the gateway exposes to,
// and consumes from, the surrounding execution layer.
//
// Tool implementations, provider clients and wire framing live outside the
// gateway. They plug in through ToolExecutor; everything the HTTP API needs
// from the core is expressed through GatewayService so the handlers never
// depend on concrete types.
package contracts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentoven/toolgate/pkg/models"
)

// ── Tool Execution ──────────────────────────────────────────

// ToolCall is what an executor receives once a call has been routed and
// admitted.
type ToolCall struct {
	RequestID     string               `json:"request_id"`
	SessionID     string               `json:"session_id"`
	ToolName      string               `json:"tool_name"`
	Provider      string               `json:"provider,omitempty"`
	Model         string               `json:"model,omitempty"`
	ExecutionPath models.ExecutionPath `json:"execution_path"`
	Arguments     json.RawMessage      `json:"arguments,omitempty"`
	Deadline      time.Time            `json:"deadline"`
}

// ToolExecutor runs one tool call and returns its JSON result.
// Implementations must honour ctx; the gateway bounds it with the tool
// timeout.
type ToolExecutor interface {
	Execute(ctx context.Context, call *ToolCall) (json.RawMessage, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, call *ToolCall) (json.RawMessage, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, call *ToolCall) (json.RawMessage, error) {
	return f(ctx, call)
}

// ── Gateway Service ─────────────────────────────────────────

// ExecuteRequest asks the gateway to route, admit and run one tool call.
type ExecuteRequest struct {
	RequestID string                 `json:"request_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	ToolName  string                 `json:"tool_name"`
	Arguments json.RawMessage        `json:"arguments,omitempty"`
	Features  models.RequestFeatures `json:"features"`
}

// ExecuteResult is the outcome of a successful Execute. The tool result
// travels in Envelope, inline or as a durable record reference.
type ExecuteResult struct {
	RequestID    string                `json:"request_id"`
	SessionID    string                `json:"session_id"`
	CallKey      string                `json:"call_key"`
	Decision     *models.RouteDecision `json:"decision"`
	Deduplicated bool                  `json:"deduplicated"`
	Envelope     *models.Envelope      `json:"envelope"`
	Duration     time.Duration         `json:"duration"`
}

// GatewayService is the execution-layer facade.
type GatewayService interface {
	// Route resolves a tool request to a provider and execution path.
	Route(ctx context.Context, tool string, f models.RequestFeatures) (*models.RouteDecision, error)

	// Execute validates, routes, admits, deduplicates and runs a call.
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error)

	// Fetch returns the payload an envelope carries, verifying it.
	Fetch(ctx context.Context, env *models.Envelope) ([]byte, error)
}
