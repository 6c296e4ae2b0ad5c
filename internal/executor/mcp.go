package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentoven/toolgate/pkg/contracts"
	"github.com/google/uuid"
)

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type callMeta struct {
	RequestID     string `json:"request_id"`
	SessionID     string `json:"session_id"`
	Provider      string `json:"provider,omitempty"`
	Model         string `json:"model,omitempty"`
	ExecutionPath string `json:"execution_path"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      callMeta        `json:"_meta"`
}

// MCPExecutor forwards tool calls to an upstream MCP server as JSON-RPC
// "tools/call" requests over HTTP. The routing decision travels in the
// request's _meta so the upstream uses the provider and model the gateway
// chose.
type MCPExecutor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewMCPExecutor creates an executor for endpoint. timeout bounds each HTTP
// round trip and must be at least the tool timeout.
func NewMCPExecutor(endpoint, apiKey string, timeout time.Duration) *MCPExecutor {
	return &MCPExecutor{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// Execute sends one tools/call request and returns its result.
func (e *MCPExecutor) Execute(ctx context.Context, call *contracts.ToolCall) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params: toolsCallParams{
			Name:      call.ToolName,
			Arguments: call.Arguments,
			Meta: callMeta{
				RequestID:     call.RequestID,
				SessionID:     call.SessionID,
				Provider:      call.Provider,
				Model:         call.Model,
				ExecutionPath: string(call.ExecutionPath),
			},
		},
		ID: uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tools/call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", call.SessionID)
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned HTTP %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var rpc rpcResponse
	if err := json.Unmarshal(respBody, &rpc); err != nil {
		return nil, fmt.Errorf("decode tools/call response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("upstream tool error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}
	if len(rpc.Result) == 0 {
		return nil, fmt.Errorf("upstream returned an empty result")
	}
	return rpc.Result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
