package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Client is a Streamable-HTTP MCP client for the agent tool server.
// Agent CLIs bring their own MCP implementation; this one serves the
// solo-unicorn CLI's diagnostics and the server tests.
type Client struct {
	endpoint  string
	authToken string
	agentID   string
	http      *http.Client
	nextID    int64
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC error
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolCallParams are the params for the tools/call method
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent represents content in a tool result
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Envelope decodes the tool result's embedded JSON payload
func (r *ToolResult) Envelope() (map[string]interface{}, error) {
	if len(r.Content) == 0 || r.Content[0].Type != "text" {
		return nil, fmt.Errorf("tool result has no text content")
	}
	var env map[string]interface{}
	if err := json.Unmarshal([]byte(r.Content[0].Text), &env); err != nil {
		return nil, fmt.Errorf("parse tool envelope: %w", err)
	}
	return env, nil
}

// NewClient creates a client for the tool server at endpoint
func NewClient(endpoint, authToken string) *Client {
	return &Client{
		endpoint:  endpoint,
		authToken: authToken,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// SetAgentID sets the agent identity sent with agent-scoped tools
func (c *Client) SetAgentID(id string) {
	c.agentID = id
}

// CallTool calls an MCP tool and returns the result
func (c *Client) CallTool(name string, arguments map[string]interface{}) (*ToolResult, error) {
	params := ToolCallParams{
		Name:      name,
		Arguments: arguments,
	}

	result, err := c.call("tools/call", params)
	if err != nil {
		return nil, err
	}

	var toolResult ToolResult
	if err := json.Unmarshal(result, &toolResult); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}

	return &toolResult, nil
}

// ListTools fetches the server's tool catalog
func (c *Client) ListTools() ([]Tool, error) {
	result, err := c.call("tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listing struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool listing: %w", err)
	}
	return listing.Tools, nil
}

// call sends a JSON-RPC request and waits for the response
func (c *Client) call(method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.agentID != "" {
		httpReq.Header.Set("x-agent-id", c.agentID)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach tool server: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned %s", httpResp.Status)
	}

	var resp JSONRPCResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	return resp.Result, nil
}
