package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/mcphub/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version we advertise during initialization.
const ProtocolVersion = "2024-11-05"

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolDefinition is an MCP tool as returned by tools/list.
type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []toolDefinition `json:"tools"`
}

// ServerInfo identifies the server as reported during initialize.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Client connects to a single MCP server and provides typed access to
// the MCP protocol operations (initialize, tools/list, tools/call,
// ping). The transport determines how messages are delivered.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	schemas   *schemaCache

	mu          sync.RWMutex
	initialized bool
	info        ServerInfo
	tools       []ToolDescriptor
}

// NewClient creates an MCP client for the given server.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		schemas:   newSchemaCache(),
	}
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// InitializeParams returns the params sent with initialize.
func InitializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.Name,
			"version": buildinfo.Version,
		},
	}
}

// Initialize performs the MCP handshake through the transport. On
// return the initialized notification has been sent and the transport's
// reader is running.
func (c *Client) Initialize(ctx context.Context) error {
	resp, err := c.transport.Connect(ctx, InitializeParams())
	if err != nil {
		return err
	}
	if resp.Error != nil {
		_ = c.transport.Close()
		return newError(ErrProtocol, "server rejected initialize: %w", resp.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		_ = c.transport.Close()
		return newError(ErrProtocol, "unmarshal initialize result: %w", err)
	}
	result.ServerInfo.ProtocolVersion = result.ProtocolVersion

	c.mu.Lock()
	c.initialized = true
	c.info = result.ServerInfo
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ServerInfo returns what the server reported during initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// ListTools calls tools/list and returns the available tools tagged
// with this server as their source. Results are cached; subsequent
// calls return the cached list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("tools/list: %w", newError(ErrProtocol, "unmarshal result: %w", err))
	}

	tools := make([]ToolDescriptor, 0, len(result.Tools))
	for _, td := range result.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        td.Name,
			Description: td.Description,
			InputSchema: td.InputSchema,
			Source:      c.name,
		})
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	c.schemas.reset()

	c.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// Tools returns the cached tool list without contacting the server.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes a tool by name with the given arguments. When the
// tool's input schema is known the arguments are validated first. The
// result is extracted from the response content blocks as a single
// string. Non-text content blocks are described inline (e.g., "[image]").
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.validate(name, args); err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, newError(ErrProtocol, "unmarshal result: %w", err))
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}

	return text, nil
}

// validate checks args against the cached schema for tool, if any.
func (c *Client) validate(tool string, args map[string]any) error {
	var schema map[string]any
	c.mu.RLock()
	for _, td := range c.tools {
		if td.Name == tool {
			schema = td.InputSchema
			break
		}
	}
	c.mu.RUnlock()
	if schema == nil {
		return nil
	}

	s, err := c.schemas.get(tool, schema)
	if err != nil {
		c.logger.Warn("tool input schema does not compile; skipping validation",
			"tool", tool,
			"error", err,
		)
	}
	if err := validateArgs(s, args); err != nil {
		return newError(ErrInvalidArguments, "%w", err)
	}
	return nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.transport.Close()
}

// Done is closed when the underlying connection becomes unusable.
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// Err reports why the connection became unusable.
func (c *Client) Err() error {
	return c.transport.Err()
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if !initialized {
		return nil, newError(ErrNotInitialized, "%s before initialize", method)
	}

	resp, err := c.transport.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
