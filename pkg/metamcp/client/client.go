// Package client implements the MCP client side of the router: the
// JSON-RPC connection to one child server over its stdio pipes.
//
// The supervisor owns the child process; this package only speaks the
// protocol over pipes the supervisor hands it. That split keeps
// process lifecycle (signals, process groups, restarts) out of the
// protocol layer.
package client

import (
	"context"
	"fmt"
	"io"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
)

// DefaultRequestTimeout bounds a single tools/call round trip.
const DefaultRequestTimeout = 30 * time.Second

// Config holds per-connection settings.
type Config struct {
	// ServerName is the child server's configured name, used for
	// namespacing and logging.
	ServerName string

	// RequestTimeout bounds each request. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration

	// ClientName and ClientVersion identify the router in the MCP
	// initialize handshake.
	ClientName    string
	ClientVersion string
}

// Client is an initialized MCP connection to one child server.
type Client struct {
	config Config
	c      *mcpclient.Client
}

// NewIOClient creates a client over pipes to an already-spawned child
// process. stdout/stdin are the child's ends as seen from the parent;
// stderr is drained for diagnostics by the transport.
func NewIOClient(config Config, stdout io.Reader, stdin io.WriteCloser, stderr io.ReadCloser) *Client {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ClientName == "" {
		config.ClientName = "metamcp"
	}
	if config.ClientVersion == "" {
		config.ClientVersion = "dev"
	}

	t := transport.NewIO(stdout, stdin, stderr)
	return &Client{
		config: config,
		c:      mcpclient.NewClient(t),
	}
}

// Initialize starts the transport and performs the MCP initialize
// handshake. It must succeed before any other call.
func (c *Client) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if err := c.c.Start(ctx); err != nil {
		return fmt.Errorf("%w: starting transport for %s: %w",
			metamcp.ErrUpstreamProtocol, c.config.ServerName, err)
	}

	result, err := c.c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    c.config.ClientName,
				Version: c.config.ClientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return c.wrapError(err, "initialize")
	}

	logger.Debugw("initialized child server",
		"server", c.config.ServerName,
		"server_info", result.ServerInfo.Name,
		"protocol_version", result.ProtocolVersion)
	return nil
}

// ListTools fetches the child's tool list and converts it to the
// domain model, namespacing each tool ID with the server name.
func (c *Client) ListTools(ctx context.Context) ([]metamcp.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	result, err := c.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.wrapError(err, "tools/list")
	}

	tools := make([]metamcp.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, metamcp.Tool{
			ID:          metamcp.ToolID(c.config.ServerName, t.Name),
			ServerName:  c.config.ServerName,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}
	return tools, nil
}

// CallTool invokes a tool by its child-local name. toolName is the
// unprefixed name the child server knows.
func (c *Client) CallTool(ctx context.Context, toolName string, arguments map[string]any) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	result, err := c.c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: arguments,
		},
	})
	if err != nil {
		return nil, c.wrapError(err, "tools/call "+toolName)
	}
	return result, nil
}

// Ping probes liveness. Used by the supervisor's health loop.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if err := c.c.Ping(ctx); err != nil {
		return c.wrapError(err, "ping")
	}
	return nil
}

// Close shuts down the transport. The supervisor remains responsible
// for reaping the process.
func (c *Client) Close() error {
	return c.c.Close()
}

// wrapError maps transport errors onto the domain sentinels so callers
// can distinguish timeouts from protocol failures with errors.Is.
func (c *Client) wrapError(err error, op string) error {
	if metamcp.IsTimeoutError(err) {
		return fmt.Errorf("%w: %s on %s: %w", metamcp.ErrUpstreamTimeout, op, c.config.ServerName, err)
	}
	return fmt.Errorf("%w: %s on %s: %w", metamcp.ErrUpstreamProtocol, op, c.config.ServerName, err)
}

// convertInputSchema flattens the typed schema into the generic map
// carried by the domain Tool.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{
		"type": schema.Type,
	}
	if schema.Type == "" {
		out["type"] = "object"
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	if len(schema.Defs) > 0 {
		out["$defs"] = schema.Defs
	}
	return out
}
