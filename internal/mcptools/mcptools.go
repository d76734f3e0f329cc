// Package mcptools implements the mcp_tool execution mode: a Bridge
// holds one long-lived client per declared server (stdio subprocess or
// HTTP/SSE endpoint) and turns a task's MCPToolSpec into a CallTool
// round trip, per SPEC_FULL.md §4.14.
package mcptools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomwork/loom/internal/dsl"
)

// ErrorKind is the stable taxonomy for Error.
type ErrorKind string

const (
	ErrUnknownServer    ErrorKind = "unknown_server"
	ErrConnectFailed    ErrorKind = "connect_failed"
	ErrInitializeFailed ErrorKind = "initialize_failed"
	ErrCallFailed       ErrorKind = "call_failed"
	ErrToolError        ErrorKind = "tool_error"
)

// Error wraps an MCP bridge failure with its stable kind.
type Error struct {
	Kind   ErrorKind
	Server string
	Tool   string
	Err    error
}

func (e *Error) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("mcptools: %s: server %q tool %q: %v", e.Kind, e.Server, e.Tool, e.Err)
	}
	return fmt.Sprintf("mcptools: %s: server %q: %v", e.Kind, e.Server, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const defaultConnectTimeout = 30 * time.Second

// Bridge caches one initialized client per named server declared under a
// workflow's mcp_servers block, connecting lazily on first use.
type Bridge struct {
	servers map[string]dsl.MCPServer

	mu      sync.Mutex
	clients map[string]*client.Client
}

// NewBridge returns a Bridge over the given server declarations. servers
// is normally wf.MCPServers from the parsed workflow.
func NewBridge(servers map[string]dsl.MCPServer) *Bridge {
	return &Bridge{
		servers: servers,
		clients: make(map[string]*client.Client),
	}
}

// Close shuts down every connected client. Safe to call once at
// executor shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		c.Close()
	}
	b.clients = make(map[string]*client.Client)
}

func (b *Bridge) client(ctx context.Context, server string) (*client.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[server]; ok {
		return c, nil
	}

	cfg, ok := b.servers[server]
	if !ok {
		return nil, &Error{Kind: ErrUnknownServer, Server: server, Err: fmt.Errorf("no mcp_servers entry named %q", server)}
	}

	var (
		tr  transport.Interface
		err error
	)
	switch {
	case cfg.Command != "":
		tr = transport.NewStdio(cfg.Command, nil, cfg.Args...)
	case cfg.URL != "":
		tr, err = transport.NewStreamableHTTP(cfg.URL)
		if err != nil {
			return nil, &Error{Kind: ErrConnectFailed, Server: server, Err: err}
		}
	default:
		return nil, &Error{Kind: ErrConnectFailed, Server: server, Err: fmt.Errorf("server declares neither command nor url")}
	}

	c := client.NewClient(tr)

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	if err := c.Start(connectCtx); err != nil {
		return nil, &Error{Kind: ErrConnectFailed, Server: server, Err: err}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "loom", Version: "0.1.0"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := c.Initialize(connectCtx, initReq); err != nil {
		c.Close()
		return nil, &Error{Kind: ErrInitializeFailed, Server: server, Err: err}
	}

	b.clients[server] = c
	return c, nil
}

// CallTool resolves spec.Server, issues a tools/call request for
// spec.Tool with spec.Params, and returns the tool's text content
// joined by newlines; when the server flags the result as an error, the
// text is returned together with an *Error of kind ErrToolError.
func (b *Bridge) CallTool(ctx context.Context, spec dsl.MCPToolSpec) (string, error) {
	c, err := b.client(ctx, spec.Server)
	if err != nil {
		return "", err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = spec.Tool
	req.Params.Arguments = spec.Params

	result, err := c.CallTool(ctx, req)
	if err != nil {
		return "", &Error{Kind: ErrCallFailed, Server: spec.Server, Tool: spec.Tool, Err: err}
	}

	text := joinTextContent(result)
	if result.IsError {
		return text, &Error{Kind: ErrToolError, Server: spec.Server, Tool: spec.Tool, Err: fmt.Errorf("%s", text)}
	}
	return text, nil
}

func joinTextContent(result *mcp.CallToolResult) string {
	var out string
	for i, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			if i > 0 {
				out += "\n"
			}
			out += tc.Text
		}
	}
	return out
}
