package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nachoal/sqlchat-go/llm"
	"github.com/nachoal/sqlchat-go/tools"
)

// Session is one live connection to the tool service. A new Session is dialed
// on every reconnect.
type Session interface {
	ListTools(ctx context.Context) ([]llm.ToolDescriptor, error)
	// CallTool returns a non-nil error only for transport or protocol failures;
	// failures reported by the tool itself come back as an error Result.
	CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Session, error)

func (f DialFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// MCPDialer dials an MCP server described by a transport spec string.
type MCPDialer struct {
	Spec    string
	Name    string
	Version string
}

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

// Dial performs the MCP handshake.
func (d *MCPDialer) Dial(ctx context.Context) (Session, error) {
	transport, err := transportBuilder(ctx, d.Spec)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	name, version := d.Name, d.Version
	if name == "" {
		name = "sqlchat"
	}
	if version == "" {
		version = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil)
	cs, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	return &mcpSession{cs: cs}, nil
}

type mcpSession struct {
	cs *mcp.ClientSession
}

func (s *mcpSession) ListTools(ctx context.Context) ([]llm.ToolDescriptor, error) {
	var out []llm.ToolDescriptor
	for tool, err := range s.cs.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		out = append(out, toDescriptor(tool))
	}
	return out, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	res, err := s.cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return tools.Result{}, err
	}
	return toResult(res), nil
}

func (s *mcpSession) Ping(ctx context.Context) error {
	return s.cs.Ping(ctx, nil)
}

func (s *mcpSession) Close() error {
	return s.cs.Close()
}

func toDescriptor(tool *mcp.Tool) llm.ToolDescriptor {
	if tool == nil {
		return llm.ToolDescriptor{}
	}
	d := llm.ToolDescriptor{Name: tool.Name, Description: tool.Description}
	if tool.InputSchema != nil {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			d.Parameters = raw
		}
	}
	return d
}

func toResult(res *mcp.CallToolResult) tools.Result {
	if res == nil {
		return tools.TextResult("")
	}
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return tools.ErrorResult(text)
	}
	return tools.TextResult(text)
}
