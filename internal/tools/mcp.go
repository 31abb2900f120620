package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPToolset exposes the tools of a remote MCP server as registry tools.
type MCPToolset struct {
	session *mcp.ClientSession
}

// ConnectMCP opens a client session over transport.
func ConnectMCP(ctx context.Context, transport mcp.Transport) (*MCPToolset, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "graphchat", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp server: %w", err)
	}
	return &MCPToolset{session: session}, nil
}

// CommandTransport launches cmdline as a child process speaking MCP over stdio.
func CommandTransport(ctx context.Context, cmdline string) (mcp.Transport, error) {
	parts := strings.Fields(strings.TrimSpace(cmdline))
	if len(parts) == 0 {
		return nil, errors.New("mcp command is empty")
	}
	// #nosec G204 -- the command comes from operator configuration
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	return &mcp.CommandTransport{Command: cmd}, nil
}

// Tools lists the server's tools, each forwarding Execute to CallTool.
func (s *MCPToolset) Tools(ctx context.Context) ([]Tool, error) {
	var out []Tool
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list mcp tools: %w", err)
		}
		out = append(out, newRemoteTool(s.session, tool))
	}
	return out, nil
}

// Close ends the session and, for command transports, the child process.
func (s *MCPToolset) Close() error {
	if s == nil || s.session == nil {
		return nil
	}
	return s.session.Close()
}

type remoteTool struct {
	session     *mcp.ClientSession
	name        string
	description string
	properties  map[string]any
	required    []string
}

func newRemoteTool(session *mcp.ClientSession, tool *mcp.Tool) *remoteTool {
	rt := &remoteTool{
		session:     session,
		name:        tool.Name,
		description: tool.Description,
		properties:  map[string]any{},
	}
	schema := schemaMap(tool.InputSchema)
	if props, ok := schema["properties"].(map[string]any); ok {
		rt.properties = props
	}
	if required, err := requiredFields(schema["required"]); err == nil {
		rt.required = required
	}
	return rt
}

// schemaMap normalizes an input schema of any concrete type to a plain map.
func schemaMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func (t *remoteTool) Name() string               { return t.name }
func (t *remoteTool) Description() string        { return t.description }
func (t *remoteTool) Parameters() map[string]any { return t.properties }
func (t *remoteTool) Required() []string         { return t.required }

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", t.name, err)
	}

	structured := schemaMap(res.StructuredContent)
	text := contentText(res.Content)

	if res.IsError {
		if msg, ok := structured["error"].(string); ok && msg != "" {
			return nil, errors.New(msg)
		}
		if text == "" {
			text = "remote tool reported an error"
		}
		return nil, errors.New(text)
	}

	if structured != nil {
		return structured, nil
	}
	// Unstructured results may still carry a JSON object as text.
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return map[string]any{"content": text}, nil
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
