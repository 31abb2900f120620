package tools_test

import (
	"context"
	"strings"
	"testing"

	"github.com/ashureev/graphchat/internal/mcpcalc"
	"github.com/ashureev/graphchat/internal/tools"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func connectCalculator(t *testing.T) *tools.MCPToolset {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := mcpcalc.NewServer("test").Connect(ctx, serverTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("server connect failed: %v", err)
	}

	toolset, err := tools.ConnectMCP(ctx, clientTransport)
	if err != nil {
		cancel()
		t.Fatalf("ConnectMCP failed: %v", err)
	}
	t.Cleanup(func() {
		_ = toolset.Close()
		_ = serverSession.Close()
		cancel()
	})
	return toolset
}

func TestMCPToolsetRegistersRemoteTools(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	toolset := connectCalculator(t)

	remote, err := toolset.Tools(ctx)
	if err != nil {
		t.Fatalf("Tools failed: %v", err)
	}
	registry := tools.NewRegistry()
	if err := registry.Register(remote...); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := strings.Join(registry.Names(), ","); got != "add,divide,multiply,subtract" {
		t.Fatalf("unexpected tool names: %s", got)
	}

	res := registry.Invoke(ctx, "divide", map[string]any{"first_num": 10.0, "second_num": 5.0})
	if res.IsError() {
		t.Fatalf("divide failed: %s", res.Error)
	}
	if res.Payload["result"] != 2.0 {
		t.Fatalf("result = %v, want 2", res.Payload["result"])
	}

	res = registry.Invoke(ctx, "divide", map[string]any{"first_num": 10.0, "second_num": 0.0})
	if !res.IsError() || !strings.Contains(res.Error, mcpcalc.DivisionByZeroMessage) {
		t.Fatalf("expected division error, got %+v", res)
	}

	// Argument validation uses the schema advertised by the server.
	res = registry.Invoke(ctx, "add", map[string]any{"first_num": 1.0})
	if !res.IsError() || !strings.Contains(res.Error, "second_num") {
		t.Fatalf("expected missing argument error, got %+v", res)
	}
}
