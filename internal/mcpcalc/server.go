// Package mcpcalc serves a four-function calculator over the Model Context Protocol.
package mcpcalc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/graphchat/internal/tools"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DivisionByZeroMessage is reported by the divide tool for a zero divisor.
const DivisionByZeroMessage = "Division by zero is not allowed"

type operation struct {
	name        string
	description string
}

var operations = []operation{
	{"add", "Add two numbers"},
	{"subtract", "Subtract the second number from the first"},
	{"multiply", "Multiply two numbers"},
	{"divide", "Divide the first number by the second"},
}

type operands struct {
	FirstNum  *float64 `json:"first_num"`
	SecondNum *float64 `json:"second_num"`
}

// NewServer builds an MCP server exposing add, subtract, multiply and divide.
func NewServer(version string) *mcp.Server {
	if version == "" {
		version = "dev"
	}
	server := mcp.NewServer(&mcp.Implementation{Name: "calculator", Version: version}, nil)
	for _, op := range operations {
		server.AddTool(&mcp.Tool{
			Name:        op.name,
			Description: op.description,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"first_num":  map[string]any{"type": "number", "description": "First operand"},
					"second_num": map[string]any{"type": "number", "description": "Second operand"},
				},
				"required": []any{"first_num", "second_num"},
			},
		}, handler(op.name))
	}
	return server
}

// Run serves the calculator on stdin/stdout until ctx is done or the client disconnects.
func Run(ctx context.Context, version string) error {
	slog.Info("Calculator MCP server starting on stdio")
	if err := NewServer(version).Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("run calculator server: %w", err)
	}
	return nil
}

func handler(op string) mcp.ToolHandler {
	return func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in operands
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return errorResult(map[string]any{"error": fmt.Sprintf("invalid arguments: %v", err)}), nil
			}
		}
		if in.FirstNum == nil || in.SecondNum == nil {
			return errorResult(map[string]any{"error": "first_num and second_num are required"}), nil
		}
		a, b := *in.FirstNum, *in.SecondNum

		result, err := tools.Calculate(op, a, b)
		if err != nil {
			msg := err.Error()
			if errors.Is(err, tools.ErrDivisionByZero) {
				msg = DivisionByZeroMessage
			}
			return errorResult(map[string]any{
				"first_num":  a,
				"second_num": b,
				"error":      msg,
			}), nil
		}
		return structuredResult(map[string]any{
			"first_num":  a,
			"second_num": b,
			"result":     result,
		}, false), nil
	}
}

func errorResult(payload map[string]any) *mcp.CallToolResult {
	return structuredResult(payload, true)
}

func structuredResult(payload map[string]any, isError bool) *mcp.CallToolResult {
	text, err := json.Marshal(payload)
	if err != nil {
		text = []byte(fmt.Sprintf("%v", payload))
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: payload,
		IsError:           isError,
	}
}
