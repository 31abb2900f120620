// Package tools implements the tool registry the model can call into, plus
// the built-in calculator, web search and stock quote tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/graphchat/internal/domain"
)

// DefaultTimeout bounds a single tool execution when no timeout is configured.
const DefaultTimeout = 20 * time.Second

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// Tool is a function the model can request by name.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema "properties" object for the arguments.
	Parameters() map[string]any
	Required() []string
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// FailureReason classifies why an invocation produced an error result.
type FailureReason string

const (
	FailureUnknownTool FailureReason = "unknown_tool"
	FailureInvalidArgs FailureReason = "invalid_arguments"
	FailureExecution   FailureReason = "execution_failed"
	FailureTimeout     FailureReason = "timeout"
	FailurePanic       FailureReason = "panic"
)

// Registry maps tool names to implementations. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-invocation deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tools to the registry. Names must be unique.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range tools {
		name := tool.Name()
		if name == "" {
			return fmt.Errorf("register tool: empty name")
		}
		if _, exists := r.tools[name]; exists {
			return fmt.Errorf("register %s: %w", name, ErrDuplicateTool)
		}
		r.tools[name] = tool
	}
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns registered tool names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations describes every registered tool for the model, sorted by name.
func (r *Registry) Declarations() []domain.ToolDeclaration {
	names := r.Names()
	out := make([]domain.ToolDeclaration, 0, len(names))
	for _, name := range names {
		tool, ok := r.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, domain.ToolDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  inputSchema(tool),
		})
	}
	return out
}

// Invoke runs the named tool. It never returns a Go error: unknown tools,
// argument violations and execution failures all become error results.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) domain.ToolResult {
	return r.InvokeCall(ctx, domain.ToolCall{Name: name, Arguments: args})
}

// InvokeCall runs a model-issued tool call and links the result to its id.
func (r *Registry) InvokeCall(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	tool, ok := r.Lookup(call.Name)
	if !ok {
		return errorResult(call, FailureUnknownTool, fmt.Errorf("tool %q is not registered", call.Name))
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArguments(inputSchema(tool), args); err != nil {
		return errorResult(call, FailureInvalidArgs, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	payload, err := execute(ctx, tool, args)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, errToolPanic):
		slog.Error("Tool panicked", "tool", call.Name, "call_id", call.ID, "error", err)
		return errorResult(call, FailurePanic, err)
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		slog.Warn("Tool timed out", "tool", call.Name, "call_id", call.ID, "timeout", r.timeout)
		return errorResult(call, FailureTimeout, fmt.Errorf("exceeded %s", r.timeout))
	case err != nil:
		slog.Debug("Tool failed", "tool", call.Name, "call_id", call.ID, "duration", elapsed, "error", err)
		return errorResult(call, FailureExecution, err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	slog.Debug("Tool completed", "tool", call.Name, "call_id", call.ID, "duration", elapsed)
	return domain.ToolResult{CallID: call.ID, Name: call.Name, Payload: payload}
}

var errToolPanic = errors.New("tool panicked")

func execute(ctx context.Context, tool Tool, args map[string]any) (payload map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			payload = nil
			err = fmt.Errorf("%w: %v", errToolPanic, rec)
		}
	}()
	return tool.Execute(ctx, args)
}

func errorResult(call domain.ToolCall, reason FailureReason, err error) domain.ToolResult {
	return domain.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
		Error:  fmt.Sprintf("%s: %s", reason, err.Error()),
	}
}

func inputSchema(tool Tool) map[string]any {
	required := tool.Required()
	if required == nil {
		required = []string{}
	}
	properties := tool.Parameters()
	if properties == nil {
		properties = map[string]any{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}
