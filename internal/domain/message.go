// Package domain contains core domain types for the graphchat application.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Role identifies who authored a message.
type Role string

const (
	// RoleHuman marks a message typed by the user.
	RoleHuman Role = "human"
	// RoleAssistant marks a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleTool marks the result of a tool invocation.
	RoleTool Role = "tool"
)

var (
	// ErrInvalidMessage is returned when a message violates its role contract.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrOrphanToolResult is returned when a tool message answers no known tool call.
	ErrOrphanToolResult = errors.New("tool result does not match a pending tool call")
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// ToolCall is a model request to run one registered tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult answers a ToolCall with either a payload or an error description.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// IsError reports whether the tool failed.
func (r ToolResult) IsError() bool {
	return r.Error != ""
}

// Content renders the result the way it is shown to the model.
func (r ToolResult) Content() string {
	if r.IsError() {
		return "Error: " + r.Error
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Sprintf("%v", r.Payload)
	}
	return string(data)
}

// Message is one turn in a conversation.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// HumanMessage builds a human-authored message.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// AssistantMessage builds an assistant message, optionally requesting tools.
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage converts a ToolResult into a tool-role message.
func ToolResultMessage(result ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    result.Content(),
		ToolCallID: result.CallID,
		Name:       result.Name,
		IsError:    result.IsError(),
	}
}

// HasToolCalls reports whether an assistant message requests tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Validate checks the per-role shape of a message in isolation.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	switch m.Role {
	case RoleHuman:
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return fmt.Errorf("%w: human message cannot carry tool fields", ErrInvalidMessage)
		}
	case RoleAssistant:
		if m.ToolCallID != "" {
			return fmt.Errorf("%w: assistant message cannot carry tool_call_id", ErrInvalidMessage)
		}
		seen := make(map[string]struct{}, len(m.ToolCalls))
		for _, call := range m.ToolCalls {
			if call.ID == "" || call.Name == "" {
				return fmt.Errorf("%w: tool call requires id and name", ErrInvalidMessage)
			}
			if _, dup := seen[call.ID]; dup {
				return fmt.Errorf("%w: duplicate tool call id %q", ErrInvalidMessage, call.ID)
			}
			seen[call.ID] = struct{}{}
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("%w: tool message requires tool_call_id", ErrInvalidMessage)
		}
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("%w: tool message cannot request tools", ErrInvalidMessage)
		}
	}
	return nil
}

// CloneMessage returns a deep copy of m in the form it takes after a JSON
// round trip: numeric arguments become float64 and an empty ToolCalls is nil.
// Stores persist messages as JSON, so this keeps in-memory and durable
// histories comparable with reflect.DeepEqual.
func CloneMessage(m Message) Message {
	out := m
	out.ToolCalls = nil
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call
			out.ToolCalls[i].Arguments = cloneArguments(call.Arguments)
		}
	}
	return out
}

func cloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return maps.Clone(args)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return maps.Clone(args)
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = CloneMessage(in[i])
	}
	return out
}

// ToolDeclaration advertises a tool to the model: its name, purpose and a
// JSON schema object describing its arguments.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
