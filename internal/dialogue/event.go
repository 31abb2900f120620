package dialogue

import (
	"context"

	"github.com/ashureev/graphchat/internal/domain"
)

// EventType identifies what happened during a turn.
type EventType string

const (
	EventState      EventType = "state"
	EventDelta      EventType = "delta"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventMessage    EventType = "message"
	EventDone       EventType = "done"
	EventFailed     EventType = "failed"
)

// Event is published to a Sink as a turn progresses. Only the fields
// relevant to Type are set.
type Event struct {
	Type      EventType          `json:"type"`
	ThreadID  string             `json:"thread_id"`
	Step      int                `json:"step"`
	State     State              `json:"state,omitempty"`
	Delta     string             `json:"delta,omitempty"`
	Message   *domain.Message    `json:"message,omitempty"`
	ToolCall  *domain.ToolCall   `json:"tool_call,omitempty"`
	Result    *domain.ToolResult `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
}

// Sink receives turn events. Publish errors are logged and otherwise ignored;
// a slow or broken observer never fails a turn.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type noopSink struct{}

func (noopSink) Publish(context.Context, Event) error { return nil }
