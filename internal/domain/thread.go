package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const maxTitleRunes = 60

// Thread is a single conversation and its ordered message history.
type Thread struct {
	ID       string
	Messages []Message
}

// NewThreadID returns a fresh opaque thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}

// Append adds messages to the end of the thread in order.
// Either every message is appended or none is.
func (t *Thread) Append(msgs ...Message) error {
	pending := t.PendingToolCalls()
	open := make(map[string]struct{}, len(pending))
	for _, call := range pending {
		open[call.ID] = struct{}{}
	}

	staged := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return err
		}
		switch msg.Role {
		case RoleTool:
			if _, ok := open[msg.ToolCallID]; !ok {
				return fmt.Errorf("%w: %q", ErrOrphanToolResult, msg.ToolCallID)
			}
			delete(open, msg.ToolCallID)
		case RoleAssistant:
			clear(open)
			for _, call := range msg.ToolCalls {
				open[call.ID] = struct{}{}
			}
		case RoleHuman:
			clear(open)
		}
		msg = CloneMessage(msg)
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		staged = append(staged, msg)
	}

	t.Messages = append(t.Messages, staged...)
	return nil
}

// PendingToolCalls returns the calls of the latest assistant tool request
// that have not been answered yet.
func (t *Thread) PendingToolCalls() []ToolCall {
	answered := make(map[string]struct{})
	for i := len(t.Messages) - 1; i >= 0; i-- {
		msg := t.Messages[i]
		switch msg.Role {
		case RoleTool:
			answered[msg.ToolCallID] = struct{}{}
		case RoleAssistant:
			var out []ToolCall
			for _, call := range msg.ToolCalls {
				if _, ok := answered[call.ID]; !ok {
					out = append(out, call)
				}
			}
			return out
		case RoleHuman:
			return nil
		}
	}
	return nil
}

// Last returns the final message, if any.
func (t *Thread) Last() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// Snapshot returns a deep copy safe to hand to another goroutine.
func (t *Thread) Snapshot() Thread {
	return Thread{ID: t.ID, Messages: CloneMessages(t.Messages)}
}

// Title derives a short label from the first human message.
func (t *Thread) Title() string {
	for _, msg := range t.Messages {
		if msg.Role != RoleHuman {
			continue
		}
		title := strings.Join(strings.Fields(msg.Content), " ")
		if utf8.RuneCountInString(title) > maxTitleRunes {
			runes := []rune(title)
			title = string(runes[:maxTitleRunes]) + "…"
		}
		return title
	}
	return ""
}

// ValidateSequence checks a full message history against the tool-result invariant.
func ValidateSequence(msgs []Message) error {
	var probe Thread
	return probe.Append(msgs...)
}

// Checkpoint is an immutable snapshot of a thread at a point in time.
type Checkpoint struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadSummary describes a stored thread for listings.
type ThreadSummary struct {
	ThreadID  string    `json:"thread_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
