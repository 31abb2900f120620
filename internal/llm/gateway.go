// Package llm talks to the chat model. A Gateway turns the full thread
// history plus tool declarations into the model's next reply.
package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/graphchat/internal/domain"
)

var (
	// ErrEmptyResponse is returned when the backend answers without a choice.
	ErrEmptyResponse = errors.New("model returned no choices")
	// ErrEmptyAnswer is returned when a reply has neither text nor tool calls.
	ErrEmptyAnswer = errors.New("model returned an empty answer")
	// ErrMalformedToolCall is returned when a tool call's arguments are not a JSON object.
	ErrMalformedToolCall = errors.New("model returned malformed tool call")
)

// Request is one completion request. The gateway is stateless: Messages is
// always the whole history.
type Request struct {
	Messages []domain.Message
	Tools    []domain.ToolDeclaration
	// OnDelta, when set, receives assistant text fragments as they stream in.
	OnDelta func(delta string)
}

// Gateway completes a conversation.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Reply, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req Request) (Reply, error)

// Complete calls f.
func (f GatewayFunc) Complete(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

// Reply is either a PlainAnswer or a ToolRequest.
type Reply interface {
	// Message converts the reply to the assistant message appended to the thread.
	Message() domain.Message
	reply()
}

// PlainAnswer ends the turn with text for the user.
type PlainAnswer struct {
	Content string
}

// Message implements Reply.
func (a PlainAnswer) Message() domain.Message {
	return domain.AssistantMessage(a.Content)
}

func (PlainAnswer) reply() {}

// ToolRequest asks for one or more tools to run before the model continues.
type ToolRequest struct {
	Content string
	Calls   []domain.ToolCall
}

// Message implements Reply.
func (r ToolRequest) Message() domain.Message {
	return domain.AssistantMessage(r.Content, r.Calls...)
}

func (ToolRequest) reply() {}

// Classify builds the reply variant for an assistant message. A plain
// answer must carry text.
func Classify(content string, calls []domain.ToolCall) (Reply, error) {
	if len(calls) > 0 {
		return ToolRequest{Content: content, Calls: calls}, nil
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyAnswer
	}
	return PlainAnswer{Content: content}, nil
}
