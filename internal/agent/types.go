// Package agent connects the dialogue loop to its clients: the HTTP/SSE
// chat endpoint, the websocket chat endpoint and the terminal REPL.
package agent

import (
	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/domain"
)

// Channel names the client surface a turn arrived on. It is recorded in
// conversation logs.
const (
	ChannelHTTP      = "chat_http"
	ChannelWebSocket = "chat_ws"
	ChannelCLI       = "chat_cli"
)

// ChatRequest is one human message addressed to a thread.
type ChatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	ClientID string `json:"-"`
	Channel  string `json:"-"`
}

// ChatResponse summarizes a completed turn for non-streaming clients.
type ChatResponse struct {
	ThreadID  string           `json:"thread_id"`
	Response  string           `json:"response"`
	State     dialogue.State   `json:"state"`
	Steps     int              `json:"steps"`
	ToolsUsed []string         `json:"tools_used,omitempty"`
	Messages  []domain.Message `json:"messages"`
}

// NewChatResponse builds a ChatResponse from a turn outcome.
func NewChatResponse(threadID string, out dialogue.Outcome) ChatResponse {
	return ChatResponse{
		ThreadID:  threadID,
		Response:  out.Reply,
		State:     out.State,
		Steps:     out.Steps,
		ToolsUsed: ToolsUsed(out.Appended),
		Messages:  out.Appended,
	}
}

// ToolsUsed lists the distinct tool names requested in msgs, in first-use order.
func ToolsUsed(msgs []domain.Message) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			if !seen[call.Name] {
				seen[call.Name] = true
				names = append(names, call.Name)
			}
		}
	}
	return names
}

// wsInbound is a client frame on /ws/chat.
type wsInbound struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// wsOutbound is a server frame on /ws/chat. Turn progress is sent as the
// dialogue event itself under "event".
type wsOutbound struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id,omitempty"`
	Event    *dialogue.Event `json:"event,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     string          `json:"kind,omitempty"`
}
