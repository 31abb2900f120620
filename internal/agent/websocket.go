package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/domain"
	"github.com/ashureev/graphchat/internal/identity"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 5 * time.Second

// HandleWebSocket handles GET /ws/chat. The client sends
// {"type":"chat","thread_id":"...","message":"..."} frames; the server
// answers with an "accepted" frame, one "event" frame per dialogue event and
// a final "error" frame if the turn failed. Only one turn runs per
// connection at a time; a chat frame sent while busy is rejected.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	if clientID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	slog.Info("WebSocket chat connection request", "client_id", clientID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	defaultThread := identity.ThreadIDFromContext(r.Context())
	inbox := make(chan wsInbound, 1)
	var busy atomic.Bool

	go func() {
		defer close(inbox)
		defer cancel()
		h.readLoop(ctx, ws, clientID, inbox, &busy)
	}()

	for msg := range inbox {
		h.runWSTurn(ctx, ws, clientID, defaultThread, msg)
		busy.Store(false)
	}
	slog.Info("WebSocket chat ended", "client_id", clientID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, clientID string, inbox chan<- wsInbound, busy *atomic.Bool) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "client_id", clientID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "client_id", clientID)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeWS(ctx, ws, wsOutbound{Type: "error", Error: "invalid message", Kind: "invalid_input"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.writeWS(ctx, ws, wsOutbound{Type: "pong"})
		case "chat":
			if strings.TrimSpace(msg.Message) == "" {
				h.writeWS(ctx, ws, wsOutbound{Type: "error", ThreadID: msg.ThreadID, Error: dialogue.ErrEmptyInput.Error(), Kind: "invalid_input"})
				continue
			}
			if !h.rateLimiter.Allow(clientID) {
				h.writeWS(ctx, ws, wsOutbound{Type: "error", ThreadID: msg.ThreadID, Error: "rate limit exceeded", Kind: "rate_limited"})
				continue
			}
			if !busy.CompareAndSwap(false, true) {
				h.writeWS(ctx, ws, wsOutbound{Type: "error", ThreadID: msg.ThreadID, Error: ErrTurnInProgress.Error(), Kind: "busy"})
				continue
			}
			inbox <- msg
		default:
			h.writeWS(ctx, ws, wsOutbound{Type: "error", Error: "unknown message type", Kind: "invalid_input"})
		}
	}
}

func (h *Handler) runWSTurn(ctx context.Context, ws *websocket.Conn, clientID, defaultThread string, msg wsInbound) {
	threadID := identity.SanitizeThreadID(msg.ThreadID)
	if threadID == "" {
		threadID = defaultThread
	}
	if threadID == "" {
		threadID = domain.NewThreadID()
	}

	h.writeWS(ctx, ws, wsOutbound{Type: "accepted", ThreadID: threadID})

	req := ChatRequest{
		ThreadID: threadID,
		Message:  msg.Message,
		ClientID: clientID,
		Channel:  ChannelWebSocket,
	}
	for ev, err := range h.svc.Stream(ctx, req) {
		if err != nil {
			h.writeWS(ctx, ws, wsOutbound{Type: "error", ThreadID: threadID, Error: err.Error(), Kind: errorKind(err)})
			return
		}
		if ev.Type == dialogue.EventFailed {
			continue
		}
		if !h.writeWS(ctx, ws, wsOutbound{Type: "event", ThreadID: threadID, Event: &ev}) {
			return
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// writeWS sends v and reports whether the write succeeded.
func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, v wsOutbound) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal websocket frame", "error", err)
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write websocket frame", "type", v.Type, "error", err)
		return false
	}
	return true
}
