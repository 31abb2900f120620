package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

const defaultKeepaliveInterval = 10 * time.Second

// Handler serves the chat endpoints.
type Handler struct {
	svc           *Service
	rateLimiter   *RateLimiter
	maxBodySize   int64
	keepalive     time.Duration
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a chat handler. cfg may be nil, in which case defaults apply.
func NewHandler(svc *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	h := &Handler{
		svc:         svc,
		maxBodySize: defaultMaxRequestBodySize,
		keepalive:   defaultKeepaliveInterval,
		isDev:       true,
	}

	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		h.maxBodySize = cfg.SSE.MaxRequestBodySize
		h.keepalive = cfg.SSE.KeepaliveInterval
		h.allowedOrigin = cfg.FrontendURL
		h.isDev = cfg.IsDevelopment()
	}
	h.rateLimiter = NewRateLimiter(rateLimitRequests, rateLimitWindow)
	return h
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/threads/{threadID}/chat", h.HandleChat)
	r.Get("/ws/chat", h.HandleWebSocket)
}

// Close stops background work.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// HandleChat handles POST /api/threads/{threadID}/chat. The turn is streamed
// as server-sent events unless the query has stream=false, in which case a
// single JSON ChatResponse is returned.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	if clientID == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	threadID := identity.SanitizeThreadID(chi.URLParam(r, "threadID"))
	if threadID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid thread id", "invalid_input")
		return
	}

	if !h.rateLimiter.Allow(clientID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_input")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_input")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "message is required", "invalid_input")
		return
	}

	req.ThreadID = threadID
	req.ClientID = clientID
	req.Channel = ChannelHTTP

	slog.Info("Chat request",
		"client_id", clientID,
		"thread_id", threadID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	if r.URL.Query().Get("stream") == "false" {
		h.chatJSON(w, r, req)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported", "internal")
		return
	}

	stream := &sseStream{w: w, flusher: flusher}
	defer stream.stop()

	for ev, err := range h.svc.Stream(r.Context(), req) {
		if err != nil {
			if !stream.started() && errors.Is(err, ErrTurnInProgress) {
				writeJSONError(w, http.StatusConflict, err.Error(), errorKind(err))
				return
			}
			stream.start(h.keepalive)
			data, _ := json.Marshal(map[string]string{"error": err.Error(), "kind": errorKind(err)})
			if writeErr := stream.send("error", string(data)); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr, "thread_id", threadID)
			}
			return
		}

		// Failures are reported once, by the terminal error above.
		if ev.Type == dialogue.EventFailed {
			continue
		}
		stream.start(h.keepalive)
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to marshal chat event", "error", err)
			continue
		}
		if err := stream.send(string(ev.Type), string(data)); err != nil {
			slog.Warn("failed to write SSE event", "error", err, "thread_id", threadID)
			return
		}
	}
}

func (h *Handler) chatJSON(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	out, err := h.svc.Chat(r.Context(), req, nil)
	if err != nil {
		writeJSONError(w, statusForError(err), err.Error(), errorKind(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(NewChatResponse(req.ThreadID, out)); err != nil {
		slog.Warn("failed to encode chat response", "error", err)
	}
}

// sseStream writes server-sent events. Headers are sent lazily so a request
// rejected before the first event can still get a plain JSON error.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	open    bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *sseStream) started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *sseStream) start(keepalive time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return
	}
	s.open = true
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()

	if keepalive <= 0 {
		return
	}
	done := make(chan struct{})
	s.done = done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.send("ping", `{"status":"alive"}`); err != nil {
					return
				}
			}
		}
	}()
}

func (s *sseStream) send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeSSE(s.w, event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// stop ends the keepalive goroutine; nothing is written after it returns.
func (s *sseStream) stop() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
	s.wg.Wait()
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeJSONError(w http.ResponseWriter, status int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	if kind != "" {
		body["kind"] = kind
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("failed to encode error response", "error", err)
	}
}

// errorKind extends dialogue.ErrorKind with service-level failures.
func errorKind(err error) string {
	if errors.Is(err, ErrTurnInProgress) {
		return "busy"
	}
	return dialogue.ErrorKind(err)
}

func statusForError(err error) int {
	switch errorKind(err) {
	case "busy":
		return http.StatusConflict
	case "invalid_input":
		return http.StatusBadRequest
	case "gateway":
		return http.StatusBadGateway
	case "cycle_limit":
		return http.StatusUnprocessableEntity
	case "cancelled":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
