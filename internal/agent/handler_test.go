package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/identity"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

func testConfig(requests int) *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: requests, WindowDuration: time.Minute},
		SSE: config.SSEConfig{
			MaxRequestBodySize: 1 << 10,
			KeepaliveInterval:  time.Hour,
		},
	}
}

func newTestServer(t *testing.T, runner Runner, cfg *config.Config) *httptest.Server {
	t.Helper()
	svc, err := NewService(runner, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	h := NewHandler(svc, cfg)
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return srv
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read SSE stream: %v", err)
	}
	return events
}

func postChat(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func TestHandleChatStreamsTurn(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, calculatorGateway())
	srv := newTestServer(t, loop, testConfig(10))

	resp := postChat(t, srv.URL+"/api/threads/thread-1/chat", `{"message":"what is 10 / 5?"}`)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	events := readSSE(t, resp.Body)
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.name)
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"tool_start", "tool_result", "message", "done"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %s event in %v", want, names)
		}
	}
	if names[len(names)-1] != "done" {
		t.Fatalf("expected done to be the last event, got %v", names)
	}

	var done dialogue.Event
	if err := json.Unmarshal([]byte(events[len(events)-1].data), &done); err != nil {
		t.Fatalf("decode done event: %v", err)
	}
	if done.ThreadID != "thread-1" || done.Message == nil || done.Message.Content != "10 / 5 = 2" {
		t.Fatalf("unexpected done event: %+v", done)
	}
}

func TestHandleChatReportsGatewayFailure(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, failingGateway())
	srv := newTestServer(t, loop, testConfig(10))

	resp := postChat(t, srv.URL+"/api/threads/t/chat", `{"message":"hi"}`)
	defer func() { _ = resp.Body.Close() }()

	events := readSSE(t, resp.Body)
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("expected terminal error event, got %+v", events)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(last.data), &payload); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if payload["kind"] != "gateway" {
		t.Fatalf("expected kind gateway, got %v", payload)
	}
	for _, ev := range events {
		if ev.name == string(dialogue.EventFailed) {
			t.Fatal("failed events should not be forwarded")
		}
	}
}

func TestHandleChatNonStreaming(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, calculatorGateway())
	srv := newTestServer(t, loop, testConfig(10))

	resp := postChat(t, srv.URL+"/api/threads/t/chat?stream=false", `{"message":"what is 10 / 5?"}`)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Response != "10 / 5 = 2" || got.State != dialogue.StateDone || got.Steps != 2 {
		t.Fatalf("unexpected response: %+v", got)
	}
	if len(got.ToolsUsed) != 1 || got.ToolsUsed[0] != "calculator" {
		t.Fatalf("unexpected tools used: %v", got.ToolsUsed)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 appended messages, got %d", len(got.Messages))
	}
}

func TestHandleChatRejectsBadRequests(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, calculatorGateway())
	srv := newTestServer(t, loop, testConfig(100))

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "empty message", path: "/api/threads/t/chat", body: `{"message":"   "}`, status: http.StatusBadRequest},
		{name: "invalid json", path: "/api/threads/t/chat", body: `{`, status: http.StatusBadRequest},
		{name: "invalid thread id", path: "/api/threads/bad%20id/chat", body: `{"message":"hi"}`, status: http.StatusBadRequest},
		{name: "body too large", path: "/api/threads/t/chat", body: `{"message":"` + strings.Repeat("a", 2048) + `"}`, status: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postChat(t, srv.URL+tt.path, tt.body)
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, calculatorGateway())
	srv := newTestServer(t, loop, testConfig(1))

	// Reuse the anon cookie so both requests count against the same client.
	first := postChat(t, srv.URL+"/api/threads/t/chat?stream=false", `{"message":"hi"}`)
	_, _ = io.Copy(io.Discard, first.Body)
	_ = first.Body.Close()
	cookies := first.Cookies()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/threads/t/chat", strings.NewReader(`{"message":"again"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	second, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	defer func() { _ = second.Body.Close() }()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.StatusCode)
	}
}

func TestHandleChatBusyThreadConflict(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	srv := newTestServer(t, runner, testConfig(100))

	firstDone := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(srv.URL+"/api/threads/busy/chat", "application/json", strings.NewReader(`{"message":"first"}`))
		if err != nil {
			firstDone <- nil
			return
		}
		firstDone <- resp
	}()
	<-runner.started

	resp := postChat(t, srv.URL+"/api/threads/busy/chat", `{"message":"second"}`)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode conflict body: %v", err)
	}
	if payload["kind"] != "busy" {
		t.Fatalf("expected kind busy, got %v", payload)
	}

	close(runner.release)
	first := <-firstDone
	if first == nil {
		t.Fatal("first request failed")
	}
	_ = first.Body.Close()
}

func dialWS(t *testing.T, srv *httptest.Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func sendWS(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) wsOutbound {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out wsOutbound
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return out
}

func TestWebSocketChatTurn(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, calculatorGateway())
	srv := newTestServer(t, loop, testConfig(10))
	conn, ctx := dialWS(t, srv)

	sendWS(t, ctx, conn, wsInbound{Type: "ping"})
	if got := readWS(t, ctx, conn); got.Type != "pong" {
		t.Fatalf("expected pong, got %+v", got)
	}

	sendWS(t, ctx, conn, wsInbound{Type: "chat", ThreadID: "ws-thread", Message: "what is 10 / 5?"})
	accepted := readWS(t, ctx, conn)
	if accepted.Type != "accepted" || accepted.ThreadID != "ws-thread" {
		t.Fatalf("expected accepted frame, got %+v", accepted)
	}

	var sawToolStart bool
	for {
		frame := readWS(t, ctx, conn)
		if frame.Type != "event" || frame.Event == nil {
			t.Fatalf("unexpected frame: %+v", frame)
		}
		if frame.Event.Type == dialogue.EventToolStart {
			sawToolStart = true
		}
		if frame.Event.Type == dialogue.EventDone {
			if frame.Event.Message == nil || frame.Event.Message.Content != "10 / 5 = 2" {
				t.Fatalf("unexpected done event: %+v", frame.Event)
			}
			break
		}
	}
	if !sawToolStart {
		t.Fatal("expected a tool_start event")
	}
}

func TestWebSocketAssignsThreadID(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, calculatorGateway())
	srv := newTestServer(t, loop, testConfig(10))
	conn, ctx := dialWS(t, srv)

	sendWS(t, ctx, conn, wsInbound{Type: "chat", Message: "hi"})
	accepted := readWS(t, ctx, conn)
	if accepted.Type != "accepted" || accepted.ThreadID == "" {
		t.Fatalf("expected accepted frame with generated thread id, got %+v", accepted)
	}
}

func TestWebSocketRejectsMessageWhileBusy(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	srv := newTestServer(t, runner, testConfig(10))
	conn, ctx := dialWS(t, srv)

	sendWS(t, ctx, conn, wsInbound{Type: "chat", ThreadID: "t", Message: "first"})
	if got := readWS(t, ctx, conn); got.Type != "accepted" {
		t.Fatalf("expected accepted, got %+v", got)
	}
	<-runner.started

	sendWS(t, ctx, conn, wsInbound{Type: "chat", ThreadID: "t", Message: "second"})
	busy := readWS(t, ctx, conn)
	if busy.Type != "error" || busy.Kind != "busy" {
		t.Fatalf("expected busy error, got %+v", busy)
	}

	close(runner.release)
	done := readWS(t, ctx, conn)
	if done.Type != "event" || done.Event == nil || done.Event.Type != dialogue.EventDone {
		t.Fatalf("expected done event, got %+v", done)
	}
}

func TestWebSocketRejectsInvalidFrames(t *testing.T) {
	t.Parallel()

	loop, _ := newTestLoop(t, calculatorGateway())
	srv := newTestServer(t, loop, testConfig(10))
	conn, ctx := dialWS(t, srv)

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if got := readWS(t, ctx, conn); got.Type != "error" || got.Kind != "invalid_input" {
		t.Fatalf("expected invalid_input error, got %+v", got)
	}

	sendWS(t, ctx, conn, wsInbound{Type: "chat", Message: " "})
	if got := readWS(t, ctx, conn); got.Type != "error" || got.Kind != "invalid_input" {
		t.Fatalf("expected invalid_input error for blank message, got %+v", got)
	}
}

func TestSSEStreamStopsRightAfterStart(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		s := &sseStream{w: rec, flusher: rec}
		s.start(time.Hour)

		stopped := make(chan struct{})
		go func() {
			s.stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatalf("stop blocked on cycle %d", i)
		}
	}
}

func TestSSEStreamKeepalivePings(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	s := &sseStream{w: rec, flusher: rec}
	s.start(5 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s.stop()

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(rec.Body.String(), "event: ping") {
		t.Fatalf("expected keepalive pings, got %q", rec.Body.String())
	}

	// Nothing is written after stop returns.
	n := rec.Body.Len()
	time.Sleep(20 * time.Millisecond)
	if rec.Body.Len() != n {
		t.Fatal("keepalive kept writing after stop")
	}
}
