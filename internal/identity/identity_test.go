package identity

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureContext(t *testing.T, req *http.Request) (clientID, threadID string, rec *httptest.ResponseRecorder) {
	t.Helper()
	rec = httptest.NewRecorder()
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		clientID = ClientIDFromContext(r.Context())
		threadID = ThreadIDFromContext(r.Context())
	}))
	h.ServeHTTP(rec, req)
	return clientID, threadID, rec
}

func TestMiddlewareIssuesAnonCookie(t *testing.T) {
	t.Parallel()

	clientID, _, rec := captureContext(t, httptest.NewRequest(http.MethodGet, "/api/threads", nil))
	if !isValidAnonID(clientID) {
		t.Fatalf("expected generated anon id, got %q", clientID)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != clientID {
		t.Fatalf("expected anon cookie with client id, got %+v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Fatal("expected HttpOnly cookie")
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	t.Parallel()

	existing := "anon_" + strings.Repeat("ab", 16)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})

	clientID, _, _ := captureContext(t, req)
	if clientID != existing {
		t.Fatalf("expected %q, got %q", existing, clientID)
	}
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "../admin"})

	clientID, _, _ := captureContext(t, req)
	if clientID == "../admin" || !isValidAnonID(clientID) {
		t.Fatalf("expected forged cookie to be replaced, got %q", clientID)
	}
}

func TestMiddlewareThreadID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{name: "header", header: "thread-1", want: "thread-1"},
		{name: "query", query: "thread-2", want: "thread-2"},
		{name: "header wins", header: "h", query: "q", want: "h"},
		{name: "invalid", header: "bad id/with slash", want: ""},
		{name: "absent", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			target := "/api/threads"
			if tt.query != "" {
				target += "?thread_id=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(ThreadHeaderName, tt.header)
			}
			_, threadID, _ := captureContext(t, req)
			if threadID != tt.want {
				t.Fatalf("expected thread id %q, got %q", tt.want, threadID)
			}
		})
	}
}

func TestIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	if got := IPFromRequest(req); got != "10.0.0.7" {
		t.Fatalf("expected 10.0.0.7, got %q", got)
	}
}
