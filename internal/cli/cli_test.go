package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/domain"
	"github.com/ashureev/graphchat/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Model:    config.ModelConfig{Model: "gpt-4o-mini"},
		Dialogue: config.DialogueConfig{MaxModelTurns: 3},
		Tools: config.ToolsConfig{
			Timeout:     time.Second,
			Concurrency: 2,
		},
	}
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := NewRootCommand()
	want := map[string]bool{"serve": false, "chat": false, "threads": false, "mcp-calculator": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}

	serve, _, err := root.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("find serve: %v", err)
	}
	if _, ok := serve.Annotations[logToStdout]; !ok {
		t.Error("serve should log to stdout")
	}
	calc, _, err := root.Find([]string{"mcp-calculator"})
	if err != nil {
		t.Fatalf("find mcp-calculator: %v", err)
	}
	if _, ok := calc.Annotations[logToStdout]; ok {
		t.Error("mcp-calculator must keep stdout for the protocol")
	}
}

func TestRenderMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  domain.Message
		want []string
	}{
		{"human", domain.HumanMessage("hello"), []string{"you>", "hello"}},
		{"answer", domain.AssistantMessage("hi there"), []string{"assistant>", "hi there"}},
		{
			"tool request",
			domain.AssistantMessage("", domain.ToolCall{ID: "c1", Name: "calculator", Arguments: map[string]any{"operation": "add", "first_num": 1}}),
			[]string{"calculator(", "first_num=1, operation=add"},
		},
		{
			"tool error",
			domain.Message{Role: domain.RoleTool, Name: "stock_price", ToolCallID: "c1", Content: "quote unavailable", IsError: true},
			[]string{"✗", "stock_price", "quote unavailable"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			renderMessage(&buf, tt.msg)
			for _, s := range tt.want {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("output %q missing %q", buf.String(), s)
				}
			}
		})
	}
}

func TestPreviewTruncates(t *testing.T) {
	t.Parallel()

	got := preview(strings.Repeat("a", 200))
	if r := []rune(got); len(r) != maxResultPreview+1 || !strings.HasSuffix(got, "…") {
		t.Fatalf("unexpected preview %q", got)
	}
	if got := preview("a\n  b"); got != "a b" {
		t.Fatalf("expected whitespace collapsed, got %q", got)
	}
}

func TestTurnRendererStreamsAndReportsFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	r := newTurnRenderer(&buf)
	r.render(dialogue.Event{Type: dialogue.EventDelta, Delta: "Hel"})
	r.render(dialogue.Event{Type: dialogue.EventDelta, Delta: "lo"})
	answer := domain.AssistantMessage("Hello")
	r.render(dialogue.Event{Type: dialogue.EventMessage, Message: &answer})
	r.render(dialogue.Event{Type: dialogue.EventFailed, Error: "boom", ErrorKind: "gateway"})

	out := buf.String()
	if strings.Count(out, "assistant>") != 1 {
		t.Fatalf("streamed answer should be printed once: %q", out)
	}
	if !strings.Contains(out, "Hello\n") {
		t.Fatalf("expected streamed text, got %q", out)
	}
	if !strings.Contains(out, "error (gateway): boom") {
		t.Fatalf("expected failure line, got %q", out)
	}
}

func TestThreadCommandsRender(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()

	var buf bytes.Buffer
	if err := listThreads(ctx, &buf, st); err != nil {
		t.Fatalf("listThreads failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No threads yet.") {
		t.Fatalf("expected empty listing, got %q", buf.String())
	}

	msgs := []domain.Message{
		{ID: "m1", Role: domain.RoleHuman, Content: "what is 2+2?"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "4"},
	}
	if err := st.Save(ctx, "thread-a", msgs); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	buf.Reset()
	if err := listThreads(ctx, &buf, st); err != nil {
		t.Fatalf("listThreads failed: %v", err)
	}
	if !strings.Contains(buf.String(), "thread-a") {
		t.Fatalf("expected thread in listing, got %q", buf.String())
	}

	buf.Reset()
	if err := showThread(ctx, &buf, st, "thread-a"); err != nil {
		t.Fatalf("showThread failed: %v", err)
	}
	if !strings.Contains(buf.String(), "what is 2+2?") || !strings.Contains(buf.String(), "4") {
		t.Fatalf("unexpected history output %q", buf.String())
	}

	if err := showCheckpoints(ctx, &buf, st, "thread-a", 5); err == nil {
		t.Fatal("expected memory store to have no checkpoint history")
	}
}

func TestRuntimeWithoutModelFailsTurnAsGateway(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	rt, err := newRuntime(ctx, testConfig(), st, false)
	if err != nil {
		t.Fatalf("newRuntime failed: %v", err)
	}
	defer rt.Close()

	if got := rt.registry.Names(); len(got) != 3 {
		t.Fatalf("expected 3 built-in tools, got %v", got)
	}

	out, err := rt.loop.RunTurn(ctx, "t1", "hi", nil)
	if !errors.Is(err, dialogue.ErrGateway) || !errors.Is(err, errModelNotConfigured) {
		t.Fatalf("expected unconfigured gateway error, got %v", err)
	}
	if out.State != dialogue.StateFailed {
		t.Fatalf("expected failed state, got %s", out.State)
	}

	// The human message is kept even though the turn failed.
	stored, err := st.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(stored) != 1 || stored[0].Role != domain.RoleHuman {
		t.Fatalf("expected the human message to persist, got %+v", stored)
	}
}

func TestOpenStoreEphemeral(t *testing.T) {
	t.Parallel()

	st, err := openStore(testConfig(), true)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	if _, ok := st.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}
}
