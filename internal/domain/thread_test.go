package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestThreadAppendKeepsOrderAndAssignsIDs(t *testing.T) {
	t.Parallel()

	var th Thread
	call := ToolCall{ID: "c1", Name: "calculator", Arguments: map[string]any{"first_num": 4.0}}
	err := th.Append(
		HumanMessage("What is 4 plus 5?"),
		AssistantMessage("", call),
		ToolResultMessage(ToolResult{CallID: "c1", Name: "calculator", Payload: map[string]any{"result": 9.0}}),
		AssistantMessage("4 plus 5 is 9."),
	)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(th.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(th.Messages))
	}
	roles := []Role{RoleHuman, RoleAssistant, RoleTool, RoleAssistant}
	for i, want := range roles {
		if th.Messages[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, th.Messages[i].Role, want)
		}
		if th.Messages[i].ID == "" {
			t.Errorf("message %d has no id", i)
		}
	}
}

func TestThreadAppendRejectsOrphanToolResult(t *testing.T) {
	t.Parallel()

	th := Thread{ID: "t"}
	if err := th.Append(HumanMessage("hi")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	err := th.Append(ToolResultMessage(ToolResult{CallID: "nope", Name: "calculator"}))
	if !errors.Is(err, ErrOrphanToolResult) {
		t.Fatalf("expected ErrOrphanToolResult, got %v", err)
	}
	if len(th.Messages) != 1 {
		t.Fatalf("thread mutated on failed append: %d messages", len(th.Messages))
	}
}

func TestThreadAppendIsAllOrNothing(t *testing.T) {
	t.Parallel()

	var th Thread
	err := th.Append(
		HumanMessage("hello"),
		Message{Role: "robot", Content: "beep"},
	)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if len(th.Messages) != 0 {
		t.Fatalf("expected no messages after failed batch, got %d", len(th.Messages))
	}
}

func TestThreadAppendRejectsDuplicateResult(t *testing.T) {
	t.Parallel()

	var th Thread
	call := ToolCall{ID: "c1", Name: "web_search"}
	result := ToolResultMessage(ToolResult{CallID: "c1", Name: "web_search", Error: "offline"})
	if err := th.Append(HumanMessage("q"), AssistantMessage("", call), result); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := th.Append(result); !errors.Is(err, ErrOrphanToolResult) {
		t.Fatalf("expected second result to be rejected, got %v", err)
	}
}

func TestPendingToolCalls(t *testing.T) {
	t.Parallel()

	var th Thread
	c1 := ToolCall{ID: "c1", Name: "calculator"}
	c2 := ToolCall{ID: "c2", Name: "stock_price"}
	if err := th.Append(HumanMessage("q"), AssistantMessage("", c1, c2)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if got := th.PendingToolCalls(); len(got) != 2 {
		t.Fatalf("expected 2 pending calls, got %d", len(got))
	}
	if err := th.Append(ToolResultMessage(ToolResult{CallID: "c1", Name: "calculator"})); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	got := th.PendingToolCalls()
	if len(got) != 1 || got[0].ID != "c2" {
		t.Fatalf("expected c2 pending, got %+v", got)
	}
}

func TestSnapshotIsDeep(t *testing.T) {
	t.Parallel()

	var th Thread
	call := ToolCall{ID: "c1", Name: "calculator", Arguments: map[string]any{"operation": "add"}}
	if err := th.Append(HumanMessage("q"), AssistantMessage("", call)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	snap := th.Snapshot()
	snap.Messages[1].ToolCalls[0].Arguments["operation"] = "div"
	if th.Messages[1].ToolCalls[0].Arguments["operation"] != "add" {
		t.Fatal("snapshot shares argument map with thread")
	}
}

func TestTitleTruncates(t *testing.T) {
	t.Parallel()

	th := Thread{Messages: []Message{HumanMessage(strings.Repeat("word ", 40))}}
	title := th.Title()
	if !strings.HasSuffix(title, "…") {
		t.Fatalf("expected ellipsis, got %q", title)
	}
	if (&Thread{}).Title() != "" {
		t.Fatal("empty thread should have empty title")
	}
}

func TestToolResultContent(t *testing.T) {
	t.Parallel()

	ok := ToolResult{CallID: "c", Payload: map[string]any{"result": 2.0}}
	if ok.Content() != `{"result":2}` {
		t.Fatalf("unexpected content: %s", ok.Content())
	}
	bad := ToolResult{CallID: "c", Error: "Division by zero is not allowed"}
	if bad.Content() != "Error: Division by zero is not allowed" {
		t.Fatalf("unexpected error content: %s", bad.Content())
	}
	if !ToolResultMessage(bad).IsError {
		t.Fatal("tool message should carry the error flag")
	}
}
