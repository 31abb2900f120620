package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

func humanStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)
}

func assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("214")).
		Bold(true)
}

func toolCallStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("166")).
		MarginLeft(2)
}

func toolResultStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("72")).
		MarginLeft(2)
}

func errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true)
}

func mutedStyle() lipgloss.Style {
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))
}

const maxResultPreview = 120

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxResultPreview {
		return string(r[:maxResultPreview]) + "…"
	}
	return s
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}

// renderMessage writes one stored message the way the REPL shows it live.
func renderMessage(w io.Writer, msg domain.Message) {
	switch msg.Role {
	case domain.RoleHuman:
		fmt.Fprintf(w, "%s %s\n", humanStyle().Render("you>"), msg.Content)
	case domain.RoleAssistant:
		for _, call := range msg.ToolCalls {
			fmt.Fprintln(w, toolCallStyle().Render(fmt.Sprintf("⚙ %s(%s)", call.Name, formatArgs(call.Arguments))))
		}
		if msg.Content != "" {
			fmt.Fprintf(w, "%s %s\n", assistantStyle().Render("assistant>"), msg.Content)
		}
	case domain.RoleTool:
		style := toolResultStyle()
		mark := "✓"
		if msg.IsError {
			style = errorStyle().MarginLeft(2)
			mark = "✗"
		}
		fmt.Fprintln(w, style.Render(fmt.Sprintf("%s %s: %s", mark, msg.Name, preview(msg.Content))))
	}
}

func renderThreadList(w io.Writer, summaries []domain.ThreadSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, mutedStyle().Render("No threads yet."))
		return
	}
	for _, s := range summaries {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			s.ThreadID,
			mutedStyle().Render(s.UpdatedAt.Local().Format(time.DateTime)),
			title)
	}
}

// turnRenderer prints dialogue events as they arrive. The "tool in use"
// line is transient: it is erased when the result comes back.
type turnRenderer struct {
	w          io.Writer
	streaming  bool
	midLine    bool
	toolsShown int
}

func newTurnRenderer(w io.Writer) *turnRenderer {
	return &turnRenderer{w: w}
}

func (r *turnRenderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
}

func (r *turnRenderer) render(ev dialogue.Event) {
	switch ev.Type {
	case dialogue.EventDelta:
		if !r.midLine {
			fmt.Fprintf(r.w, "%s ", assistantStyle().Render("assistant>"))
			r.midLine = true
		}
		r.streaming = true
		fmt.Fprint(r.w, ev.Delta)
	case dialogue.EventToolStart:
		r.endLine()
		if ev.ToolCall != nil {
			fmt.Fprint(r.w, toolCallStyle().Render(fmt.Sprintf("⚙ using %s…", ev.ToolCall.Name)))
			fmt.Fprintln(r.w)
			r.toolsShown++
		}
	case dialogue.EventToolResult:
		if r.toolsShown > 0 {
			// Results arrive together after dispatch; clear every "using" line at once.
			fmt.Fprintf(r.w, "\x1b[%dA\x1b[J", r.toolsShown)
			r.toolsShown = 0
		}
		if ev.Result != nil {
			renderMessage(r.w, domain.ToolResultMessage(*ev.Result))
		}
	case dialogue.EventMessage:
		if ev.Message != nil && !ev.Message.HasToolCalls() && !r.streaming {
			renderMessage(r.w, *ev.Message)
		}
		r.endLine()
		r.streaming = false
	case dialogue.EventFailed:
		r.endLine()
		fmt.Fprintln(r.w, errorStyle().Render(fmt.Sprintf("error (%s): %s", ev.ErrorKind, ev.Error)))
	}
}
