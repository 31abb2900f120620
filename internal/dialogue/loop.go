// Package dialogue runs one conversation turn: the human message goes in,
// the model and tools alternate until the model answers in plain text, and
// every appended message is checkpointed along the way.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/graphchat/internal/domain"
	"github.com/ashureev/graphchat/internal/llm"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxModelTurns caps model invocations per human message.
const DefaultMaxModelTurns = 8

// DefaultToolConcurrency caps concurrently running tools per dispatch.
const DefaultToolConcurrency = 4

// State is a position in the turn state machine.
type State string

const (
	StateAwaitingUser State = "awaiting_user"
	StateModelTurn    State = "model_turn"
	StateToolDispatch State = "tool_dispatch"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

var (
	// ErrGateway marks a failed model call. The thread keeps the human
	// message and everything before it; no assistant reply is appended.
	ErrGateway = errors.New("model gateway failed")
	// ErrPersistence marks a failed checkpoint load or save.
	ErrPersistence = errors.New("checkpoint persistence failed")
	// ErrCycleLimit is returned when the model keeps requesting tools past the cap.
	ErrCycleLimit = errors.New("model turn limit reached")
	// ErrEmptyInput is returned for a blank human message.
	ErrEmptyInput = errors.New("message cannot be empty")
	// ErrEmptyThreadID is returned when no thread id is given.
	ErrEmptyThreadID = errors.New("thread id cannot be empty")
)

const interruptedToolError = "tool call was interrupted before it completed"

// Checkpointer is the slice of the checkpoint store the loop needs.
type Checkpointer interface {
	Load(ctx context.Context, threadID string) ([]domain.Message, error)
	Save(ctx context.Context, threadID string, messages []domain.Message) error
}

// ToolInvoker runs tool calls. InvokeCall never fails; errors are results.
type ToolInvoker interface {
	Declarations() []domain.ToolDeclaration
	InvokeCall(ctx context.Context, call domain.ToolCall) domain.ToolResult
}

// Outcome summarizes a finished turn.
type Outcome struct {
	State    State
	Thread   domain.Thread
	Appended []domain.Message
	Steps    int
	// Reply is the final assistant text when State is StateDone.
	Reply string
}

// Loop drives turns against a gateway, a tool registry and a checkpoint store.
type Loop struct {
	gateway     llm.Gateway
	tools       ToolInvoker
	store       Checkpointer
	maxTurns    int
	concurrency int
	stream      bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxModelTurns sets the per-turn cap on model invocations.
func WithMaxModelTurns(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxTurns = n
		}
	}
}

// WithToolConcurrency bounds how many tools of one request run at once.
func WithToolConcurrency(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithStreaming asks the gateway for incremental text, published as delta events.
func WithStreaming(enabled bool) Option {
	return func(l *Loop) { l.stream = enabled }
}

// NewLoop creates a dialogue loop.
func NewLoop(gateway llm.Gateway, tools ToolInvoker, store Checkpointer, opts ...Option) (*Loop, error) {
	if gateway == nil {
		return nil, errors.New("model gateway is required")
	}
	if tools == nil {
		return nil, errors.New("tool invoker is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	l := &Loop{
		gateway:     gateway,
		tools:       tools,
		store:       store,
		maxTurns:    DefaultMaxModelTurns,
		concurrency: DefaultToolConcurrency,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// turn carries the mutable state of one RunTurn call.
type turn struct {
	loop     *Loop
	sink     Sink
	thread   domain.Thread
	appended []domain.Message
	steps    int
	state    State
}

// RunTurn appends text as a human message to the thread and runs the model
// until it produces a plain answer, a failure occurs, or the turn cap is hit.
// The returned error wraps ErrGateway, ErrPersistence, ErrCycleLimit or the
// context error; the Outcome is valid in every case.
func (l *Loop) RunTurn(ctx context.Context, threadID, text string, sink Sink) (Outcome, error) {
	if sink == nil {
		sink = noopSink{}
	}
	t := &turn{
		loop:   l,
		sink:   sink,
		thread: domain.Thread{ID: threadID},
		state:  StateAwaitingUser,
	}

	if threadID == "" {
		return t.fail(ctx, ErrEmptyThreadID)
	}
	if strings.TrimSpace(text) == "" {
		return t.fail(ctx, ErrEmptyInput)
	}

	history, err := l.store.Load(ctx, threadID)
	if err != nil {
		return t.fail(ctx, fmt.Errorf("%w: load %s: %w", ErrPersistence, threadID, err))
	}
	t.thread.Messages = history

	if err := t.closeInterruptedCalls(); err != nil {
		return t.fail(ctx, err)
	}
	if err := t.append(ctx, domain.HumanMessage(text)); err != nil {
		return t.fail(ctx, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return t.fail(ctx, err)
		}
		if t.steps >= l.maxTurns {
			return t.fail(ctx, fmt.Errorf("%w: %d model turns", ErrCycleLimit, l.maxTurns))
		}
		t.steps++
		t.transition(ctx, StateModelTurn)

		reply, err := l.gateway.Complete(ctx, t.request(ctx))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return t.fail(ctx, ctxErr)
			}
			return t.fail(ctx, fmt.Errorf("%w: %w", ErrGateway, err))
		}

		if err := checkReply(reply); err != nil {
			return t.fail(ctx, fmt.Errorf("%w: %w", ErrGateway, err))
		}

		assistant := reply.Message()
		if err := t.append(ctx, assistant); err != nil {
			if errors.Is(err, ErrPersistence) {
				return t.fail(ctx, err)
			}
			return t.fail(ctx, fmt.Errorf("%w: invalid reply: %w", ErrGateway, err))
		}
		last, _ := t.thread.Last()
		t.publish(ctx, Event{Type: EventMessage, Message: &last})

		switch r := reply.(type) {
		case llm.PlainAnswer:
			t.transition(ctx, StateDone)
			t.publish(ctx, Event{Type: EventDone, Message: &last})
			out := t.outcome()
			out.Reply = r.Content
			return out, nil
		case llm.ToolRequest:
			t.transition(ctx, StateToolDispatch)
			results := t.dispatch(ctx, r.Calls)
			if err := ctx.Err(); err != nil {
				return t.fail(ctx, err)
			}
			msgs := make([]domain.Message, len(results))
			for i, res := range results {
				msgs[i] = domain.ToolResultMessage(res)
			}
			if err := t.append(ctx, msgs...); err != nil {
				return t.fail(ctx, err)
			}
			for i := range results {
				t.publish(ctx, Event{Type: EventToolResult, Result: &results[i]})
			}
		default:
			return t.fail(ctx, fmt.Errorf("%w: unexpected reply type %T", ErrGateway, reply))
		}
	}
}

func (t *turn) request(ctx context.Context) llm.Request {
	req := llm.Request{
		Messages: domain.CloneMessages(t.thread.Messages),
		Tools:    t.loop.tools.Declarations(),
	}
	if t.loop.stream {
		req.OnDelta = func(delta string) {
			t.publish(ctx, Event{Type: EventDelta, Delta: delta})
		}
	}
	return req
}

// dispatch runs every call concurrently and returns results in request order.
func (t *turn) dispatch(ctx context.Context, calls []domain.ToolCall) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(t.loop.concurrency)
	for i := range calls {
		call := calls[i]
		t.publish(ctx, Event{Type: EventToolStart, ToolCall: &call})
		g.Go(func() error {
			results[i] = t.loop.tools.InvokeCall(ctx, call)
			if results[i].CallID == "" {
				results[i].CallID = call.ID
			}
			if results[i].Name == "" {
				results[i].Name = call.Name
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// closeInterruptedCalls answers tool calls left pending by an earlier turn
// that was cancelled mid-dispatch, so the history stays well-formed.
func (t *turn) closeInterruptedCalls() error {
	pending := t.thread.PendingToolCalls()
	if len(pending) == 0 {
		return nil
	}
	slog.Warn("Closing interrupted tool calls", "thread_id", t.thread.ID, "count", len(pending))
	msgs := make([]domain.Message, len(pending))
	for i, call := range pending {
		msgs[i] = domain.ToolResultMessage(domain.ToolResult{
			CallID: call.ID,
			Name:   call.Name,
			Error:  interruptedToolError,
		})
	}
	before := len(t.thread.Messages)
	if err := t.thread.Append(msgs...); err != nil {
		return fmt.Errorf("%w: stored history is inconsistent: %w", ErrPersistence, err)
	}
	t.appended = append(t.appended, t.thread.Messages[before:]...)
	return nil
}

// append adds msgs to the thread and checkpoints the result.
func (t *turn) append(ctx context.Context, msgs ...domain.Message) error {
	before := len(t.thread.Messages)
	if err := t.thread.Append(msgs...); err != nil {
		return err
	}

	// The turn's view never runs ahead of the checkpoint.
	if err := t.loop.store.Save(ctx, t.thread.ID, t.thread.Messages); err != nil {
		t.thread.Messages = t.thread.Messages[:before]
		return fmt.Errorf("%w: save %s: %w", ErrPersistence, t.thread.ID, err)
	}
	t.appended = append(t.appended, t.thread.Messages[before:]...)
	return nil
}

// checkReply rejects replies that cannot be appended as an assistant turn.
func checkReply(reply llm.Reply) error {
	switch r := reply.(type) {
	case nil:
		return llm.ErrEmptyResponse
	case llm.PlainAnswer:
		if strings.TrimSpace(r.Content) == "" {
			return llm.ErrEmptyAnswer
		}
	}
	return nil
}

func (t *turn) transition(ctx context.Context, next State) {
	slog.Debug("Dialogue state change", "thread_id", t.thread.ID, "from", t.state, "to", next, "step", t.steps)
	t.state = next
	t.publish(ctx, Event{Type: EventState, State: next})
}

func (t *turn) publish(ctx context.Context, ev Event) {
	ev.ThreadID = t.thread.ID
	ev.Step = t.steps
	if err := t.sink.Publish(ctx, ev); err != nil {
		slog.Debug("Dialogue event dropped", "thread_id", t.thread.ID, "type", ev.Type, "error", err)
	}
}

func (t *turn) fail(ctx context.Context, err error) (Outcome, error) {
	t.transition(ctx, StateFailed)
	kind := ErrorKind(err)
	slog.Warn("Dialogue turn failed", "thread_id", t.thread.ID, "step", t.steps, "kind", kind, "error", err)
	t.publish(ctx, Event{Type: EventFailed, Error: err.Error(), ErrorKind: kind})
	return t.outcome(), err
}

func (t *turn) outcome() Outcome {
	return Outcome{
		State:    t.state,
		Thread:   t.thread.Snapshot(),
		Appended: domain.CloneMessages(t.appended),
		Steps:    t.steps,
	}
}

// ErrorKind classifies a turn error for clients.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrGateway):
		return "gateway"
	case errors.Is(err, ErrCycleLimit):
		return "cycle_limit"
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrEmptyThreadID):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
