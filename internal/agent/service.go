package agent

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/graphchat/internal/dialogue"
)

// ErrTurnInProgress is returned when a thread already has a running turn.
var ErrTurnInProgress = errors.New("a turn is already in progress for this thread")

const streamBuffer = 64

// Service serializes turns per thread and records conversation transcripts.
type Service struct {
	runner Runner
	log    ConversationLogger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewService creates a chat service around runner. A nil logger disables
// transcript logging.
func NewService(runner Runner, logger ConversationLogger) (*Service, error) {
	if runner == nil {
		return nil, errors.New("dialogue runner is required")
	}
	if logger == nil {
		logger = noopConversationLogger{}
	}
	return &Service{
		runner: runner,
		log:    logger,
		active: make(map[string]struct{}),
	}, nil
}

func (s *Service) acquire(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[threadID]; busy {
		return false
	}
	s.active[threadID] = struct{}{}
	return true
}

func (s *Service) release(threadID string) {
	s.mu.Lock()
	delete(s.active, threadID)
	s.mu.Unlock()
}

// Busy reports whether threadID has a running turn.
func (s *Service) Busy(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.active[threadID]
	return busy
}

// Chat runs one turn and publishes its events to sink. A second turn on a
// thread that is still running is rejected with ErrTurnInProgress.
func (s *Service) Chat(ctx context.Context, req ChatRequest, sink dialogue.Sink) (dialogue.Outcome, error) {
	if req.ThreadID != "" {
		if !s.acquire(req.ThreadID) {
			return dialogue.Outcome{State: dialogue.StateAwaitingUser}, ErrTurnInProgress
		}
		defer s.release(req.ThreadID)
	}

	start := time.Now()
	slog.Info("Chat turn started",
		"thread_id", req.ThreadID,
		"client_id", req.ClientID,
		"channel", req.Channel,
		"message_length", len(req.Message),
	)
	s.logEvent(req, "outbound", "chat_user_message", req.Message, nil)

	out, err := s.runner.RunTurn(ctx, req.ThreadID, req.Message, s.transcriptSink(req, sink))
	if err != nil {
		s.logEvent(req, "inbound", "chat_turn_failed", err.Error(), map[string]any{
			"kind":  dialogue.ErrorKind(err),
			"steps": out.Steps,
		})
		return out, err
	}

	slog.Info("Chat turn finished",
		"thread_id", req.ThreadID,
		"steps", out.Steps,
		"appended", len(out.Appended),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.logEvent(req, "inbound", "chat_assistant_message", out.Reply, map[string]any{
		"steps":      out.Steps,
		"tools_used": ToolsUsed(out.Appended),
	})
	return out, nil
}

// Stream runs one turn and yields its events as they happen. A terminal
// error, if any, is yielded last with a zero Event. Breaking out of the
// loop early cancels the turn.
func (s *Service) Stream(ctx context.Context, req ChatRequest) iter.Seq2[dialogue.Event, error] {
	return func(yield func(dialogue.Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		events := make(chan dialogue.Event, streamBuffer)
		errc := make(chan error, 1)

		go func() {
			defer close(events)
			sink := dialogue.SinkFunc(func(ctx context.Context, ev dialogue.Event) error {
				select {
				case events <- ev:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			_, err := s.Chat(ctx, req, sink)
			errc <- err
		}()

		for ev := range events {
			if !yield(ev, nil) {
				cancel()
				for range events {
				}
				return
			}
		}
		if err := <-errc; err != nil {
			yield(dialogue.Event{}, err)
		}
	}
}

// Close releases resources.
func (s *Service) Close() error {
	return s.log.Close()
}

// transcriptSink forwards events to next and logs tool activity.
func (s *Service) transcriptSink(req ChatRequest, next dialogue.Sink) dialogue.Sink {
	return dialogue.SinkFunc(func(ctx context.Context, ev dialogue.Event) error {
		switch ev.Type {
		case dialogue.EventToolStart:
			if ev.ToolCall != nil {
				s.logEvent(req, "inbound", "chat_tool_call", ev.ToolCall.Name, map[string]any{
					"call_id":   ev.ToolCall.ID,
					"arguments": ev.ToolCall.Arguments,
				})
			}
		case dialogue.EventToolResult:
			if ev.Result != nil {
				s.logEvent(req, "inbound", "chat_tool_result", ev.Result.Content(), map[string]any{
					"call_id":  ev.Result.CallID,
					"tool":     ev.Result.Name,
					"is_error": ev.Result.IsError(),
				})
			}
		}
		if next == nil {
			return nil
		}
		return next.Publish(ctx, ev)
	})
}

func (s *Service) logEvent(req ChatRequest, direction, eventType, content string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		ClientID:   req.ClientID,
		ThreadID:   req.ThreadID,
		Channel:    req.Channel,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}
