package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/ashureev/graphchat/internal/agent"
	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/dialogue"
	"github.com/ashureev/graphchat/internal/domain"
	"github.com/ashureev/graphchat/internal/identity"
	"github.com/ashureev/graphchat/internal/store"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

const (
	cliClientID     = "cli"
	newThreadOption = "+ New thread"
)

func newChatCommand(cfg *config.Config) *cobra.Command {
	var (
		threadID  string
		fresh     bool
		ephemeral bool
		noStream  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long: `Start an interactive chat. Without --thread or --new you pick an existing
thread or start a new one. Type /exit or press Ctrl-D to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if threadID != "" {
				threadID = identity.SanitizeThreadID(threadID)
				if threadID == "" {
					return errors.New("invalid thread id")
				}
			}

			st, err := openStore(cfg, ephemeral)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			rt, err := newRuntime(ctx, cfg, st, !noStream)
			if err != nil {
				return err
			}
			defer rt.Close()

			conversationLogger, err := newConversationLogger(cfg)
			if err != nil {
				return fmt.Errorf("initialize conversation logger: %w", err)
			}
			svc, err := agent.NewService(rt.loop, conversationLogger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if threadID == "" && !fresh && !ephemeral {
				threadID, err = selectThread(ctx, st)
				if err != nil {
					return err
				}
			}
			if threadID == "" {
				threadID = domain.NewThreadID()
			}

			s := &chatSession{
				svc:      svc,
				store:    st,
				threadID: threadID,
				out:      cmd.OutOrStdout(),
			}
			return s.run(ctx)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "resume the thread with this id")
	cmd.Flags().BoolVar(&fresh, "new", false, "start a new thread without asking")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep the conversation in memory only")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "print answers only once they are complete")
	return cmd
}

// selectThread asks which thread to resume. An empty result means a new thread.
func selectThread(ctx context.Context, st store.CheckpointStore) (string, error) {
	summaries, err := st.ListThreadSummaries(ctx)
	if err != nil {
		return "", fmt.Errorf("list threads: %w", err)
	}
	if len(summaries) == 0 {
		return "", nil
	}

	items := make([]string, 0, len(summaries)+1)
	items = append(items, newThreadOption)
	for _, s := range summaries {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		items = append(items, title)
	}

	prompt := promptui.Select{
		Label: "Select a thread",
		Items: items,
		Size:  10,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("selection failed: %w", err)
	}
	if idx == 0 {
		return "", nil
	}
	return summaries[idx-1].ThreadID, nil
}

// chatSession is one interactive REPL bound to a thread.
type chatSession struct {
	svc      *agent.Service
	store    store.CheckpointStore
	threadID string
	out      io.Writer
}

func (s *chatSession) run(ctx context.Context) error {
	history, err := s.store.Load(ctx, s.threadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	fmt.Fprintln(s.out, mutedStyle().Render("thread "+s.threadID))
	for _, msg := range history {
		renderMessage(s.out, msg)
	}

	for {
		prompt := promptui.Prompt{
			Label: "you",
		}
		line, err := prompt.Run()
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			fmt.Fprintln(s.out, mutedStyle().Render("bye"))
			return nil
		}
		if err != nil {
			return fmt.Errorf("prompt failed: %w", err)
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		if err := s.turn(ctx, line); err != nil {
			return err
		}
	}
}

// turn runs one exchange. Ctrl-C cancels the running turn, not the session.
func (s *chatSession) turn(ctx context.Context, text string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	r := newTurnRenderer(s.out)
	sink := dialogue.SinkFunc(func(_ context.Context, ev dialogue.Event) error {
		r.render(ev)
		return nil
	})

	_, err := s.svc.Chat(turnCtx, agent.ChatRequest{
		ThreadID: s.threadID,
		Message:  text,
		ClientID: cliClientID,
		Channel:  agent.ChannelCLI,
	}, sink)
	r.endLine()
	if err == nil {
		return nil
	}
	if errors.Is(err, agent.ErrTurnInProgress) {
		fmt.Fprintln(s.out, errorStyle().Render(err.Error()))
		return nil
	}
	// Turn failures are already rendered from the failed event; the thread
	// stays usable so the session continues.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
