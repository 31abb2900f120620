package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/domain"
	"github.com/ashureev/graphchat/internal/identity"
	"github.com/ashureev/graphchat/internal/store"
	"github.com/spf13/cobra"
)

func newThreadsCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Inspect stored conversation threads",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()
			return listThreads(cmd.Context(), cmd.OutOrStdout(), st)
		},
	}

	var checkpoints int
	show := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Print the message history of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID := identity.SanitizeThreadID(args[0])
			if threadID == "" {
				return fmt.Errorf("invalid thread id %q", args[0])
			}
			st, err := openStore(cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()
			if checkpoints > 0 {
				return showCheckpoints(cmd.Context(), cmd.OutOrStdout(), st, threadID, checkpoints)
			}
			return showThread(cmd.Context(), cmd.OutOrStdout(), st, threadID)
		},
	}
	show.Flags().IntVar(&checkpoints, "checkpoints", 0, "list the last N checkpoints instead of the latest history")

	cmd.AddCommand(list, show)
	return cmd
}

func listThreads(ctx context.Context, w io.Writer, st store.CheckpointStore) error {
	summaries, err := st.ListThreadSummaries(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	renderThreadList(w, summaries)
	return nil
}

func showThread(ctx context.Context, w io.Writer, st store.CheckpointStore, threadID string) error {
	msgs, err := st.Load(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, mutedStyle().Render("Thread "+threadID+" has no messages."))
		return nil
	}
	for _, msg := range msgs {
		renderMessage(w, msg)
	}
	return nil
}

type checkpointHistory interface {
	History(ctx context.Context, threadID string, limit int) ([]domain.Checkpoint, error)
}

func showCheckpoints(ctx context.Context, w io.Writer, st store.CheckpointStore, threadID string, limit int) error {
	h, ok := st.(checkpointHistory)
	if !ok {
		return errors.New("checkpoint history is not available for this store")
	}
	history, err := h.History(ctx, threadID, limit)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	if len(history) == 0 {
		fmt.Fprintln(w, mutedStyle().Render("Thread "+threadID+" has no checkpoints."))
		return nil
	}
	for _, cp := range history {
		last := ""
		if n := len(cp.Messages); n > 0 {
			last = preview(cp.Messages[n-1].Content)
		}
		fmt.Fprintf(w, "#%d  %s  %d messages  %s\n",
			cp.ID,
			mutedStyle().Render(cp.CreatedAt.Local().Format(time.DateTime)),
			len(cp.Messages),
			last)
	}
	return nil
}
