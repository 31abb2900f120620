package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedPruner struct {
	calls atomic.Int32
	errs  []error
}

func (p *scriptedPruner) Prune(context.Context, int) (int64, error) {
	n := int(p.calls.Add(1)) - 1
	if n < len(p.errs) && p.errs[n] != nil {
		return 0, p.errs[n]
	}
	return 3, nil
}

func TestPruneWithRetryRetriesBusy(t *testing.T) {
	t.Parallel()

	p := &scriptedPruner{errs: []error{errors.New("database is locked"), errors.New("SQLITE_BUSY")}}
	deleted, err := pruneWithRetry(context.Background(), p, 2)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if deleted != 3 || p.calls.Load() != 3 {
		t.Fatalf("expected 3 deleted after 3 calls, got deleted=%d calls=%d", deleted, p.calls.Load())
	}
}

func TestPruneWithRetryStopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	p := &scriptedPruner{errs: []error{errors.New("no such table")}}
	if _, err := pruneWithRetry(context.Background(), p, 2); err == nil {
		t.Fatal("expected error")
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", p.calls.Load())
	}
}

func TestStartPruneWorkerSweepsSQLite(t *testing.T) {
	t.Parallel()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	msgs := sampleConversation()
	for i := 1; i <= len(msgs); i++ {
		if err := s.Save(ctx, "t-1", msgs[:i]); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	StartPruneWorker(workerCtx, s, 1, time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist, err := s.History(ctx, "t-1", 100)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(hist) == 1 {
			if len(hist[0].Messages) != len(msgs) {
				t.Fatalf("expected newest checkpoint to survive, got %d messages", len(hist[0].Messages))
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for prune worker")
}
