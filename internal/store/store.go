// Package store provides checkpoint persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/graphchat/internal/domain"
)

// ErrEmptyThreadID is returned when a thread identifier is blank.
var ErrEmptyThreadID = errors.New("thread id is required")

// CheckpointStore persists the latest message history of each thread.
type CheckpointStore interface {
	// Load returns the latest stored messages for a thread, in the form
	// domain.CloneMessages produces. Unknown threads yield an empty sequence
	// and no error.
	Load(ctx context.Context, threadID string) ([]domain.Message, error)

	// Save atomically replaces the stored messages of a thread.
	// Once Save returns, the sequence survives a process restart.
	Save(ctx context.Context, threadID string, messages []domain.Message) error

	// ListThreads returns every thread identifier that has ever been saved.
	ListThreads(ctx context.Context) ([]string, error)

	// ListThreadSummaries returns thread metadata, most recently updated first.
	ListThreadSummaries(ctx context.Context) ([]domain.ThreadSummary, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
