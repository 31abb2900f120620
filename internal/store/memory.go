package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/graphchat/internal/domain"
)

type memoryThread struct {
	messages  []domain.Message
	title     string
	createdAt time.Time
	updatedAt time.Time
}

// MemoryStore keeps checkpoints in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*memoryThread
}

// NewMemory creates an empty in-memory checkpoint store.
func NewMemory() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*memoryThread)}
}

// Load returns a copy of the stored messages.
func (s *MemoryStore) Load(_ context.Context, threadID string) ([]domain.Message, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[threadID]
	if !ok {
		return []domain.Message{}, nil
	}
	return domain.CloneMessages(th.messages), nil
}

// Save replaces the stored messages with a copy of messages.
func (s *MemoryStore) Save(ctx context.Context, threadID string, messages []domain.Message) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := domain.CloneMessages(messages)
	if snapshot == nil {
		snapshot = []domain.Message{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	th, ok := s.threads[threadID]
	if !ok {
		th = &memoryThread{createdAt: now}
		s.threads[threadID] = th
	}
	th.messages = snapshot
	th.updatedAt = now
	if th.title == "" {
		th.title = (&domain.Thread{Messages: snapshot}).Title()
	}
	return nil
}

// ListThreads returns known thread ids in lexical order.
func (s *MemoryStore) ListThreads(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListThreadSummaries returns thread metadata, most recently updated first.
func (s *MemoryStore) ListThreadSummaries(_ context.Context) ([]domain.ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ThreadSummary, 0, len(s.threads))
	for id, th := range s.threads {
		out = append(out, domain.ThreadSummary{
			ThreadID:  id,
			Title:     th.title,
			CreatedAt: th.createdAt,
			UpdatedAt: th.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ThreadID < out[j].ThreadID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ CheckpointStore = (*MemoryStore)(nil)
