package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/graphchat/internal/domain"
	"github.com/ashureev/graphchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	saveMaxRetries = 3
	saveBaseDelay  = 100 * time.Millisecond
)

// SQLiteStore implements CheckpointStore using SQLite.
type SQLiteStore struct {
	db          *sql.DB
	retention   int
	threadLocks sync.Map // threadID -> *sync.Mutex
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetention keeps at most n checkpoints per thread. Zero keeps all of them.
func WithRetention(n int) Option {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// NewSQLite opens (or creates) a SQLite-backed checkpoint store.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets readers proceed while a checkpoint is being written.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id TEXT NOT NULL REFERENCES threads(thread_id),
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) threadLock(threadID string) *sync.Mutex {
	mu, _ := s.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Load returns the messages of the latest checkpoint for a thread.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) ([]domain.Message, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}

	query := `SELECT messages_json FROM checkpoints WHERE thread_id = ? ORDER BY id DESC LIMIT 1`
	var raw string
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []domain.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	var messages []domain.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode checkpoint for %s: %w", threadID, err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// Save writes a new checkpoint for a thread.
// Writes to the same thread are serialized; SQLITE_BUSY is retried with backoff.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, messages []domain.Message) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	title := (&domain.Thread{Messages: messages}).Title()

	mu := s.threadLock(threadID)
	mu.Lock()
	defer mu.Unlock()

	for i := 0; i < saveMaxRetries; i++ {
		err = s.saveOnce(ctx, threadID, title, string(data))
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == saveMaxRetries-1 {
			break
		}

		delay := saveBaseDelay * time.Duration(1<<i) // 100ms, 200ms
		slog.Debug("Checkpoint save hit SQLITE_BUSY, retrying",
			"thread_id", threadID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("save checkpoint for %s: %w", threadID, ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("save checkpoint for %s: %w", threadID, err)
}

func (s *SQLiteStore) saveOnce(ctx context.Context, threadID, title, messagesJSON string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back checkpoint save", "thread_id", threadID, "error", rbErr)
			}
		}
	}()

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (thread_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			title = CASE WHEN threads.title = '' THEN excluded.title ELSE threads.title END,
			updated_at = excluded.updated_at`,
		threadID, title, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, messages_json, created_at) VALUES (?, ?, ?)`,
		threadID, messagesJSON, now,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	if s.retention > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE thread_id = ? AND id NOT IN (
				SELECT id FROM checkpoints WHERE thread_id = ? ORDER BY id DESC LIMIT ?
			)`,
			threadID, threadID, s.retention,
		)
		if err != nil {
			return fmt.Errorf("trim checkpoints: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// ListThreads returns all known thread identifiers in lexical order.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM threads ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close thread rows", "error", closeErr)
		}
	}()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return ids, nil
}

// ListThreadSummaries returns thread metadata, most recently updated first.
func (s *SQLiteStore) ListThreadSummaries(ctx context.Context) ([]domain.ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, title, created_at, updated_at FROM threads ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, fmt.Errorf("query thread summaries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close thread summary rows", "error", closeErr)
		}
	}()

	summaries := []domain.ThreadSummary{}
	for rows.Next() {
		var sum domain.ThreadSummary
		var createdAt, updatedAt int64
		if err := rows.Scan(&sum.ThreadID, &sum.Title, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan thread summary: %w", err)
		}
		sum.CreatedAt = time.UnixMilli(createdAt)
		sum.UpdatedAt = time.UnixMilli(updatedAt)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread summaries: %w", err)
	}
	return summaries, nil
}

// History returns up to limit checkpoints of a thread, newest first.
func (s *SQLiteStore) History(ctx context.Context, threadID string, limit int) ([]domain.Checkpoint, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, messages_json, created_at FROM checkpoints
		WHERE thread_id = ? ORDER BY id DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoint history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close checkpoint history rows", "error", closeErr)
		}
	}()

	var history []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var raw string
		var createdAt int64
		if err := rows.Scan(&cp.ID, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &cp.Messages); err != nil {
			return nil, fmt.Errorf("decode checkpoint %d: %w", cp.ID, err)
		}
		cp.ThreadID = threadID
		cp.CreatedAt = time.UnixMilli(createdAt)
		history = append(history, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint history: %w", err)
	}
	return history, nil
}

// Prune deletes all but the newest keep checkpoints of every thread.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY thread_id ORDER BY id DESC) AS rn
				FROM checkpoints
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return result.RowsAffected()
}

var _ CheckpointStore = (*SQLiteStore)(nil)
