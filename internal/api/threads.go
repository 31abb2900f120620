package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/graphchat/internal/domain"
	"github.com/ashureev/graphchat/internal/identity"
	"github.com/go-chi/chi/v5"
)

const maxHistoryLimit = 100

// RuntimeInfo is what the UI needs to know about the running assistant.
type RuntimeInfo struct {
	Model           string   `json:"model"`
	ModelConfigured bool     `json:"model_configured"`
	Tools           []string `json:"tools"`
	MaxModelTurns   int      `json:"max_model_turns"`
}

// checkpointHistory is implemented by stores that keep older snapshots.
type checkpointHistory interface {
	History(ctx context.Context, threadID string, limit int) ([]domain.Checkpoint, error)
}

// ThreadHandler handles thread endpoints.
type ThreadHandler struct {
	*Handler
	info RuntimeInfo
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(base *Handler, info RuntimeInfo) *ThreadHandler {
	if info.Tools == nil {
		info.Tools = []string{}
	}
	return &ThreadHandler{Handler: base, info: info}
}

// RegisterRoutes registers thread routes.
func (h *ThreadHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/config", h.GetConfig)
	r.Get("/api/threads", h.ListThreads)
	r.Post("/api/threads", h.CreateThread)
	r.Get("/api/threads/{threadID}/messages", h.GetMessages)
	r.Get("/api/threads/{threadID}/checkpoints", h.GetCheckpoints)
}

// GetConfig returns the runtime configuration for the frontend.
func (h *ThreadHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.info)
}

// ListThreads returns every stored thread, most recently updated first.
func (h *ThreadHandler) ListThreads(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.ListThreadSummaries(r.Context())
	if err != nil {
		slog.Error("Failed to list threads", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if summaries == nil {
		summaries = []domain.ThreadSummary{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"threads": summaries})
}

// CreateThread allocates a fresh thread id. The thread is persisted by its first turn.
func (h *ThreadHandler) CreateThread(w http.ResponseWriter, r *http.Request) {
	threadID := domain.NewThreadID()
	slog.Info("Thread created", "thread_id", threadID, "client_id", identity.ClientIDFromContext(r.Context()))
	JSON(w, http.StatusCreated, map[string]string{"thread_id": threadID})
}

// GetMessages returns the latest checkpointed messages of a thread. Unknown
// threads have no messages.
func (h *ThreadHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	threadID := identity.SanitizeThreadID(chi.URLParam(r, "threadID"))
	if threadID == "" {
		Error(w, http.StatusBadRequest, "invalid thread id")
		return
	}

	msgs, err := h.store.Load(r.Context(), threadID)
	if err != nil {
		slog.Error("Failed to load thread", "error", err, "thread_id", threadID)
		Error(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": threadID,
		"messages":  msgs,
	})
}

// GetCheckpoints returns older snapshots of a thread, newest first.
func (h *ThreadHandler) GetCheckpoints(w http.ResponseWriter, r *http.Request) {
	threadID := identity.SanitizeThreadID(chi.URLParam(r, "threadID"))
	if threadID == "" {
		Error(w, http.StatusBadRequest, "invalid thread id")
		return
	}
	hist, ok := h.store.(checkpointHistory)
	if !ok {
		Error(w, http.StatusNotImplemented, "checkpoint history is not available")
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	checkpoints, err := hist.History(r.Context(), threadID, limit)
	if err != nil {
		slog.Error("Failed to load checkpoint history", "error", err, "thread_id", threadID)
		Error(w, http.StatusInternalServerError, "failed to load checkpoint history")
		return
	}
	if checkpoints == nil {
		checkpoints = []domain.Checkpoint{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"thread_id":   threadID,
		"checkpoints": checkpoints,
	})
}
