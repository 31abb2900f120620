// Package api provides the JSON HTTP endpoints around the chat: thread
// listing and history, runtime configuration and health.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/graphchat/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	store store.CheckpointStore
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(st store.CheckpointStore) *Handler {
	return &Handler{store: st}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
