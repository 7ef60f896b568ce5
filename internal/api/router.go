package api

import (
	"collab-core/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func SetupRoutes(h *Handler, logger zerolog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	// Learning: Middleware runs in order - tracing first, then recovery, then CORS
	r.Use(middleware.Tracing(logger))  // Add tracing spans to all requests
	r.Use(middleware.Recovery(logger)) // Catch panics
	r.Use(middleware.CORSMiddleware)   // Handle CORS

	// API routes
	api := r.PathPrefix("/api").Subrouter()

	// Session endpoints
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.EndSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/pause", h.PauseSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/resume", h.ResumeSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", h.GetEvents).Methods("GET")
	api.HandleFunc("/sessions/{id}/presence", h.GetPresence).Methods("GET")

	// Participant endpoints
	api.HandleFunc("/sessions/{id}/participants", h.JoinSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/participants/{userId}", h.LeaveSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/participants/{userId}/role", h.ChangeRole).Methods("PUT")

	// Lock endpoints
	api.HandleFunc("/sessions/{id}/locks", h.AcquireLock).Methods("POST")
	api.HandleFunc("/sessions/{id}/locks/{resourceId}", h.GetLocks).Methods("GET")
	api.HandleFunc("/sessions/{id}/locks/{resourceId}", h.ReleaseLock).Methods("DELETE")

	// Stats and health check endpoints
	api.HandleFunc("/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/health", h.Health).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/sessions/{id}", h.HandleSessionWebSocket)

	return r
}
