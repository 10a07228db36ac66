// Package api provides HTTP handlers for the Yohan API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cart-inception/Yohan-Interface/internal/comms"
	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/llm"
	"github.com/cart-inception/Yohan-Interface/internal/situation"
)

// Repository is the read side of the session store used by the API.
type Repository interface {
	Ping(ctx context.Context) error
	GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error)
	ListUserSessions(ctx context.Context, userID string, limit int) ([]*domain.ChatSession, error)
	LoadRecentMessages(ctx context.Context, sessionID string, count int) ([]*domain.ChatMessage, error)
}

// Connections reports live connection counts.
type Connections interface {
	Count() int
	UserCount() int
}

// HealthReporter lists per-connection heartbeat health.
type HealthReporter interface {
	Health() []comms.ConnectionHealth
}

// ContextSource gathers situational context.
type ContextSource interface {
	Gather(ctx context.Context) situation.Bundle
}

// Generator produces assistant replies.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Deps are the collaborators behind the HTTP API. Weather, Calendar and
// Generator may be nil when not configured.
type Deps struct {
	Repo        Repository
	Connections Connections
	Heartbeat   HealthReporter
	Context     ContextSource
	Weather     situation.WeatherSource
	Calendar    situation.CalendarSource
	Generator   Generator
	Logger      *slog.Logger
}

// Handler serves the REST endpoints.
type Handler struct {
	repo        Repository
	conns       Connections
	heartbeat   HealthReporter
	context     ContextSource
	weather     situation.WeatherSource
	calendar    situation.CalendarSource
	generator   Generator
	logger      *slog.Logger
	now         func() time.Time
	pingTimeout time.Duration
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:        deps.Repo,
		conns:       deps.Connections,
		heartbeat:   deps.Heartbeat,
		context:     deps.Context,
		weather:     deps.Weather,
		calendar:    deps.Calendar,
		generator:   deps.Generator,
		logger:      logger,
		now:         time.Now,
		pingTimeout: 5 * time.Second,
	}
}

// RegisterRoutes registers the /api routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/chat", h.Chat)
		r.Get("/weather", h.Weather)
		r.Get("/calendar", h.Calendar)
		r.Get("/sessions/{sessionID}/messages", h.SessionMessages)
		r.Get("/users/{userID}/sessions", h.UserSessions)
		r.Get("/connections", h.ConnectionHealth)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
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
