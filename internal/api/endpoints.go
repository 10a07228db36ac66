package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cart-inception/Yohan-Interface/internal/calendar"
	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/identity"
	"github.com/cart-inception/Yohan-Interface/internal/llm"
	"github.com/cart-inception/Yohan-Interface/internal/protocol"
	"github.com/cart-inception/Yohan-Interface/internal/situation"
	"github.com/cart-inception/Yohan-Interface/internal/weather"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	userSessionLimit    = 50
	maxChatBody         = 1 << 20
)

type historyTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Message             string        `json:"message"`
	ConversationID      string        `json:"conversationId,omitempty"`
	ConversationHistory []historyTurn `json:"conversationHistory,omitempty"`
}

type chatResponse struct {
	Message        string     `json:"message"`
	Timestamp      string     `json:"timestamp"`
	ConversationID string     `json:"conversationId,omitempty"`
	Usage          *llm.Usage `json:"usage,omitempty"`
	Model          string     `json:"model,omitempty"`
}

// Chat answers a single stateless query. Context is rendered fresh for every
// request and offered to the generator directly.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	q := protocol.LLMQuery{Message: req.Message, ConversationID: req.ConversationID}
	if err := protocol.ValidateQuery(&q); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.generator == nil {
		Error(w, http.StatusServiceUnavailable, "generation backend not configured")
		return
	}

	history := make([]llm.Turn, 0, len(req.ConversationHistory))
	for _, t := range req.ConversationHistory {
		role := domain.Role(t.Role)
		if !role.Valid() || t.Content == "" {
			continue
		}
		history = append(history, llm.Turn{Role: role, Content: t.Content})
	}

	genReq := llm.Request{Message: q.Message, History: history}
	if h.context != nil {
		genReq.Context = situation.Render(h.context.Gather(r.Context()))
	}

	res, err := h.generator.Generate(r.Context(), genReq)
	if err != nil {
		h.logger.Error("Chat generation failed", "kind", llm.KindOf(err), "error", err)
		Error(w, http.StatusInternalServerError, "failed to generate response")
		return
	}

	usage := res.Usage
	JSON(w, http.StatusOK, chatResponse{
		Message:        res.Content,
		Timestamp:      protocol.Timestamp(h.now()),
		ConversationID: q.ConversationID,
		Usage:          &usage,
		Model:          res.Model,
	})
}

// Weather returns a weather snapshot for the default location, or for the
// lat/lon query parameters when both are given.
func (h *Handler) Weather(w http.ResponseWriter, r *http.Request) {
	if h.weather == nil {
		Error(w, http.StatusServiceUnavailable, "weather not configured")
		return
	}

	var coords *weather.Coordinates
	latStr, lonStr := r.URL.Query().Get("lat"), r.URL.Query().Get("lon")
	if latStr != "" || lonStr != "" {
		lat, errLat := strconv.ParseFloat(latStr, 64)
		lon, errLon := strconv.ParseFloat(lonStr, 64)
		if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			Error(w, http.StatusBadRequest, "lat and lon must both be valid coordinates")
			return
		}
		coords = &weather.Coordinates{Lat: lat, Lon: lon}
	}

	snap, err := h.weather.FetchWeather(r.Context(), coords)
	if err != nil {
		h.logger.Error("Weather fetch failed", "error", err)
		if errors.Is(err, weather.ErrNotConfigured) {
			Error(w, http.StatusServiceUnavailable, "weather not configured")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to fetch weather")
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Calendar returns upcoming events sorted by start time.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	if h.calendar == nil {
		Error(w, http.StatusServiceUnavailable, "calendar not configured")
		return
	}
	events, err := h.calendar.FetchEvents(r.Context())
	if err != nil {
		h.logger.Error("Calendar fetch failed", "error", err)
		if errors.Is(err, calendar.ErrNotConfigured) {
			Error(w, http.StatusServiceUnavailable, "calendar not configured")
			return
		}
		Error(w, http.StatusInternalServerError, "failed to fetch calendar")
		return
	}

	upcoming := calendar.Upcoming(events, h.now(), situation.MaxCalendarEntries)
	JSON(w, http.StatusOK, map[string]any{
		"events": upcoming,
		"count":  len(upcoming),
	})
}

// SessionMessages returns the most recent stored messages of a session.
func (h *Handler) SessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SanitizeSessionID(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	msgs, err := h.repo.LoadRecentMessages(r.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("Failed to load messages", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": msgs,
	})
}

// UserSessions lists a user's active sessions, most recently updated first.
func (h *Handler) UserSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.SanitizeUserID(chi.URLParam(r, "userID"))
	sessions, err := h.repo.ListUserSessions(r.Context(), userID, userSessionLimit)
	if err != nil {
		h.logger.Error("Failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.ChatSession{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"userId":   userID,
		"sessions": sessions,
	})
}
