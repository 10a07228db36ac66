//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cart-inception/Yohan-Interface/internal/calendar"
	"github.com/cart-inception/Yohan-Interface/internal/comms"
	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/llm"
	"github.com/cart-inception/Yohan-Interface/internal/situation"
	"github.com/cart-inception/Yohan-Interface/internal/weather"
)

type fakeRepo struct {
	mu       sync.Mutex
	pingErr  error
	sessions map[string]*domain.ChatSession
	messages map[string][]*domain.ChatMessage
	limits   []int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions: make(map[string]*domain.ChatSession),
		messages: make(map[string][]*domain.ChatMessage),
	}
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) GetSession(_ context.Context, sessionID string) (*domain.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[sessionID]
	if s == nil {
		return nil, nil
	}
	copy := *s
	return &copy, nil
}

func (f *fakeRepo) ListUserSessions(_ context.Context, userID string, _ int) ([]*domain.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ChatSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) LoadRecentMessages(_ context.Context, sessionID string, count int) ([]*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, count)
	msgs := f.messages[sessionID]
	if len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	return msgs, nil
}

type fakeConns struct{}

func (fakeConns) Count() int     { return 3 }
func (fakeConns) UserCount() int { return 2 }

func (fakeConns) Health() []comms.ConnectionHealth {
	return []comms.ConnectionHealth{{SessionID: "s1", UserID: "u1", Healthy: true}}
}

type fakeGenerator struct {
	req llm.Request
	err error
}

func (g *fakeGenerator) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	g.req = req
	if g.err != nil {
		return nil, g.err
	}
	return &llm.Result{Content: "Sunny all day", Model: "m", Usage: llm.Usage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}}, nil
}

type fakeContext struct{}

func (fakeContext) Gather(context.Context) situation.Bundle {
	return situation.Bundle{CurrentTime: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), Location: "Des Moines, Iowa"}
}

type fakeWeather struct {
	coords *weather.Coordinates
	err    error
}

func (f *fakeWeather) FetchWeather(_ context.Context, c *weather.Coordinates) (*weather.Snapshot, error) {
	f.coords = c
	if f.err != nil {
		return nil, f.err
	}
	return &weather.Snapshot{Location: "Des Moines, Iowa", Current: weather.Current{Temp: 70}}, nil
}

type fakeCalendar struct {
	events []calendar.Event
	err    error
}

func (f *fakeCalendar) FetchEvents(context.Context) ([]calendar.Event, error) {
	return f.events, f.err
}

var testNow = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

func newTestRouter(deps Deps) (http.Handler, *Handler) {
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(deps)
	h.now = func() time.Time { return testNow }
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, h
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return w, got
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	r, _ := newTestRouter(Deps{Repo: repo, Connections: fakeConns{}})
	w, got := do(t, r, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK || got["status"] != "healthy" {
		t.Fatalf("got %d %v", w.Code, got)
	}
	if got["connections"].(float64) != 3 || got["users"].(float64) != 2 {
		t.Fatalf("counts missing: %v", got)
	}

	repo.pingErr = errors.New("disk I/O error")
	w, got = do(t, r, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusServiceUnavailable || got["status"] != "degraded" {
		t.Fatalf("got %d %v", w.Code, got)
	}
}

func TestChat(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{}
	r, _ := newTestRouter(Deps{Repo: newFakeRepo(), Generator: gen, Context: fakeContext{}})

	body := `{"message":" Will it rain? ","conversationId":"c1","conversationHistory":[
		{"role":"user","content":"hi"},{"role":"narrator","content":"dropped"},{"role":"assistant","content":"hello"}]}`
	w, got := do(t, r, http.MethodPost, "/api/chat", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", w.Code, got)
	}
	if got["message"] != "Sunny all day" || got["conversationId"] != "c1" || got["model"] != "m" {
		t.Fatalf("unexpected response %v", got)
	}
	if usage := got["usage"].(map[string]any); usage["totalTokens"].(float64) != 7 {
		t.Fatalf("usage = %v", usage)
	}

	if gen.req.Message != "Will it rain?" {
		t.Fatalf("Message = %q", gen.req.Message)
	}
	if len(gen.req.History) != 2 {
		t.Fatalf("History = %+v, want invalid roles dropped", gen.req.History)
	}
	if !strings.Contains(gen.req.Context, "Location: Des Moines, Iowa") {
		t.Fatalf("Context = %q", gen.req.Context)
	}
}

func TestChatErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		gen  Generator
		body string
		want int
	}{
		{"empty message", &fakeGenerator{}, `{"message":"   "}`, http.StatusBadRequest},
		{"bad json", &fakeGenerator{}, `{`, http.StatusBadRequest},
		{"generation failure", &fakeGenerator{err: &llm.Error{Kind: llm.KindConnection, Message: "down"}}, `{"message":"hi"}`, http.StatusInternalServerError},
		{"no generator", nil, `{"message":"hi"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newTestRouter(Deps{Repo: newFakeRepo(), Generator: tt.gen})
			w, got := do(t, r, http.MethodPost, "/api/chat", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%v)", w.Code, tt.want, got)
			}
			if got["error"] == "" {
				t.Fatal("error message missing")
			}
		})
	}
}

func TestWeather(t *testing.T) {
	t.Parallel()

	src := &fakeWeather{}
	r, _ := newTestRouter(Deps{Repo: newFakeRepo(), Weather: src})

	w, got := do(t, r, http.MethodGet, "/api/weather", "")
	if w.Code != http.StatusOK || got["location"] != "Des Moines, Iowa" || src.coords != nil {
		t.Fatalf("default lookup: %d %v %v", w.Code, got, src.coords)
	}

	w, _ = do(t, r, http.MethodGet, "/api/weather?lat=42.03&lon=-93.62", "")
	if w.Code != http.StatusOK || src.coords == nil || src.coords.Lat != 42.03 {
		t.Fatalf("custom lookup: %d %v", w.Code, src.coords)
	}

	w, _ = do(t, r, http.MethodGet, "/api/weather?lat=42.03", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("partial coordinates: status %d", w.Code)
	}

	src.err = errors.New("upstream 502")
	w, _ = do(t, r, http.MethodGet, "/api/weather", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("failure: status %d", w.Code)
	}
}

func TestCalendar(t *testing.T) {
	t.Parallel()

	src := &fakeCalendar{events: []calendar.Event{
		{Summary: "Later", Start: testNow.Add(3 * time.Hour), End: testNow.Add(4 * time.Hour)},
		{Summary: "Past", Start: testNow.Add(-3 * time.Hour), End: testNow.Add(-2 * time.Hour)},
		{Summary: "Soon", Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour)},
	}}
	r, _ := newTestRouter(Deps{Repo: newFakeRepo(), Calendar: src})

	w, got := do(t, r, http.MethodGet, "/api/calendar", "")
	if w.Code != http.StatusOK || got["count"].(float64) != 2 {
		t.Fatalf("got %d %v", w.Code, got)
	}
	events := got["events"].([]any)
	if events[0].(map[string]any)["summary"] != "Soon" {
		t.Fatalf("events not sorted: %v", events)
	}

	r, _ = newTestRouter(Deps{Repo: newFakeRepo()})
	if w, _ := do(t, r, http.MethodGet, "/api/calendar", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured calendar: status %d", w.Code)
	}
}

func TestSessionMessages(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.sessions["s1"] = &domain.ChatSession{SessionID: "s1", UserID: "u1", Active: true}
	for _, c := range []string{"a", "b", "c"} {
		repo.messages["s1"] = append(repo.messages["s1"], &domain.ChatMessage{SessionID: "s1", Role: domain.RoleUser, Content: c})
	}
	r, _ := newTestRouter(Deps{Repo: repo})

	w, got := do(t, r, http.MethodGet, "/api/sessions/s1/messages?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if msgs := got["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("messages = %v", msgs)
	}

	if w, _ := do(t, r, http.MethodGet, "/api/sessions/nope/messages", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing session: status %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodGet, "/api/sessions/s1/messages?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", w.Code)
	}

	do(t, r, http.MethodGet, "/api/sessions/s1/messages?limit=100000", "")
	if last := repo.limits[len(repo.limits)-1]; last != maxMessageLimit {
		t.Fatalf("limit = %d, want capped at %d", last, maxMessageLimit)
	}
}

func TestUserSessionsAndConnections(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.sessions["s1"] = &domain.ChatSession{SessionID: "s1", UserID: "u1", Active: true}
	r, _ := newTestRouter(Deps{Repo: repo, Connections: fakeConns{}, Heartbeat: fakeConns{}})

	_, got := do(t, r, http.MethodGet, "/api/users/u1/sessions", "")
	if sessions := got["sessions"].([]any); len(sessions) != 1 || got["userId"] != "u1" {
		t.Fatalf("got %v", got)
	}
	_, got = do(t, r, http.MethodGet, "/api/users/nobody/sessions", "")
	if sessions := got["sessions"].([]any); len(sessions) != 0 {
		t.Fatalf("got %v", got)
	}

	_, got = do(t, r, http.MethodGet, "/api/connections", "")
	if got["totalConnections"].(float64) != 3 || got["uniqueUsers"].(float64) != 2 {
		t.Fatalf("counts = %v", got)
	}
	if conns := got["connections"].([]any); len(conns) != 1 {
		t.Fatalf("connections = %v", conns)
	}
}
