// Package chat runs the per-connection message pipeline: frame dispatch,
// the query lifecycle with acknowledgements, and session bookkeeping.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cart-inception/Yohan-Interface/internal/comms"
	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/llm"
	"github.com/cart-inception/Yohan-Interface/internal/metrics"
	"github.com/cart-inception/Yohan-Interface/internal/protocol"
	"github.com/cart-inception/Yohan-Interface/internal/situation"
)

const (
	DefaultHistoryWindow = 20
	DefaultFrameRate     = 20
	DefaultFrameBurst    = 40
)

// Outbound delivers frames to live sessions.
type Outbound interface {
	SendToSession(ctx context.Context, sessionID string, f protocol.Frame) bool
	Touch(sessionID string) bool
	Count() int
}

// PongHandler receives heartbeat answers.
type PongHandler interface {
	HandlePong(sessionID string)
}

// Store is the persistence the pipeline needs.
type Store interface {
	CreateSession(ctx context.Context, session *domain.ChatSession) error
	AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string, meta *domain.MessageMeta) (*domain.ChatMessage, error)
	LoadRecentMessages(ctx context.Context, sessionID string, count int) ([]*domain.ChatMessage, error)
	LoadSystemMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	LogConnectionEvent(ctx context.Context, event *domain.ConnectionEvent) error
}

// ContextSource produces situational context.
type ContextSource interface {
	Gather(ctx context.Context) situation.Bundle
}

// Generator produces assistant replies.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Config tunes a Pipeline.
type Config struct {
	HistoryWindow int
	FrameRate     float64
	FrameBurst    int
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Outbound  Outbound
	Heartbeat PongHandler
	Store     Store
	Context   ContextSource
	Generator Generator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type handlerFunc func(ctx context.Context, s comms.Session, msg protocol.Message)

// Pipeline implements comms.SessionHandler.
type Pipeline struct {
	out       Outbound
	heartbeat PongHandler
	store     Store
	context   ContextSource
	generator Generator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	handlers map[protocol.EventType]handlerFunc

	limMu    sync.Mutex
	limiters map[string]connLimiter
}

// connLimiter is the frame throttle of one connection of a session.
type connLimiter struct {
	connID uint64
	lim    *rate.Limiter
}

var _ comms.SessionHandler = (*Pipeline)(nil)

// NewPipeline wires a pipeline.
func NewPipeline(deps Deps, cfg Config) *Pipeline {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = DefaultFrameBurst
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		out:       deps.Outbound,
		heartbeat: deps.Heartbeat,
		store:     deps.Store,
		context:   deps.Context,
		generator: deps.Generator,
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		limiters:  make(map[string]connLimiter),
	}
	p.handlers = map[protocol.EventType]handlerFunc{
		protocol.EventPing:          p.handlePing,
		protocol.EventPong:          p.handlePong,
		protocol.EventStatusRequest: p.handleStatusRequest,
		protocol.EventLLMQuery:      p.handleQuery,
	}
	return p
}

// OnConnect records the session and greets the client, replaying history
// when the session already has messages.
func (p *Pipeline) OnConnect(ctx context.Context, s comms.Session) {
	now := p.now()

	p.limMu.Lock()
	p.limiters[s.SessionID] = connLimiter{
		connID: s.ConnID,
		lim:    rate.NewLimiter(rate.Limit(p.cfg.FrameRate), p.cfg.FrameBurst),
	}
	p.limMu.Unlock()

	if err := p.store.CreateSession(ctx, &domain.ChatSession{
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Title:     domain.DefaultSessionTitle(now),
		CreatedAt: now,
		UpdatedAt: now,
		Active:    true,
	}); err != nil {
		p.logger.Warn("Failed to record chat session", "session_id", s.SessionID, "error", err)
	}
	p.logEvent(ctx, s, domain.ConnectionEventConnect, "")

	p.send(ctx, s, protocol.StatusUpdate(protocol.StatusUpdatePayload{
		Status:    "idle",
		Message:   "Connected to Yohan backend",
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Timestamp: protocol.Timestamp(now),
	}))

	history, err := p.store.LoadRecentMessages(ctx, s.SessionID, p.cfg.HistoryWindow)
	if err != nil {
		p.logger.Warn("Failed to load chat history", "session_id", s.SessionID, "error", err)
		return
	}
	if len(history) == 0 {
		return
	}
	entries := make([]protocol.HistoryEntry, 0, len(history))
	for _, m := range history {
		entries = append(entries, protocol.HistoryEntry{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: protocol.Timestamp(m.Timestamp),
		})
	}
	p.send(ctx, s, protocol.ChatHistory(entries))
}

// OnDisconnect records the end of a connection. The throttle is released only
// if no newer connection has taken over the session.
func (p *Pipeline) OnDisconnect(ctx context.Context, s comms.Session, cause error) {
	p.limMu.Lock()
	if cur, ok := p.limiters[s.SessionID]; ok && cur.connID == s.ConnID {
		delete(p.limiters, s.SessionID)
	}
	p.limMu.Unlock()

	if cause != nil {
		p.logEvent(ctx, s, domain.ConnectionEventError, cause.Error())
	}
	p.logEvent(ctx, s, domain.ConnectionEventDisconnect, "")
}

// HandleFrame decodes one inbound frame and dispatches it. Malformed frames
// are answered with an error frame; the connection stays open.
func (p *Pipeline) HandleFrame(ctx context.Context, s comms.Session, data []byte) {
	if !p.allowFrame(s.SessionID) {
		p.sendError(ctx, s, "Too many messages, slow down", protocol.ErrorTypeRateLimited)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		p.logger.Debug("Rejected frame", "session_id", s.SessionID, "error", err)
		p.sendError(ctx, s, fmt.Sprintf("Invalid message: %v", err), protocol.ErrorTypeFor(err))
		return
	}
	p.metrics.FrameReceived(string(msg.Type()))

	h, ok := p.handlers[msg.Type()]
	if !ok {
		p.sendError(ctx, s, fmt.Sprintf("Unknown message type: %s", msg.Type()), protocol.ErrorTypeUnknownMessageType)
		return
	}
	h(ctx, s, msg)
}

func (p *Pipeline) allowFrame(sessionID string) bool {
	p.limMu.Lock()
	cur, ok := p.limiters[sessionID]
	p.limMu.Unlock()
	if !ok {
		return true
	}
	return cur.lim.Allow()
}

func (p *Pipeline) handlePing(ctx context.Context, s comms.Session, msg protocol.Message) {
	ping, _ := msg.(protocol.Ping)
	p.out.Touch(s.SessionID)
	p.send(ctx, s, protocol.PongFrame(ping.Timestamp))
}

func (p *Pipeline) handlePong(_ context.Context, s comms.Session, _ protocol.Message) {
	if p.heartbeat != nil {
		p.heartbeat.HandlePong(s.SessionID)
		return
	}
	p.out.Touch(s.SessionID)
}

func (p *Pipeline) handleStatusRequest(ctx context.Context, s comms.Session, _ protocol.Message) {
	count := p.out.Count()
	p.send(ctx, s, protocol.StatusUpdate(protocol.StatusUpdatePayload{
		Status:      "connected",
		SessionID:   s.SessionID,
		UserID:      s.UserID,
		Connections: &count,
		Timestamp:   protocol.Timestamp(p.now()),
	}))
}

func (p *Pipeline) send(ctx context.Context, s comms.Session, f protocol.Frame) {
	if !p.out.SendToSession(ctx, s.SessionID, f) {
		p.logger.Debug("Frame not delivered", "session_id", s.SessionID, "event_type", f.EventType)
	}
}

func (p *Pipeline) sendError(ctx context.Context, s comms.Session, msg, errorType string) {
	p.send(ctx, s, protocol.ErrorFrame(msg, errorType, p.now()))
}

func (p *Pipeline) logEvent(ctx context.Context, s comms.Session, kind domain.ConnectionEventType, errMsg string) {
	err := p.store.LogConnectionEvent(ctx, &domain.ConnectionEvent{
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		EventType:    kind,
		Timestamp:    p.now(),
		IPAddress:    s.RemoteIP,
		UserAgent:    s.UserAgent,
		ErrorMessage: errMsg,
	})
	if err != nil {
		p.logger.Warn("Failed to log connection event", "session_id", s.SessionID, "event_type", kind, "error", err)
	}
}
