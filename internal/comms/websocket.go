package comms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/cart-inception/Yohan-Interface/internal/identity"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// Session identifies the connection a frame arrived on.
type Session struct {
	SessionID string
	UserID    string
	RemoteIP  string
	UserAgent string

	// ConnID tells apart successive connections holding the same session.
	ConnID uint64
}

// SessionHandler reacts to connection lifecycle and inbound frames.
// HandleFrame calls for one session are sequential.
type SessionHandler interface {
	OnConnect(ctx context.Context, s Session)
	HandleFrame(ctx context.Context, s Session, data []byte)
	OnDisconnect(ctx context.Context, s Session, cause error)
}

// wsTransport adapts a websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// Handler upgrades HTTP requests to WebSocket connections and runs their read loop.
type Handler struct {
	registry      *Registry
	monitor       *HeartbeatMonitor
	sessions      SessionHandler
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger

	connSeq atomic.Uint64
}

// NewHandler creates a WebSocket endpoint handler.
func NewHandler(reg *Registry, monitor *HeartbeatMonitor, sessions SessionHandler, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:      reg,
		monitor:       monitor,
		sessions:      sessions,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromRequest(r)
	requested := identity.SessionIDFromRequest(r)
	h.logger.Info("WebSocket connection request", "user_id", userID, "session_id", requested, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(readLimit)

	transport := &wsTransport{conn: ws}
	sess := Session{
		UserID:    userID,
		RemoteIP:  identity.IPFromRequest(r),
		UserAgent: r.UserAgent(),
		ConnID:    h.connSeq.Add(1),
	}
	sess.SessionID = h.registry.Resume(transport, userID, requested)

	// Generation and persistence must outlive the request.
	ctx := context.WithoutCancel(r.Context())

	h.sessions.OnConnect(ctx, sess)
	cause := h.readLoop(r.Context(), ws, sess)

	// A connection that was replaced no longer owns the session's probe state.
	if h.registry.DisconnectByTransport(transport) && h.monitor != nil {
		h.monitor.Forget(sess.SessionID)
	}
	h.sessions.OnDisconnect(ctx, sess, cause)
	h.logger.Info("WebSocket session ended", "user_id", userID, "session_id", sess.SessionID)
}

// readLoop feeds frames to the session handler until the transport fails.
// It returns nil for an orderly close.
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sess Session) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "session_id", sess.SessionID)
				return nil
			}
			h.logger.Warn("WebSocket read error", "error", err, "session_id", sess.SessionID)
			return err
		}
		h.sessions.HandleFrame(ctx, sess, data)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || h.allowedOrigin == "" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
