// Package comms manages live client connections: the connection registry,
// the heartbeat monitor and the WebSocket endpoint.
package comms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cart-inception/Yohan-Interface/internal/identity"
	"github.com/cart-inception/Yohan-Interface/internal/metrics"
	"github.com/cart-inception/Yohan-Interface/internal/protocol"
)

// Transport is a bidirectional message channel to one client. Close may
// block until the peer answers the close handshake.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// ConnectionInfo is a point-in-time view of a live connection.
type ConnectionInfo struct {
	SessionID      string
	UserID         string
	ConnectedAt    time.Time
	LastPingAnswer time.Time
}

type connection struct {
	info      ConnectionInfo
	transport Transport
}

// Registry tracks live connections indexed by session and by user.
type Registry struct {
	mu          sync.RWMutex
	bySession   map[string]*connection
	byUser      map[string]map[string]*connection
	byTransport map[Transport]*connection

	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithMetrics records connection gauges on m.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithIDGenerator overrides session ID allocation.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		bySession:   make(map[string]*connection),
		byUser:      make(map[string]map[string]*connection),
		byTransport: make(map[Transport]*connection),
		now:         time.Now,
		newID:       identity.NewSessionID,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers t under a freshly allocated session ID and returns it.
func (r *Registry) Connect(t Transport, userID string) string {
	return r.Resume(t, userID, "")
}

// Resume registers t under sessionID, allocating a new ID when sessionID is
// empty. A live connection already holding sessionID is replaced and closed.
func (r *Registry) Resume(t Transport, userID, sessionID string) string {
	if userID == "" {
		userID = identity.DefaultUserID
	}

	r.mu.Lock()
	if sessionID == "" {
		sessionID = r.newID()
		for r.bySession[sessionID] != nil {
			sessionID = r.newID()
		}
	}

	replaced := r.bySession[sessionID]
	if replaced != nil {
		r.removeLocked(replaced)
	}

	now := r.now()
	conn := &connection{
		info: ConnectionInfo{
			SessionID:      sessionID,
			UserID:         userID,
			ConnectedAt:    now,
			LastPingAnswer: now,
		},
		transport: t,
	}
	r.bySession[sessionID] = conn
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]*connection)
	}
	r.byUser[userID][sessionID] = conn
	r.byTransport[t] = conn
	count, users := len(r.bySession), len(r.byUser)
	r.mu.Unlock()

	if replaced != nil && replaced.transport != t {
		r.closeTransport(replaced, "session replaced")
	}

	r.metrics.SetConnections(count, users)
	r.logger.Info("Connection registered", "user_id", userID, "session_id", sessionID, "connections", count)
	return sessionID
}

// removeLocked drops conn from every index. The caller holds r.mu.
func (r *Registry) removeLocked(conn *connection) {
	delete(r.bySession, conn.info.SessionID)
	delete(r.byTransport, conn.transport)
	if sessions, ok := r.byUser[conn.info.UserID]; ok {
		delete(sessions, conn.info.SessionID)
		if len(sessions) == 0 {
			delete(r.byUser, conn.info.UserID)
		}
	}
}

// remove drops conn if it is still the registered connection for its session
// and closes its transport. It reports whether anything was removed.
func (r *Registry) remove(conn *connection, reason string) bool {
	r.mu.Lock()
	if r.bySession[conn.info.SessionID] != conn {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(conn)
	count, users := len(r.bySession), len(r.byUser)
	r.mu.Unlock()

	r.closeTransport(conn, reason)
	r.metrics.SetConnections(count, users)
	r.logger.Info("Connection removed",
		"user_id", conn.info.UserID,
		"session_id", conn.info.SessionID,
		"reason", reason,
		"connections", count)
	return true
}

// closeTransport closes conn in the background so that an unresponsive peer
// stalls neither the heartbeat sweep nor a reconnecting client.
func (r *Registry) closeTransport(conn *connection, reason string) {
	sessionID, t := conn.info.SessionID, conn.transport
	go func() {
		if err := t.Close(reason); err != nil {
			r.logger.Debug("Transport close failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Disconnect removes the connection for sessionID, closing its transport with reason.
// Unknown sessions are a no-op.
func (r *Registry) Disconnect(sessionID, reason string) bool {
	r.mu.RLock()
	conn := r.bySession[sessionID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	return r.remove(conn, reason)
}

// DisconnectBySession removes the connection for sessionID.
func (r *Registry) DisconnectBySession(sessionID string) bool {
	return r.Disconnect(sessionID, "disconnected")
}

// DisconnectByTransport removes the connection bound to t.
func (r *Registry) DisconnectByTransport(t Transport) bool {
	r.mu.RLock()
	conn := r.byTransport[t]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	return r.remove(conn, "disconnected")
}

// SendToSession delivers f to one session. A transport failure removes the
// connection and reports false.
func (r *Registry) SendToSession(ctx context.Context, sessionID string, f protocol.Frame) bool {
	data, err := protocol.Encode(f)
	if err != nil {
		r.logger.Error("Failed to encode frame", "event_type", f.EventType, "error", err)
		return false
	}

	r.mu.RLock()
	conn := r.bySession[sessionID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	return r.deliver(ctx, conn, f.EventType, data)
}

// SendToUser delivers f to every connection of userID and returns the number delivered.
func (r *Registry) SendToUser(ctx context.Context, userID string, f protocol.Frame) int {
	r.mu.RLock()
	sessions := r.byUser[userID]
	conns := make([]*connection, 0, len(sessions))
	for _, c := range sessions {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return r.fanOut(ctx, conns, f)
}

// Broadcast delivers f to every live connection and returns the number delivered.
func (r *Registry) Broadcast(ctx context.Context, f protocol.Frame) int {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.bySession))
	for _, c := range r.bySession {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return r.fanOut(ctx, conns, f)
}

func (r *Registry) fanOut(ctx context.Context, conns []*connection, f protocol.Frame) int {
	if len(conns) == 0 {
		return 0
	}
	data, err := protocol.Encode(f)
	if err != nil {
		r.logger.Error("Failed to encode frame", "event_type", f.EventType, "error", err)
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if r.deliver(ctx, c, f.EventType, data) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) deliver(ctx context.Context, conn *connection, et protocol.EventType, data []byte) bool {
	if err := conn.transport.Send(ctx, data); err != nil {
		r.logger.Warn("Send failed, dropping connection",
			"session_id", conn.info.SessionID,
			"event_type", et,
			"error", err)
		r.remove(conn, "send failed")
		return false
	}
	return true
}

// Touch records a liveness answer for sessionID. Unknown sessions are ignored.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn := r.bySession[sessionID]
	if conn == nil {
		return false
	}
	conn.info.LastPingAnswer = r.now()
	return true
}

// Get returns the connection info for sessionID.
func (r *Registry) Get(sessionID string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn := r.bySession[sessionID]
	if conn == nil {
		return ConnectionInfo{}, false
	}
	return conn.info, true
}

// Snapshot returns the info of every live connection.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(r.bySession))
	for _, c := range r.bySession {
		out = append(out, c.info)
	}
	return out
}

// UserSessions returns the live session IDs of userID.
func (r *Registry) UserSessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser[userID]))
	for sid := range r.byUser[userID] {
		out = append(out, sid)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// UserCount returns the number of users with at least one live connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// CloseAll closes every live connection, used at shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.bySession))
	for _, c := range r.bySession {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		r.remove(c, reason)
	}
}
