package comms

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cart-inception/Yohan-Interface/internal/metrics"
	"github.com/cart-inception/Yohan-Interface/internal/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 300 * time.Second
)

// HeartbeatConfig controls probe cadence and the eviction threshold.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// ConnectionHealth is a diagnostic row for one live connection.
type ConnectionHealth struct {
	SessionID            string    `json:"sessionId"`
	UserID               string    `json:"userId"`
	ConnectedAt          time.Time `json:"connectedAt"`
	LastPing             time.Time `json:"lastPing"`
	TimeSincePingSeconds float64   `json:"timeSincePingSeconds"`
	PendingPong          bool      `json:"pendingPong"`
	Healthy              bool      `json:"healthy"`
}

// HeartbeatMonitor probes live connections and evicts those that stop answering.
type HeartbeatMonitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHeartbeatMonitor creates a stopped monitor over reg.
func NewHeartbeatMonitor(reg *Registry, cfg HeartbeatConfig, m *metrics.Metrics, logger *slog.Logger) *HeartbeatMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatMonitor{
		registry: reg,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      reg.now,
		logger:   logger,
		metrics:  m,
		pending:  make(map[string]time.Time),
	}
}

// Start launches the probe loop. Starting a running monitor is a no-op.
func (m *HeartbeatMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.logger.Warn("Heartbeat monitor already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)
	m.logger.Info("Heartbeat monitor started", "interval", m.interval, "timeout", m.timeout)
}

func (m *HeartbeatMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			m.logger.Info("Heartbeat monitor shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Stop halts the probe loop and waits for it to exit. The monitor may be started again.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the probe loop is active.
func (m *HeartbeatMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Sweep pings every live connection then evicts those whose last answer is
// older than the timeout.
func (m *HeartbeatMonitor) Sweep(ctx context.Context) {
	conns := m.registry.Snapshot()
	now := m.now()

	live := make(map[string]struct{}, len(conns))
	for _, c := range conns {
		live[c.SessionID] = struct{}{}
		if m.registry.SendToSession(ctx, c.SessionID, protocol.PingFrame(now)) {
			m.mu.Lock()
			m.pending[c.SessionID] = now
			m.mu.Unlock()
			m.metrics.PingSent()
		}
	}

	for _, c := range conns {
		info, ok := m.registry.Get(c.SessionID)
		if !ok {
			delete(live, c.SessionID)
			continue
		}
		if now.Sub(info.LastPingAnswer) <= m.timeout {
			continue
		}
		m.logger.Warn("Heartbeat timeout, evicting connection",
			"session_id", info.SessionID,
			"user_id", info.UserID,
			"last_answer", info.LastPingAnswer)
		if m.registry.Disconnect(c.SessionID, "heartbeat timeout") {
			m.metrics.HeartbeatEvicted()
		}
		delete(live, c.SessionID)
	}

	m.mu.Lock()
	for sid := range m.pending {
		if _, ok := live[sid]; !ok {
			delete(m.pending, sid)
		}
	}
	m.mu.Unlock()
}

// HandlePong clears the outstanding probe for sessionID and refreshes its liveness.
func (m *HeartbeatMonitor) HandlePong(sessionID string) {
	m.mu.Lock()
	delete(m.pending, sessionID)
	m.mu.Unlock()

	if m.registry.Touch(sessionID) {
		m.logger.Debug("Pong received", "session_id", sessionID)
	}
}

// Forget drops probe state for a session that has disconnected.
func (m *HeartbeatMonitor) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.pending, sessionID)
	m.mu.Unlock()
}

// Health reports per-connection liveness.
func (m *HeartbeatMonitor) Health() []ConnectionHealth {
	conns := m.registry.Snapshot()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnectionHealth, 0, len(conns))
	for _, c := range conns {
		since := now.Sub(c.LastPingAnswer)
		_, pending := m.pending[c.SessionID]
		out = append(out, ConnectionHealth{
			SessionID:            c.SessionID,
			UserID:               c.UserID,
			ConnectedAt:          c.ConnectedAt,
			LastPing:             c.LastPingAnswer,
			TimeSincePingSeconds: since.Seconds(),
			PendingPong:          pending,
			Healthy:              since <= m.timeout,
		})
	}
	return out
}
