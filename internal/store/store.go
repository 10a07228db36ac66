// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cart-inception/Yohan-Interface/internal/domain"
)

// ErrInvalidRole is returned when a message is appended with an unknown role.
var ErrInvalidRole = errors.New("invalid message role")

// Repository defines the interface for persisting chat sessions, messages and
// connection audit records.
type Repository interface {
	// CreateSession records a session. Creating an existing session is a no-op.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// GetSession retrieves a session by ID. It returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error)

	// ListUserSessions returns active sessions for a user, most recently updated first.
	ListUserSessions(ctx context.Context, userID string, limit int) ([]*domain.ChatSession, error)

	// AppendMessage durably records one message and bumps the session's updated_at.
	AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string, meta *domain.MessageMeta) (*domain.ChatMessage, error)

	// LoadRecentMessages returns the last count messages of a session in chronological order.
	LoadRecentMessages(ctx context.Context, sessionID string, count int) ([]*domain.ChatMessage, error)

	// LoadSystemMessages returns the session context messages of a session in chronological order.
	LoadSystemMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error)

	// CountMessages returns the number of messages recorded for a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// LogConnectionEvent appends a connection audit record.
	LogConnectionEvent(ctx context.Context, event *domain.ConnectionEvent) error

	// ListConnectionEvents returns the audit trail of a session, oldest first.
	ListConnectionEvents(ctx context.Context, sessionID string) ([]*domain.ConnectionEvent, error)

	// DeactivateIdleSessions marks sessions without activity for longer than ttl as inactive.
	DeactivateIdleSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
