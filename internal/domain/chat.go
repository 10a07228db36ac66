// Package domain contains core domain types for the Yohan backend.
package domain

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks messages typed by the person at the display.
	RoleUser Role = "user"
	// RoleAssistant marks generated replies, including recorded failures.
	RoleAssistant Role = "assistant"
	// RoleSystem marks one-time situational context injected on the first turn.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatSession is a durable conversation identity. It outlives any single connection.
type ChatSession struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Active    bool      `json:"active"`
}

// ChatMessage is one immutable turn of a session.
type ChatMessage struct {
	SessionID        string    `json:"sessionId"`
	MessageID        string    `json:"messageId"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	TokenCount       *int      `json:"tokenCount,omitempty"`
	ModelUsed        string    `json:"modelUsed,omitempty"`
	ProcessingTimeMs *int64    `json:"processingTimeMs,omitempty"`
	ContextData      string    `json:"contextData,omitempty"`
}

// MessageMeta carries the optional metadata recorded alongside a message.
type MessageMeta struct {
	TokenCount       *int
	ModelUsed        string
	ProcessingTimeMs *int64
	ContextData      string
}

// ConnectionEventType classifies a connection audit record.
type ConnectionEventType string

const (
	ConnectionEventConnect    ConnectionEventType = "connect"
	ConnectionEventDisconnect ConnectionEventType = "disconnect"
	ConnectionEventError      ConnectionEventType = "error"
)

// ConnectionEvent is a write-once audit record of a connection lifecycle step.
type ConnectionEvent struct {
	SessionID    string              `json:"sessionId"`
	UserID       string              `json:"userId"`
	EventType    ConnectionEventType `json:"eventType"`
	Timestamp    time.Time           `json:"timestamp"`
	IPAddress    string              `json:"ipAddress,omitempty"`
	UserAgent    string              `json:"userAgent,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
}

// DefaultSessionTitle returns the title given to sessions created at connect time.
func DefaultSessionTitle(now time.Time) string {
	return "Chat Session " + now.Format("2006-01-02 15:04")
}
