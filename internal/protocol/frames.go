package protocol

import (
	"encoding/json"
	"time"
)

// AckStatus is the delivery state reported for a client message.
type AckStatus string

const (
	AckReceived   AckStatus = "received"
	AckProcessing AckStatus = "processing"
	AckDelivered  AckStatus = "delivered"
	AckError      AckStatus = "error"
)

// Terminal reports whether no further acks may follow s.
func (s AckStatus) Terminal() bool {
	return s == AckDelivered || s == AckError
}

// StatusUpdatePayload reports connection status.
type StatusUpdatePayload struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Connections *int   `json:"connections,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// HistoryEntry is one replayed message.
type HistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ChatHistoryPayload replays prior messages of a resumed session.
type ChatHistoryPayload struct {
	Messages []HistoryEntry `json:"messages"`
}

// MessageAckPayload reports progress of a client message.
type MessageAckPayload struct {
	MessageID    string    `json:"messageId"`
	Status       AckStatus `json:"status"`
	Timestamp    string    `json:"timestamp"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Usage is token accounting for a generated reply.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// LLMResponsePayload carries a generated reply.
type LLMResponsePayload struct {
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
	ConversationID string `json:"conversationId,omitempty"`
	Usage          *Usage `json:"usage,omitempty"`
	Model          string `json:"model,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	InReplyTo      string `json:"inReplyTo,omitempty"`
}

// PingPayload carries a liveness probe timestamp.
type PingPayload struct {
	Timestamp json.RawMessage `json:"timestamp"`
}

// ErrorPayload describes a rejected frame or failed request.
type ErrorPayload struct {
	Error     string `json:"error"`
	ErrorType string `json:"errorType,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Timestamp formats t for the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// StatusUpdate builds a status_update frame.
func StatusUpdate(p StatusUpdatePayload) Frame {
	return Frame{EventType: EventStatusUpdate, Payload: p}
}

// ChatHistory builds a chat_history frame.
func ChatHistory(entries []HistoryEntry) Frame {
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return Frame{EventType: EventChatHistory, Payload: ChatHistoryPayload{Messages: entries}}
}

// MessageAck builds a message_ack frame.
func MessageAck(messageID string, status AckStatus, at time.Time, errMsg string) Frame {
	return Frame{EventType: EventMessageAck, Payload: MessageAckPayload{
		MessageID:    messageID,
		Status:       status,
		Timestamp:    Timestamp(at),
		ErrorMessage: errMsg,
	}}
}

// LLMResponse builds an llm_response frame.
func LLMResponse(p LLMResponsePayload) Frame {
	return Frame{EventType: EventLLMResponse, Payload: p}
}

// PingFrame builds a server-initiated ping.
func PingFrame(at time.Time) Frame {
	ts, _ := json.Marshal(Timestamp(at))
	return Frame{EventType: EventPing, Payload: PingPayload{Timestamp: ts}}
}

// PongFrame answers a client ping, echoing its timestamp.
func PongFrame(echo json.RawMessage) Frame {
	if len(echo) == 0 {
		echo = json.RawMessage("null")
	}
	return Frame{EventType: EventPong, Payload: PingPayload{Timestamp: echo}}
}

// ErrorFrame builds an error frame.
func ErrorFrame(msg, errorType string, at time.Time) Frame {
	return Frame{EventType: EventError, Payload: ErrorPayload{
		Error:     msg,
		ErrorType: errorType,
		Timestamp: Timestamp(at),
	}}
}
