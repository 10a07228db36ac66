// Package protocol defines the WebSocket wire envelope and the typed payloads
// carried for each event type.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType tags a frame.
type EventType string

const (
	EventStatusUpdate  EventType = "status_update"
	EventChatHistory   EventType = "chat_history"
	EventLLMQuery      EventType = "llm_query"
	EventMessageAck    EventType = "message_ack"
	EventLLMResponse   EventType = "llm_response"
	EventPing          EventType = "ping"
	EventPong          EventType = "pong"
	EventStatusRequest EventType = "status_request"
	EventError         EventType = "error"
)

// Error type tags carried in error frames.
const (
	ErrorTypeInvalidFormat      = "invalid_format"
	ErrorTypeInvalidJSON        = "invalid_json"
	ErrorTypeUnknownMessageType = "unknown_message_type"
	ErrorTypeValidation         = "validation_error"
	ErrorTypeLLM                = "llm_error"
	ErrorTypeRateLimited        = "rate_limited"
	ErrorTypeProcessing         = "processing_error"
)

var (
	// ErrMalformedFrame is returned when a frame is not valid JSON.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMissingField is returned when event_type or payload is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidPayload is returned when a payload does not match its event type.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Frame is an outbound envelope.
type Frame struct {
	EventType EventType `json:"event_type"`
	Payload   any       `json:"payload"`
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.EventType, err)
	}
	return data, nil
}

// Message is an inbound frame decoded into its typed variant.
type Message interface {
	Type() EventType
}

// Ping is a client liveness probe.
type Ping struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Pong answers a server ping.
type Pong struct {
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// StatusRequest asks for the current connection status.
type StatusRequest struct{}

// LLMQuery asks the assistant a question.
type LLMQuery struct {
	Message        string          `json:"message" validate:"required,max=8000"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
	ConversationID string          `json:"conversationId,omitempty" validate:"omitempty,max=128"`
	MessageID      string          `json:"messageId,omitempty" validate:"omitempty,max=128"`
}

// Unrecognized carries a frame whose event type has no inbound variant.
type Unrecognized struct {
	EventType EventType
	Payload   json.RawMessage
}

// Type implements Message.
func (Ping) Type() EventType { return EventPing }

// Type implements Message.
func (Pong) Type() EventType { return EventPong }

// Type implements Message.
func (StatusRequest) Type() EventType { return EventStatusRequest }

// Type implements Message.
func (LLMQuery) Type() EventType { return EventLLMQuery }

// Type implements Message.
func (u Unrecognized) Type() EventType { return u.EventType }

type envelope struct {
	EventType *string         `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// llmQueryWire accepts snake_case aliases sent by older clients.
type llmQueryWire struct {
	LLMQuery
	ConversationIDAlt string `json:"conversation_id"`
	MessageIDAlt      string `json:"message_id"`
}

// Decode parses an inbound frame into its typed variant.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.EventType == nil || *env.EventType == "" {
		return nil, fmt.Errorf("%w: event_type", ErrMissingField)
	}
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, fmt.Errorf("%w: payload", ErrMissingField)
	}
	if payload[0] != '{' {
		return nil, fmt.Errorf("%w: payload must be an object", ErrInvalidPayload)
	}

	et := EventType(*env.EventType)
	switch et {
	case EventPing:
		var p Ping
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case EventPong:
		var p Pong
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case EventStatusRequest:
		return StatusRequest{}, nil
	case EventLLMQuery:
		var w llmQueryWire
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		q := w.LLMQuery
		if q.ConversationID == "" {
			q.ConversationID = w.ConversationIDAlt
		}
		if q.MessageID == "" {
			q.MessageID = w.MessageIDAlt
		}
		return q, nil
	default:
		return Unrecognized{EventType: et, Payload: payload}, nil
	}
}

// ErrorTypeFor maps a Decode error to the error type tag reported to the client.
func ErrorTypeFor(err error) string {
	if errors.Is(err, ErrMalformedFrame) {
		return ErrorTypeInvalidJSON
	}
	return ErrorTypeInvalidFormat
}
