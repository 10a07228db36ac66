package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeVariants(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"event_type":"llm_query","payload":{"message":"Hi","messageId":"m1","conversationId":"c1"}}`))
	if err != nil {
		t.Fatalf("Decode(llm_query) error = %v", err)
	}
	q, ok := msg.(LLMQuery)
	if !ok {
		t.Fatalf("expected LLMQuery, got %T", msg)
	}
	if q.Message != "Hi" || q.MessageID != "m1" || q.ConversationID != "c1" {
		t.Fatalf("unexpected query %+v", q)
	}

	msg, err = Decode([]byte(`{"event_type":"ping","payload":{"timestamp":1700000000}}`))
	if err != nil {
		t.Fatalf("Decode(ping) error = %v", err)
	}
	p, ok := msg.(Ping)
	if !ok || string(p.Timestamp) != "1700000000" {
		t.Fatalf("unexpected ping %#v", msg)
	}

	msg, err = Decode([]byte(`{"event_type":"status_request","payload":{}}`))
	if err != nil || msg.Type() != EventStatusRequest {
		t.Fatalf("Decode(status_request) = %v, %v", msg, err)
	}
}

func TestDecodeSnakeCaseAliases(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"event_type":"llm_query","payload":{"message":"Hi","message_id":"m9","conversation_id":"c9"}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	q := msg.(LLMQuery)
	if q.MessageID != "m9" || q.ConversationID != "c9" {
		t.Fatalf("aliases not honored: %+v", q)
	}
}

func TestDecodeUnknownTagIsUnrecognized(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"event_type":"dance","payload":{"style":"waltz"}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	u, ok := msg.(Unrecognized)
	if !ok || u.EventType != "dance" {
		t.Fatalf("expected Unrecognized{dance}, got %#v", msg)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		want     error
		wantType string
	}{
		{name: "not json", in: `{not json`, want: ErrMalformedFrame, wantType: ErrorTypeInvalidJSON},
		{name: "no event type", in: `{"payload":{}}`, want: ErrMissingField, wantType: ErrorTypeInvalidFormat},
		{name: "no payload", in: `{"event_type":"ping"}`, want: ErrMissingField, wantType: ErrorTypeInvalidFormat},
		{name: "null payload", in: `{"event_type":"ping","payload":null}`, want: ErrMissingField, wantType: ErrorTypeInvalidFormat},
		{name: "array payload", in: `{"event_type":"ping","payload":[1]}`, want: ErrInvalidPayload, wantType: ErrorTypeInvalidFormat},
		{name: "wrong field type", in: `{"event_type":"llm_query","payload":{"message":5}}`, want: ErrInvalidPayload, wantType: ErrorTypeInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.in))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() error = %v, want %v", err, tt.want)
			}
			if got := ErrorTypeFor(err); got != tt.wantType {
				t.Fatalf("ErrorTypeFor() = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestValidateQuery(t *testing.T) {
	t.Parallel()

	q := &LLMQuery{Message: "   "}
	if err := ValidateQuery(q); err == nil || !strings.Contains(err.Error(), "message") {
		t.Fatalf("expected message required error, got %v", err)
	}

	q = &LLMQuery{Message: strings.Repeat("a", 8001)}
	if err := ValidateQuery(q); err == nil {
		t.Fatal("expected length error")
	}

	q = &LLMQuery{Message: "  what's the weather?  "}
	if err := ValidateQuery(q); err != nil {
		t.Fatalf("ValidateQuery() error = %v", err)
	}
	if q.Message != "what's the weather?" {
		t.Fatalf("message not trimmed: %q", q.Message)
	}
}

func TestFramesEncodeWireKeys(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := Encode(MessageAck("m1", AckError, at, "boom"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var got struct {
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventType != "message_ack" {
		t.Fatalf("event_type = %q", got.EventType)
	}
	if got.Payload["messageId"] != "m1" || got.Payload["status"] != "error" || got.Payload["errorMessage"] != "boom" {
		t.Fatalf("unexpected payload %v", got.Payload)
	}

	data, err = Encode(PongFrame(json.RawMessage(`"t-1"`)))
	if err != nil {
		t.Fatalf("Encode(pong) error = %v", err)
	}
	if !strings.Contains(string(data), `"timestamp":"t-1"`) {
		t.Fatalf("pong does not echo timestamp: %s", data)
	}
}

func TestAckStatusTerminal(t *testing.T) {
	t.Parallel()

	if AckReceived.Terminal() || AckProcessing.Terminal() {
		t.Fatal("received/processing must not be terminal")
	}
	if !AckDelivered.Terminal() || !AckError.Terminal() {
		t.Fatal("delivered/error must be terminal")
	}
}
