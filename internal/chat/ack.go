package chat

import "github.com/cart-inception/Yohan-Interface/internal/protocol"

// ackState tracks the acknowledgement progress of one client message.
// Status only moves forward and stops at the first terminal status.
type ackState struct {
	messageID string
	status    protocol.AckStatus
}

func ackRank(s protocol.AckStatus) int {
	switch s {
	case protocol.AckReceived:
		return 1
	case protocol.AckProcessing:
		return 2
	case protocol.AckDelivered, protocol.AckError:
		return 3
	}
	return 0
}

// advance moves to next and reports whether an ack should be emitted.
// Messages without an ID are never acknowledged.
func (a *ackState) advance(next protocol.AckStatus) bool {
	if a.messageID == "" || a.status.Terminal() {
		return false
	}
	if ackRank(next) <= ackRank(a.status) {
		return false
	}
	a.status = next
	return true
}
