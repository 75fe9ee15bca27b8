package outbox

import "time"

// Event is an immutable, append-only notification record for one recipient.
//
// Invariants:
// - Cursor is a per-recipient sequence starting at 1, strictly increasing in append order.
// - Events are never updated. Retention pruning removes whole prefixes by age.
// - Delivery is at-least-once; consumers dedupe with IdempotencyKey().
type Event struct {
	ID          string    `json:"event_id"`
	Cursor      int64     `json:"cursor"`
	RecipientID string    `json:"recipient_id"`
	Type        EventType `json:"event_type"`
	Payload     Payload   `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

type EventType string

const (
	EventIncomingCall EventType = "incoming-call"
	EventCallAccepted EventType = "call-accepted"
	EventCallEnded    EventType = "call-ended"
)

// Payload carries the call data a recipient needs to act on the event.
type Payload struct {
	SessionID     string `json:"session_id"`
	ChannelName   string `json:"channel_name,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	CallerID      string `json:"caller_id,omitempty"`
	CallerName    string `json:"caller_name,omitempty"`
	CalleeID      string `json:"callee_id,omitempty"`
	CalleeName    string `json:"callee_name,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// IdempotencyKey identifies duplicates of the same logical notification.
func (e Event) IdempotencyKey() string {
	return string(e.Type) + ":" + e.Payload.SessionID
}
