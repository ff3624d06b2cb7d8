package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, e.g. "message.".
const (
	KindMessageUpserted = "message.upserted"
	KindMessageRemoved  = "message.removed"
	KindMessageIncoming = "message.incoming"
	KindSendFailed      = "message.send_failed"
	KindSendAck         = "message.send_ack"

	KindConversationUpserted = "conversation.upserted"
	KindConversationRemoved  = "conversation.removed"

	KindPresenceChanged = "presence.changed"
	KindTypingChanged   = "typing.changed"
	KindSyncStatus      = "sync.status_changed"
)

// MessageRef identifies a message in event payloads.
type MessageRef struct {
	ConversationID string
	MessageID      string
	SenderID       string
}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
