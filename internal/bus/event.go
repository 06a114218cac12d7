package bus

import "time"

// Event kinds. Subscribers filter on the namespace prefix before the dot.
const (
	KindStateChanged     = "state.changed"
	KindTransportState   = "transport.state_changed"
	KindMessageReceived  = "message.received"
	KindMessageSendAck   = "message.send_ack"
	KindMessageSendFail  = "message.send_failed"
	KindPresenceChanged  = "presence.changed"
	KindConversationGone = "conversation.deleted"
)

// Event is a notification published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
