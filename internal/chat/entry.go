package chat

import "time"

// Delivery is the confirmation state of a timeline entry: either Pending or Confirmed.
type Delivery interface {
	isDelivery()
}

// Pending marks a locally created message that the server has not acknowledged yet.
type Pending struct {
	CorrelationID string
	Failed        bool
	Err           string
}

// Confirmed marks a message carrying a server-assigned identifier.
type Confirmed struct {
	ServerID string
}

func (Pending) isDelivery()   {}
func (Confirmed) isDelivery() {}

const pendingKeyPrefix = "pending:"

// Entry is one row of a conversation timeline.
type Entry struct {
	Message  Message
	Delivery Delivery
}

// NewConfirmed wraps a server message as a confirmed entry.
func NewConfirmed(m Message) Entry {
	return Entry{Message: m, Delivery: Confirmed{ServerID: m.ID}}
}

// NewPending builds an optimistic entry for a message that is about to be sent.
func NewPending(correlationID, conversationID, senderID, recipientID, content string, at time.Time) Entry {
	return Entry{
		Message: Message{
			ConversationID: conversationID,
			SenderID:       senderID,
			RecipientID:    recipientID,
			Content:        content,
			CreatedAt:      at,
		},
		Delivery: Pending{CorrelationID: correlationID},
	}
}

// Key identifies the entry within a timeline. Confirmed entries are keyed by
// server id, pending entries by correlation id; the two spaces never collide.
func (e Entry) Key() string {
	switch d := e.Delivery.(type) {
	case Confirmed:
		return d.ServerID
	case Pending:
		return PendingKey(d.CorrelationID)
	default:
		return e.Message.ID
	}
}

// PendingKey returns the timeline key of the pending entry with the given correlation id.
func PendingKey(correlationID string) string {
	return pendingKeyPrefix + correlationID
}

// IsPending reports whether the entry is still awaiting confirmation.
func (e Entry) IsPending() bool {
	_, ok := e.Delivery.(Pending)
	return ok
}

// CorrelationID returns the correlation id of a pending entry.
func (e Entry) CorrelationID() (string, bool) {
	p, ok := e.Delivery.(Pending)
	if !ok {
		return "", false
	}
	return p.CorrelationID, true
}
