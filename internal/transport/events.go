package transport

import (
	"encoding/json"
	"time"
)

// Events consumed from the server.
const (
	EventMessageReceived  = "message:received"
	EventMessageSent      = "message:sent"
	EventMessageError     = "message:error"
	EventReadReceipt      = "message:read-receipt"
	EventAutoRead         = "message:auto-read"
	EventConversationRead = "conversation:marked-read"
	EventOnlineList       = "users:online-list"
	EventUserOnline       = "user:online"
	EventUserOffline      = "user:offline"
)

// Events emitted to the server.
const (
	EventUserJoin          = "user:join"
	EventConversationEnter = "conversation:enter"
	EventConversationLeave = "conversation:leave"
	EventMessageSend       = "message:send"
	EventMarkRead          = "conversation:mark-read"
	EventRequestOnline     = "users:online"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Event is an inbound frame handed to handlers.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

// MessagePayload carries message:received and message:sent.
type MessagePayload struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	FromID         string     `json:"fromId"`
	ToID           string     `json:"toId"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CorrelationID  string     `json:"correlationId,omitempty"`
}

// MessageErrorPayload carries message:error.
type MessageErrorPayload struct {
	CorrelationID  string `json:"correlationId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error"`
}

// ReadReceiptPayload carries message:read-receipt.
type ReadReceiptPayload struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// AutoReadPayload carries message:auto-read.
type AutoReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	ReadAt         time.Time `json:"readAt"`
}

// MarkedReadPayload carries conversation:marked-read.
type MarkedReadPayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
	TotalUnread    *int   `json:"totalUnread,omitempty"`
}

// OnlineListPayload carries users:online-list.
type OnlineListPayload struct {
	UserIDs []string `json:"userIds"`
}

// UserPayload carries user:online, user:offline and user:join.
type UserPayload struct {
	UserID string `json:"userId"`
}

// RoomPayload carries conversation:enter, conversation:leave and
// conversation:mark-read.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// SendPayload carries message:send.
type SendPayload struct {
	ConversationID string `json:"conversationId"`
	FromID         string `json:"fromId"`
	ToID           string `json:"toId"`
	Content        string `json:"content"`
	CorrelationID  string `json:"correlationId"`
}
