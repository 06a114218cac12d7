package chat

import "time"

// Conversation is a two-party messaging thread.
type Conversation struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participantIds"`
	Title        string    `json:"title,omitempty"`
	LastMessage  *Summary  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
}

// Peer returns the participant that is not self. Returns "" if self is not a participant.
func (c *Conversation) Peer(self string) string {
	switch self {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	}
	return ""
}

// HasParticipants reports whether the conversation is between a and b, in either order.
func (c *Conversation) HasParticipants(a, b string) bool {
	return (c.Participants[0] == a && c.Participants[1] == b) ||
		(c.Participants[0] == b && c.Participants[1] == a)
}

// Summary is the last-message preview shown in the conversation list.
type Summary struct {
	MessageID string    `json:"id"`
	SenderID  string    `json:"fromId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a server-confirmed message.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"fromId"`
	RecipientID    string     `json:"toId"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
}

// Summary returns the list preview for m.
func (m *Message) Summary() *Summary {
	return &Summary{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// MessagePage is one page of conversation history as returned by the backend.
// Messages may be in either chronological direction.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	Page       int       `json:"page"`
	TotalPages int       `json:"totalPages"`
}

// HasMore reports whether older pages exist beyond this one.
func (p *MessagePage) HasMore() bool {
	return p.Page < p.TotalPages
}
