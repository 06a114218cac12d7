// Package conversation keeps the conversation list, the active selection and
// unread counters of the signed-in user.
//
// A Store is not safe for concurrent use; its owner serializes access.
package conversation

import (
	"slices"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Store holds conversations in list order, most recent activity first once
// messages start arriving.
type Store struct {
	self   string
	list   []chat.Conversation
	active string
	total  int

	// last-message previews of conversations missing from the list
	unlisted map[string]*chat.Summary
}

// New creates an empty store for user self.
func New(self string) *Store {
	return &Store{self: self, unlisted: make(map[string]*chat.Summary)}
}

// Replace installs a freshly fetched list. Previews recorded for unlisted
// conversations are folded in when they are newer than the server's.
func (s *Store) Replace(list []chat.Conversation) {
	s.list = slices.Clone(list)
	for i := range s.list {
		s.absorb(&s.list[i])
	}
}

// Upsert inserts c at the top of the list or replaces the stored copy in place.
func (s *Store) Upsert(c chat.Conversation) {
	s.absorb(&c)
	if i := s.index(c.ID); i >= 0 {
		s.list[i] = c
		return
	}
	s.list = slices.Insert(s.list, 0, c)
}

func (s *Store) absorb(c *chat.Conversation) {
	sum, ok := s.unlisted[c.ID]
	if !ok {
		return
	}
	delete(s.unlisted, c.ID)
	if newer(sum, c.LastMessage) {
		c.LastMessage = sum
	}
}

// Remove drops id from the list. wasActive reports whether it was selected;
// the selection is cleared in that case.
func (s *Store) Remove(id string) (wasActive, ok bool) {
	delete(s.unlisted, id)
	i := s.index(id)
	if i >= 0 {
		s.total = max(s.total-s.list[i].UnreadCount, 0)
		s.list = slices.Delete(s.list, i, i+1)
		ok = true
	}
	if s.active == id {
		s.active = ""
		wasActive = true
	}
	return wasActive, ok
}

// Get returns the listed conversation id.
func (s *Store) Get(id string) (chat.Conversation, bool) {
	if i := s.index(id); i >= 0 {
		return s.list[i], true
	}
	return chat.Conversation{}, false
}

// FindByPeer returns the listed conversation between self and peer.
func (s *Store) FindByPeer(peer string) (chat.Conversation, bool) {
	for _, c := range s.list {
		if c.HasParticipants(s.self, peer) {
			return c, true
		}
	}
	return chat.Conversation{}, false
}

// List returns a copy of the conversation list.
func (s *Store) List() []chat.Conversation { return slices.Clone(s.list) }

// Unlisted returns the last-message previews of conversations that are not
// in the list, keyed by conversation id.
func (s *Store) Unlisted() map[string]chat.Summary {
	if len(s.unlisted) == 0 {
		return nil
	}
	out := make(map[string]chat.Summary, len(s.unlisted))
	for id, sum := range s.unlisted {
		out[id] = *sum
	}
	return out
}

func (s *Store) SetActive(id string) { s.active = id }
func (s *Store) Active() string      { return s.active }

// ActiveConversation returns the selected conversation when it is listed.
func (s *Store) ActiveConversation() (chat.Conversation, bool) {
	if s.active == "" {
		return chat.Conversation{}, false
	}
	return s.Get(s.active)
}

// ApplyMessage records m as the latest activity of its conversation.
// A message from a peer into a conversation other than the active one bumps
// the unread count, once: re-applying a message already seen changes nothing.
// Returns true if any state changed.
func (s *Store) ApplyMessage(m chat.Message) bool {
	sum := m.Summary()
	incoming := m.SenderID != s.self && m.ConversationID != s.active

	i := s.index(m.ConversationID)
	if i < 0 {
		if !newer(sum, s.unlisted[m.ConversationID]) {
			return false
		}
		s.unlisted[m.ConversationID] = sum
		if incoming {
			s.total++
		}
		return true
	}

	c := s.list[i]
	if !newer(sum, c.LastMessage) {
		return false
	}
	c.LastMessage = sum
	if incoming {
		c.UnreadCount++
		s.total++
	}
	s.list = slices.Delete(s.list, i, i+1)
	s.list = slices.Insert(s.list, 0, c)
	return true
}

// MarkRead zeroes the unread count of id and returns the previous value.
func (s *Store) MarkRead(id string) int {
	i := s.index(id)
	if i < 0 {
		return 0
	}
	prev := s.list[i].UnreadCount
	s.list[i].UnreadCount = 0
	s.total = max(s.total-prev, 0)
	return prev
}

// SetUnread overwrites the unread count of id with a server-reported value.
func (s *Store) SetUnread(id string, n int) {
	n = max(n, 0)
	i := s.index(id)
	if i < 0 {
		return
	}
	s.total = max(s.total+n-s.list[i].UnreadCount, 0)
	s.list[i].UnreadCount = n
}

// SetTotal overwrites the total unread count with a server-reported value.
func (s *Store) SetTotal(n int) { s.total = max(n, 0) }

// Total returns the total unread count across conversations.
func (s *Store) Total() int { return s.total }

func (s *Store) index(id string) int {
	return slices.IndexFunc(s.list, func(c chat.Conversation) bool { return c.ID == id })
}

// newer reports whether a is more recent than b. A nil b is always older.
// Equal timestamps are ordered by message id so that of two tied messages
// only one is ever newer than the other.
func newer(a, b *chat.Summary) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c > 0
	}
	return a.MessageID > b.MessageID
}
